package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const claimsKey = "relay_claims"

var ErrMissingToken = errors.New("missing bearer token")

// Claims is the identity carried by a relay bearer token.
type Claims struct {
	UserID domain.ParticipantID `json:"id"`
	Name   string               `json:"name,omitempty"`
	Role   string               `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for a user.
func IssueToken(secret []byte, userID domain.ParticipantID, name, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Name:   name,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   string(userID),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates signature and expiry and returns the claims.
func ParseToken(secret []byte, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// bearer reads the token from the Authorization header or, for browsers
// that cannot set headers on a websocket, the token query parameter.
func bearer(c *gin.Context) (string, error) {
	if h := c.GetHeader("Authorization"); h != "" {
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || raw == "" {
			return "", ErrMissingToken
		}
		return raw, nil
	}
	if q := c.Query("token"); q != "" {
		return q, nil
	}
	return "", ErrMissingToken
}

// ClaimsOf returns the claims stored by the auth middleware.
func ClaimsOf(c *gin.Context) *Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}
