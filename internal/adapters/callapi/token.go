package callapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrNoRefreshToken = errors.New("no refresh token")

// TokenSource holds the bearer and refresh tokens of the local user and
// implements core.Credentials.
type TokenSource struct {
	authURL string
	client  *http.Client

	mu      sync.Mutex
	token   string
	refresh string
}

func NewTokenSource(authURL, token, refreshToken string, client *http.Client) *TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenSource{authURL: authURL, client: client, token: token, refresh: refreshToken}
}

func (s *TokenSource) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

// Refresh exchanges the refresh token at {authURL}/api/auth/refresh-token.
func (s *TokenSource) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	refresh := s.refresh
	s.mu.Unlock()
	if refresh == "" {
		return "", ErrNoRefreshToken
	}

	body, _ := json.Marshal(map[string]string{"refreshToken": refresh})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.authURL+"/api/auth/refresh-token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Op: "refresh token", Code: resp.StatusCode}
	}

	var out struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("refresh token: empty token in response")
	}

	s.mu.Lock()
	s.token = out.Token
	if out.RefreshToken != "" {
		s.refresh = out.RefreshToken
	}
	s.mu.Unlock()
	log.Info().Str("module", "callapi").Msg("bearer token refreshed")
	return out.Token, nil
}
