// Package callapi talks to the call-record REST service: create, look
// up and end the call of a group.
package callapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Code)
}

type Client struct {
	base   string
	creds  core.Credentials
	http   *http.Client
	logger zerolog.Logger
}

func New(baseURL string, creds core.Credentials, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		base:   baseURL,
		creds:  creds,
		http:   httpClient,
		logger: log.With().Str("module", "callapi").Logger(),
	}
}

// CreateCall returns the room of group, creating the record if needed.
func (c *Client) CreateCall(ctx context.Context, group domain.GroupID) (domain.RoomID, error) {
	var out struct {
		RoomID domain.RoomID `json:"roomId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/video-call/create", map[string]any{"groupId": group}, &out); err != nil {
		return "", err
	}
	if out.RoomID == "" {
		return "", errors.New("create call: empty room id")
	}
	return out.RoomID, nil
}

func (c *Client) CallStatus(ctx context.Context, group domain.GroupID) (domain.CallStatus, error) {
	var out domain.CallStatus
	err := c.do(ctx, http.MethodGet, "/api/video-call/status/"+url.PathEscape(string(group)), nil, &out)
	return out, err
}

func (c *Client) EndCall(ctx context.Context, group domain.GroupID) error {
	return c.do(ctx, http.MethodPost, "/api/video-call/end/"+url.PathEscape(string(group)), nil, nil)
}

// do sends one request and retries it once with a refreshed token on 401.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path
	for attempt := 0; ; attempt++ {
		code, err := c.once(ctx, method, path, in, out)
		if err == nil {
			return nil
		}
		if code != http.StatusUnauthorized || attempt > 0 {
			return err
		}
		c.logger.Info().Str("op", op).Msg("unauthorized, refreshing token")
		if _, rerr := c.creds.Refresh(ctx); rerr != nil {
			return &domain.AuthError{Status: code, Err: rerr}
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, in, out any) (int, error) {
	op := method + " " + path
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		return 0, &domain.AuthError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &domain.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var msg struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		err := &StatusError{Op: op, Code: resp.StatusCode, Message: msg.Error}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return resp.StatusCode, &domain.AuthError{Status: resp.StatusCode, Err: err}
		}
		return resp.StatusCode, err
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s: decode: %w", op, err)
	}
	return resp.StatusCode, nil
}
