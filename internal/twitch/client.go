// Package twitch wraps the upstream Helix-style REST API: broadcaster
// identity resolution, current live status, and EventSub subscription
// management. Token acquisition/refresh is an external collaborator behind
// the TokenSource interface.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// TokenSource supplies a valid upstream access token. Implementations own
// the refresh flow; the client only attaches whatever token they return.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a TokenSource that always yields tok.
func StaticTokenSource(tok string) TokenSource {
	return staticToken(tok)
}

type staticToken string

func (t staticToken) Token(context.Context) (string, error) { return string(t), nil }

// User is an upstream broadcaster identity.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Stream is the upstream live-status row. A nil *Stream means offline.
type Stream struct {
	ID        string    `json:"id"`
	GameID    string    `json:"game_id"`
	GameName  string    `json:"game_name"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
}

// Client calls the Helix-style REST API. Every request carries the
// configured timeout; a hung upstream surfaces as an error, never a stall.
type Client struct {
	baseURL  string
	clientID string
	tokens   TokenSource
	http     *http.Client
	logger   *zap.Logger
}

// NewClient creates an upstream API client.
func NewClient(baseURL, clientID string, tokens TokenSource, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		clientID: clientID,
		tokens:   tokens,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Client-Id", c.clientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// GetUserByLogin resolves a broadcaster login to its upstream identity.
// Returns nil when the login does not exist.
func (c *Client) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	resp, err := c.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get user status: %d", resp.StatusCode)
	}
	var envelope struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil, nil
	}
	return &envelope.Data[0], nil
}

// GetStreamByBroadcaster returns the current live stream for a broadcaster,
// or nil when offline.
func (c *Client) GetStreamByBroadcaster(ctx context.Context, broadcasterID string) (*Stream, error) {
	resp, err := c.do(ctx, http.MethodGet, "/streams", url.Values{"user_id": {broadcasterID}}, nil)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get stream status: %d", resp.StatusCode)
	}
	var envelope struct {
		Data []Stream `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode stream: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil, nil
	}
	return &envelope.Data[0], nil
}

// CreateSubscription registers an EventSub websocket subscription for the
// broadcaster. A 409 means the subscription already exists on this session
// and is treated as success.
func (c *Client) CreateSubscription(ctx context.Context, subType, version, broadcasterID, sessionID string) error {
	body := map[string]any{
		"type":    subType,
		"version": version,
		"condition": map[string]string{
			"broadcaster_user_id": broadcasterID,
		},
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	resp, err := c.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, body)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return nil
	case http.StatusConflict:
		c.logger.Debug("subscription already exists",
			zap.String("type", subType),
			zap.String("session_id", sessionID))
		return nil
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("create subscription %s status %d: %s", subType, resp.StatusCode, raw)
	}
}
