// Package dispatch sends user chat turns to the AI-ask endpoint.
//
// Replies do not come back on this channel; they arrive asynchronously over
// the real-time connection.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/crewdeck/crewchat/internal/domain"
)

// DefaultTimeout bounds one dispatch. AI calls can legitimately run for
// minutes, so this is deliberately long.
const DefaultTimeout = 5 * time.Minute

const maxErrorBody = 4 << 10

// ErrNotConfigured is returned when no API URL was configured.
var ErrNotConfigured = errors.New("dispatch: AI endpoint is not configured")

// StatusError reports a non-2xx response from the AI-ask endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("dispatch: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("dispatch: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Request is one user turn.
type Request struct {
	Text      string
	UserID    string
	RequestID string
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Path       string
	SessionID  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client posts chat turns to the AI-ask endpoint.
type Client struct {
	endpoint  string
	sessionID string
	timeout   time.Duration
	http      *http.Client
	logger    *slog.Logger
}

// New creates a dispatch client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/ai/ask"
	}

	endpoint := ""
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		endpoint = base + "/" + strings.TrimLeft(cfg.Path, "/")
	}

	return &Client{
		endpoint:  endpoint,
		sessionID: cfg.SessionID,
		timeout:   cfg.Timeout,
		http:      cfg.HTTPClient,
		logger:    cfg.Logger,
	}
}

// Dispatch sends one turn. Blank text is a no-op. It does not touch the
// transcript; callers settle the turn on error.
func (c *Client) Dispatch(ctx context.Context, req Request) error {
	if domain.IsBlank(req.Text) {
		return nil
	}
	if c.endpoint == "" {
		return ErrNotConfigured
	}

	body := domain.AskRequest{
		ChatInput: req.Text,
		SessionID: c.sessionID,
		RequestID: req.RequestID,
	}
	if req.UserID != "" {
		userID := req.UserID
		body.UserID = &userID
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("dispatch: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch: post %s: %w", c.endpoint, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close dispatch response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	c.logger.Debug("Chat turn dispatched",
		"user_id", req.UserID,
		"request_id", req.RequestID,
		"message_length", len(req.Text),
		"duration", time.Since(start),
	)
	return nil
}
