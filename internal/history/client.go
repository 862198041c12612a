// Package history loads persisted assistant transcripts for authenticated
// users.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crewdeck/crewchat/internal/domain"
)

// DefaultTimeout bounds a history fetch.
const DefaultTimeout = 30 * time.Second

const maxResponseBody = 8 << 20

// ErrNotConfigured is returned when no API URL was configured.
var ErrNotConfigured = errors.New("history: API URL is not configured")

// Config configures a Client.
type Config struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client fetches chat history.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

// New creates a history client.
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
		cfg.Path = "/chat/history"
	}

	base := ""
	if root := strings.TrimRight(cfg.BaseURL, "/"); root != "" {
		base = root + "/" + strings.Trim(cfg.Path, "/")
	}

	return &Client{
		baseURL: base,
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

// Fetch loads the history of userID. Failures are returned as *Error.
func (c *Client) Fetch(ctx context.Context, userID string) (*domain.History, error) {
	if c.baseURL == "" {
		return nil, &Error{Kind: KindOther, Err: ErrNotConfigured}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Kind: KindOther, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: Classify(err), Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close history response body", "error", closeErr)
		}
	}()

	var env domain.HistoryEnvelope
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind:       statusKind(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    env.Message,
		}
	}
	if decodeErr != nil {
		return nil, &Error{Kind: Classify(decodeErr), StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}
	if !env.Success {
		return nil, &Error{Kind: KindOther, StatusCode: resp.StatusCode, Message: env.Message}
	}
	if env.Data == nil {
		return nil, &Error{Kind: KindNotFound, StatusCode: resp.StatusCode, Message: env.Message}
	}

	c.logger.Debug("Chat history loaded", "user_id", userID, "messages", len(env.Data.Messages))
	return env.Data, nil
}
