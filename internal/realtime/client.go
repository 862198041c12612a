package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/crewdeck/crewchat/internal/domain"
)

const (
	defaultPath             = "/socket"
	defaultReconnectInitial = time.Second
	defaultReconnectMax     = 30 * time.Second
	defaultDialTimeout      = 10 * time.Second
	defaultReadLimit        = 1 << 20
)

// Options configures a Client.
type Options struct {
	// URL is the base URL of the real-time server (http, https, ws or wss).
	URL  string
	Path string

	DisableReconnect     bool
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int // 0 = unlimited

	DialTimeout time.Duration
	ReadLimit   int64
	HTTPClient  *http.Client
	Header      http.Header
	Logger      *slog.Logger
}

// Client is the transport channel for assistant replies. Chat turns are not
// sent over it; it only authenticates and receives.
//
// Handlers run on the connection's read goroutine and must not call
// Disconnect synchronously.
type Client struct {
	opts   Options
	logger *slog.Logger

	lifeMu sync.Mutex // serializes Connect and Disconnect

	mu           sync.Mutex
	state        State
	identity     string
	cancel       context.CancelFunc
	done         chan struct{}
	onReply      func(Reply)
	onError      func(string)
	onState      func(State)
	authAttempts int
}

// NewClient creates a disconnected client.
func NewClient(opts Options) *Client {
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = defaultReconnectInitial
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = max(defaultReconnectMax, opts.ReconnectInitial)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{opts: opts, logger: opts.Logger}
}

// OnAssistantReply registers the reply handler, replacing any previous one.
// It is invoked once per ai-response event.
func (c *Client) OnAssistantReply(handler func(Reply)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReply = handler
}

// OnError registers a handler for server error events.
func (c *Client) OnError(handler func(message string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// OnStateChange registers a handler observing lifecycle transitions.
func (c *Client) OnStateChange(handler func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AuthAttempts returns how many authenticate frames have been sent since the
// client was created.
func (c *Client) AuthAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authAttempts
}

// Connect opens the channel for identity in the background. Connecting with
// the identity already in use is a no-op; a different identity replaces the
// current connection. Failures are logged and retried, never returned.
func (c *Client) Connect(identity string) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	running, current, done := c.cancel != nil, c.identity, c.done
	c.mu.Unlock()

	if running {
		if current == identity && !closed(done) {
			return
		}
		// Different identity, or the loop gave up reconnecting.
		c.stop()
	}

	endpoint, err := c.endpoint(identity)
	if err != nil {
		c.logger.Warn("Real-time channel not started", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})

	c.mu.Lock()
	c.identity = identity
	c.cancel = cancel
	c.done = runDone
	c.mu.Unlock()

	go c.run(ctx, endpoint, identity, runDone)
}

// Disconnect closes the channel and waits for its goroutine to exit.
// It is safe to call in any state, any number of times.
func (c *Client) Disconnect() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	c.stop()
}

func (c *Client) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.identity = ""
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("Real-time channel disconnected")
}

func (c *Client) endpoint(identity string) (string, error) {
	if c.opts.URL == "" {
		return "", fmt.Errorf("real-time URL is not configured")
	}
	u, err := url.Parse(strings.TrimRight(c.opts.URL, "/") + "/" + strings.TrimLeft(c.opts.Path, "/"))
	if err != nil {
		return "", fmt.Errorf("parse real-time URL: %w", err)
	}
	q := u.Query()
	q.Set("userId", identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) run(ctx context.Context, endpoint, identity string, done chan struct{}) {
	defer close(done)
	defer c.setState(StateDisconnected)

	failures := 0
	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx, endpoint)
		if err == nil {
			failures = 0
			err = c.serve(ctx, conn, identity)
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		c.logger.Warn("Real-time connection lost", "error", err, "user_id", identity, "attempt", failures)
		if !c.waitReconnect(ctx, failures) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: c.opts.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	conn.SetReadLimit(c.opts.ReadLimit)
	return conn, nil
}

// serve authenticates a fresh connection and reads frames until it fails.
// Authenticate is sent on every connect, reconnects included.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, identity string) error {
	defer func() { _ = conn.CloseNow() }()

	c.setState(StateConnected)
	c.logger.Info("Real-time channel connected", "user_id", identity)

	if err := c.emit(ctx, conn, EventAuthenticate, identity); err != nil {
		return err
	}
	c.setState(StateAuthenticating)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return fmt.Errorf("closed by server: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("Dropping malformed real-time frame", "error", err)
			continue
		}
		c.handle(env)
	}
}

func (c *Client) emit(ctx context.Context, conn *websocket.Conn, event Event, data any) error {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	if event == EventAuthenticate {
		c.mu.Lock()
		c.authAttempts++
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) handle(env Envelope) {
	switch env.Event {
	case EventAuthenticated:
		var p AuthenticatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Debug("Unreadable authenticated payload", "error", err)
		}
		c.setState(StateReady)
		c.logger.Info("Real-time channel authenticated", "user_id", p.UserID)

	case EventAIResponse:
		reply := c.decodeReply(env.Data)
		c.mu.Lock()
		handler := c.onReply
		c.mu.Unlock()
		if handler == nil {
			c.logger.Warn("Assistant reply dropped: no handler registered")
			return
		}
		handler(reply)

	case EventError:
		var p ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			p.Message = string(env.Data)
		}
		c.logger.Warn("Real-time server error", "message", p.Message)
		c.mu.Lock()
		handler := c.onError
		c.mu.Unlock()
		if handler != nil {
			handler(p.Message)
		}

	default:
		c.logger.Debug("Ignoring real-time event", "event", env.Event)
	}
}

func (c *Client) decodeReply(data json.RawMessage) Reply {
	var p AIResponsePayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			c.logger.Debug("Unreadable ai-response payload", "error", err)
		}
	}
	reply := Reply{Output: domain.FallbackReply, RequestID: p.RequestID}
	if p.Output != nil && *p.Output != "" {
		reply.Output = *p.Output
	}
	return reply
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	handler := c.onState
	c.mu.Unlock()

	if handler != nil {
		handler(s)
	}
}

func (c *Client) waitReconnect(ctx context.Context, failures int) bool {
	if c.opts.DisableReconnect {
		return false
	}
	if limit := c.opts.MaxReconnectAttempts; limit > 0 && failures > limit {
		c.logger.Error("Giving up on real-time channel", "attempts", failures-1)
		return false
	}

	delay := reconnectDelay(c.opts.ReconnectInitial, c.opts.ReconnectMax, failures)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// reconnectDelay doubles from initial on each consecutive failure, capped at limit.
func reconnectDelay(initial, limit time.Duration, failures int) time.Duration {
	d := initial
	for i := 1; i < failures && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}
