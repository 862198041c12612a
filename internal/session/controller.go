// Package session binds a conversation to its transport for the lifetime of
// a mounted chat surface.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/crewdeck/crewchat/internal/conversation"
	"github.com/crewdeck/crewchat/internal/dispatch"
	"github.com/crewdeck/crewchat/internal/domain"
	"github.com/crewdeck/crewchat/internal/history"
	"github.com/crewdeck/crewchat/internal/realtime"
)

var (
	ErrAlreadyMounted = errors.New("session: already mounted")
	ErrNotMounted     = errors.New("session: not mounted")
)

// IdentityResolver yields the identity a session runs as.
type IdentityResolver interface {
	Resolve(ctx context.Context) string
	Authenticated() bool
}

// Transport delivers assistant replies for one identity at a time.
type Transport interface {
	Connect(identity string)
	OnAssistantReply(handler func(realtime.Reply))
	Disconnect()
}

// Dispatcher sends a user turn to the AI backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) error
}

// HistoryFetcher loads a user's persisted conversation.
type HistoryFetcher interface {
	Fetch(ctx context.Context, userID string) (*domain.History, error)
}

// Config wires a Controller. History may be nil to skip hydration.
type Config struct {
	Identity   IdentityResolver
	Transport  Transport
	Dispatcher Dispatcher
	History    HistoryFetcher
	Store      *conversation.Store

	// HistoryOnOpen defers history hydration until the surface is first
	// opened, as the dashboard chat does.
	HistoryOnOpen bool

	Logger *slog.Logger
}

// Controller owns one conversation and the transport connection serving it.
type Controller struct {
	identity   IdentityResolver
	transport  Transport
	dispatcher Dispatcher
	history    HistoryFetcher
	store      *conversation.Store
	onOpen     bool
	logger     *slog.Logger

	lifeMu sync.Mutex // serializes Mount and Unmount

	mu            sync.Mutex
	mounted       bool
	userID        string
	authenticated bool
	historyDone   bool
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New creates an unmounted controller. A fresh conversation store is
// created when cfg.Store is nil.
func New(cfg Config) *Controller {
	st := cfg.Store
	if st == nil {
		st = conversation.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		identity:   cfg.Identity,
		transport:  cfg.Transport,
		dispatcher: cfg.Dispatcher,
		history:    cfg.History,
		store:      st,
		onOpen:     cfg.HistoryOnOpen,
		logger:     logger,
	}
}

// Store returns the conversation owned by this controller.
func (c *Controller) Store() *conversation.Store {
	return c.store
}

// Identity returns the identity of the current mount, or "" when unmounted.
func (c *Controller) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Mounted reports whether the session is live.
func (c *Controller) Mounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

// Mount resolves the identity, connects the transport and, for
// authenticated users, starts loading persisted history. It does not wait
// for the connection or the history fetch.
func (c *Controller) Mount(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mounted {
		return ErrAlreadyMounted
	}

	userID := c.identity.Resolve(ctx)
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.userID = userID
	c.authenticated = c.identity.Authenticated()
	c.historyDone = false
	c.mounted = true

	c.transport.OnAssistantReply(func(r realtime.Reply) {
		c.store.ResolveTurn(r.RequestID, r.Output)
	})
	c.transport.Connect(userID)

	c.logger.Info("Chat session mounted", "user_id", userID, "authenticated", c.authenticated)

	if !c.onOpen || c.store.Snapshot().IsOpen {
		c.startHistoryLocked()
	}
	return nil
}

// Unmount disconnects the transport and waits for in-flight dispatches and
// history loads to settle. Calling it on an unmounted session is a no-op.
func (c *Controller) Unmount() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = false
	cancel := c.cancel
	userID := c.userID
	c.userID = ""
	c.mu.Unlock()

	cancel()
	c.transport.Disconnect()
	c.wg.Wait()

	c.logger.Info("Chat session unmounted", "user_id", userID)
}

// Open shows the chat surface. With HistoryOnOpen set, the first open of a
// mounted session triggers history hydration.
func (c *Controller) Open() {
	c.store.Open()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mounted {
		c.startHistoryLocked()
	}
}

// Send appends a user turn and dispatches it in the background. Blank text
// is ignored. A failed dispatch settles its turn with a fallback reply.
func (c *Controller) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.mounted {
		return ErrNotMounted
	}

	turn, ok := c.store.AppendUserTurn(text)
	if !ok {
		return nil
	}

	ctx, userID := c.ctx, c.userID
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.dispatcher.Dispatch(ctx, dispatch.Request{
			Text:      turn.Text,
			UserID:    userID,
			RequestID: turn.ID,
		})
		if err != nil {
			c.logger.Error("Failed to dispatch chat turn", "user_id", userID, "request_id", turn.ID, "error", err)
			c.store.ResolveTurn(turn.ID, domain.DispatchFailureReply)
		}
	}()
	return nil
}

// Wait blocks until background work started by this mount has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// startHistoryLocked loads history at most once per mount. c.mu must be held.
func (c *Controller) startHistoryLocked() {
	if c.historyDone || !c.authenticated || c.history == nil {
		return
	}
	c.historyDone = true

	ctx, userID := c.ctx, c.userID
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loadHistory(ctx, userID)
	}()
}

func (c *Controller) loadHistory(ctx context.Context, userID string) {
	h, err := c.history.Fetch(ctx, userID)
	if err != nil {
		kind := history.Classify(err)
		if kind == history.KindNotFound {
			c.logger.Info("No chat history", "user_id", userID)
		} else {
			c.logger.Warn("Failed to load chat history", "user_id", userID, "kind", kind, "error", err)
		}
		c.store.SetHistoryError(history.UserMessage(err))
		return
	}

	if !c.store.LoadHistory(h.Messages, h.ChatSuggestions) {
		c.logger.Debug("Skipped chat history: conversation already started", "user_id", userID)
		return
	}
	c.logger.Info("Loaded chat history", "user_id", userID, "messages", len(h.Messages))
}
