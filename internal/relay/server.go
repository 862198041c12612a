// Package relay is a reference backend for the chat client. It accepts
// AI-ask requests, pushes replies over each user's socket and serves the
// stored chat history.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/crewdeck/crewchat/internal/domain"
	"github.com/crewdeck/crewchat/internal/middleware"
	"github.com/crewdeck/crewchat/internal/realtime"
	"github.com/crewdeck/crewchat/internal/store"
)

const (
	defaultMaxRequestBodySize = 1 << 20
	defaultAuthTimeout        = 10 * time.Second
	socketReadLimit           = 64 << 10
)

// Options configures a Server.
type Options struct {
	// SessionID is the AI session id clients must send. Empty accepts any.
	SessionID string
	// FrontendURL is the allowed browser origin. Empty or "*" allows any.
	FrontendURL string

	ReplyDelay         time.Duration
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	MaxRequestBodySize int64
	AuthTimeout        time.Duration
	// MaxPendingReplies caps the replies queued per user while no socket is
	// connected. Zero uses DefaultMaxPending.
	MaxPendingReplies int

	Responder Responder
	Logger    *slog.Logger
}

// Server implements the AI-ask, real-time and chat history endpoints.
type Server struct {
	repo      store.HistoryRepository
	hub       *Hub
	limiter   *RateLimiter
	responder Responder
	opts      Options
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a relay server backed by repo.
func New(repo store.HistoryRepository, opts Options) *Server {
	if opts.MaxRequestBodySize <= 0 {
		opts.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	if opts.Responder == nil {
		opts.Responder = ConciergeResponder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		repo:      repo,
		hub:       NewHub(opts.MaxPendingReplies, opts.Logger),
		limiter:   NewRateLimiter(opts.RateLimitRequests, opts.RateLimitWindow),
		responder: opts.Responder,
		opts:      opts,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Hub returns the socket registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Routes returns the HTTP handler serving every relay endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(s.allowedOrigins()))

	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the relay endpoints on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/socket", s.HandleSocket)
	r.Post("/ai/ask", s.HandleAsk)
	r.Route("/chat/history/{userId}", func(r chi.Router) {
		r.Get("/", s.HandleHistory)
		r.Put("/suggestions", s.HandleSetSuggestions)
	})
}

// Close stops accepting replies, waits for pending ones and closes every
// socket.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.limiter.Stop()
	s.hub.CloseAll()
}

func (s *Server) allowedOrigins() []string {
	if s.opts.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{s.opts.FrontendURL}
}

// HandleAsk handles POST /ai/ask. The turn is stored and acknowledged with
// 202; the reply arrives later over the user's socket.
func (s *Server) HandleAsk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBodySize)

	var req domain.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if domain.IsBlank(req.ChatInput) {
		Error(w, http.StatusBadRequest, "chatInput is required")
		return
	}
	if req.UserID == nil || strings.TrimSpace(*req.UserID) == "" {
		Error(w, http.StatusBadRequest, "userId is required")
		return
	}
	if s.opts.SessionID != "" && req.SessionID != s.opts.SessionID {
		Error(w, http.StatusBadRequest, "unknown sessionId")
		return
	}
	userID := strings.TrimSpace(*req.UserID)

	if !s.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if err := s.repo.AppendMessages(r.Context(), userID, domain.UserMessage(req.ChatInput)); err != nil {
		s.logger.Error("Failed to store user message", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		Error(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("AI ask accepted",
		"user_id", userID,
		"request_id", req.RequestID,
		"trace_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.ChatInput),
	)

	go func() {
		defer s.wg.Done()
		s.reply(userID, req.ChatInput, req.RequestID)
	}()

	JSON(w, http.StatusAccepted, map[string]any{"success": true, "requestId": req.RequestID})
}

// reply produces, stores and pushes the assistant output for one turn. A
// responder failure still pushes a reply without output so the client can
// settle the turn.
func (s *Server) reply(userID, input, requestID string) {
	ctx := s.ctx

	if d := s.opts.ReplyDelay; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	var transcript []domain.ChatMessage
	if stored, err := s.repo.GetHistory(ctx, userID); err != nil {
		s.logger.Warn("Failed to read history for reply", "user_id", userID, "error", err)
	} else if stored != nil {
		transcript = stored.Messages
	}

	output, err := s.responder.Respond(ctx, userID, input, transcript)
	if err != nil {
		s.logger.Error("Responder failed", "user_id", userID, "request_id", requestID, "error", err)
		output = ""
	}

	if err := s.repo.AppendMessages(ctx, userID, domain.AssistantMessage(output)); err != nil {
		s.logger.Error("Failed to store assistant message", "user_id", userID, "error", err)
	}

	payload := realtime.AIResponsePayload{RequestID: requestID}
	if output != "" {
		payload.Output = &output
	}
	queued, err := s.hub.Deliver(ctx, userID, realtime.EventAIResponse, payload)
	switch {
	case err != nil:
		s.logger.Warn("Failed to push reply", "user_id", userID, "request_id", requestID, "error", err)
	case queued:
		s.logger.Info("Reply queued until the user reconnects", "user_id", userID, "request_id", requestID)
	}
}

// HandleHistory handles GET /chat/history/{userId}.
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	stored, err := s.repo.GetHistory(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to load chat history", "user_id", userID, "error", err)
		JSON(w, http.StatusInternalServerError, domain.HistoryEnvelope{Message: "failed to load chat history"})
		return
	}
	if stored == nil {
		JSON(w, http.StatusNotFound, domain.HistoryEnvelope{Message: "no chat history found"})
		return
	}

	JSON(w, http.StatusOK, domain.HistoryEnvelope{Success: true, Data: stored.ToHistory()})
}

type suggestionsRequest struct {
	ChatSuggestions []string `json:"chatSuggestions"`
}

// HandleSetSuggestions handles PUT /chat/history/{userId}/suggestions.
func (s *Server) HandleSetSuggestions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBodySize)

	var req suggestionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.repo.SetSuggestions(r.Context(), userID, req.ChatSuggestions); err != nil {
		s.logger.Error("Failed to store suggestions", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store suggestions")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
