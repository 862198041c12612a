package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/crewdeck/crewchat/internal/realtime"
)

var errNotAuthenticated = errors.New("socket closed before authenticating")

// HandleSocket handles GET /socket. A connection must send authenticate
// before it is bound to a user; later authenticate frames rebind it.
func (s *Server) HandleSocket(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(socketReadLimit)

	ctx := r.Context()

	userID, err := s.awaitAuthenticate(ctx, conn)
	if err != nil {
		s.logger.Warn("Chat socket rejected", "error", err, "ip", r.RemoteAddr)
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication required")
		return
	}

	s.hub.Register(userID, conn)
	defer func() { s.hub.Unregister(userID, conn) }()

	if err := s.ack(ctx, conn, userID); err != nil {
		s.logger.Debug("Failed to acknowledge authentication", "user_id", userID, "error", err)
		return
	}
	if _, err := s.hub.Flush(ctx, userID, conn); err != nil {
		s.logger.Debug("Failed to flush queued events", "user_id", userID, "error", err)
		return
	}

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				s.logger.Debug("Chat socket closed by client", "user_id", userID)
			} else {
				s.logger.Warn("Chat socket read error", "user_id", userID, "error", err)
			}
			return
		}

		switch env.Event {
		case realtime.EventAuthenticate:
			next, err := identityFrom(env)
			if err != nil {
				s.sendError(ctx, conn, err.Error())
				continue
			}
			if next != userID {
				s.hub.Unregister(userID, conn)
				userID = next
				s.hub.Register(userID, conn)
			}
			if err := s.ack(ctx, conn, userID); err != nil {
				return
			}
			if _, err := s.hub.Flush(ctx, userID, conn); err != nil {
				return
			}
		case "":
			s.sendError(ctx, conn, "malformed frame")
		default:
			s.sendError(ctx, conn, fmt.Sprintf("unsupported event %q", env.Event))
		}
	}
}

// awaitAuthenticate reads frames until a valid authenticate arrives or the
// auth timeout passes.
func (s *Server) awaitAuthenticate(ctx context.Context, conn *websocket.Conn) (string, error) {
	authCtx, cancel := context.WithTimeout(ctx, s.opts.AuthTimeout)
	defer cancel()

	for {
		env, err := readEnvelope(authCtx, conn)
		if err != nil {
			return "", fmt.Errorf("%w: %w", errNotAuthenticated, err)
		}
		if env.Event != realtime.EventAuthenticate {
			s.sendError(authCtx, conn, "authenticate first")
			continue
		}
		userID, err := identityFrom(env)
		if err != nil {
			s.sendError(authCtx, conn, err.Error())
			continue
		}
		return userID, nil
	}
}

func (s *Server) ack(ctx context.Context, conn *websocket.Conn, userID string) error {
	env, err := realtime.NewEnvelope(realtime.EventAuthenticated, realtime.AuthenticatedPayload{UserID: userID})
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, env)
}

func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, message string) {
	env, err := realtime.NewEnvelope(realtime.EventError, realtime.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		s.logger.Debug("Failed to send socket error", "error", err)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	allowed := s.opts.FrontendURL
	if origin == "" || allowed == "" || allowed == "*" || origin == allowed {
		return true
	}
	s.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", allowed)
	return false
}

// readEnvelope reads one text frame. A frame that is not a JSON envelope
// yields an Envelope with an empty event.
func readEnvelope(ctx context.Context, conn *websocket.Conn) (realtime.Envelope, error) {
	var env realtime.Envelope
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return env, err
	}
	if typ != websocket.MessageText {
		return env, nil
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return realtime.Envelope{}, nil
	}
	return env, nil
}

func identityFrom(env realtime.Envelope) (string, error) {
	var userID string
	if err := json.Unmarshal(env.Data, &userID); err != nil {
		return "", errors.New("authenticate payload must be a string")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("authenticate payload is empty")
	}
	return userID, nil
}
