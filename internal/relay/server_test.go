package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewchat/internal/conversation"
	"github.com/crewdeck/crewchat/internal/dispatch"
	"github.com/crewdeck/crewchat/internal/domain"
	"github.com/crewdeck/crewchat/internal/history"
	"github.com/crewdeck/crewchat/internal/identity"
	"github.com/crewdeck/crewchat/internal/realtime"
	"github.com/crewdeck/crewchat/internal/session"
	"github.com/crewdeck/crewchat/internal/store"
)

const testSessionID = "yacht-concierge"

func newTestRelay(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)

	if opts.SessionID == "" {
		opts.SessionID = testSessionID
	}
	srv := New(repo, opts)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		_ = repo.Close()
	})
	return srv, ts
}

func postAsk(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url+"/ai/ask", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func strPtr(s string) *string { return &s }

func TestAskValidation(t *testing.T) {
	_, ts := newTestRelay(t, Options{})

	tests := []struct {
		name string
		body any
		want int
	}{
		{"blank input", domain.AskRequest{ChatInput: "  ", SessionID: testSessionID, UserID: strPtr("u")}, http.StatusBadRequest},
		{"null user", domain.AskRequest{ChatInput: "hi", SessionID: testSessionID}, http.StatusBadRequest},
		{"wrong session", domain.AskRequest{ChatInput: "hi", SessionID: "other", UserID: strPtr("u")}, http.StatusBadRequest},
		{"not json", "nope", http.StatusBadRequest},
		{"accepted", domain.AskRequest{ChatInput: "hi", SessionID: testSessionID, UserID: strPtr("u")}, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postAsk(t, ts.URL, tt.body)
			require.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAskRejectsOversizedBody(t *testing.T) {
	_, ts := newTestRelay(t, Options{MaxRequestBodySize: 64})

	resp := postAsk(t, ts.URL, domain.AskRequest{
		ChatInput: strings.Repeat("a", 200),
		SessionID: testSessionID,
		UserID:    strPtr("u"),
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestAskRateLimited(t *testing.T) {
	_, ts := newTestRelay(t, Options{RateLimitRequests: 1, RateLimitWindow: time.Minute})

	req := domain.AskRequest{ChatInput: "hi", SessionID: testSessionID, UserID: strPtr("u")}
	require.Equal(t, http.StatusAccepted, postAsk(t, ts.URL, req).StatusCode)
	require.Equal(t, http.StatusTooManyRequests, postAsk(t, ts.URL, req).StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	_, ts := newTestRelay(t, Options{})
	client := history.New(history.Config{BaseURL: ts.URL})
	ctx := context.Background()

	_, err := client.Fetch(ctx, "captain-1")
	require.Equal(t, history.KindNotFound, history.Classify(err))

	resp := postAsk(t, ts.URL, domain.AskRequest{ChatInput: "Book a charter", SessionID: testSessionID, UserID: strPtr("captain-1")})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		h, err := client.Fetch(ctx, "captain-1")
		return err == nil && len(h.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)

	h, err := client.Fetch(ctx, "captain-1")
	require.NoError(t, err)
	require.NotEmpty(t, h.ID)
	require.Equal(t, domain.UserMessage("Book a charter"), h.Messages[0])
	require.Equal(t, domain.RoleAssistant, h.Messages[1].Role)
}

func TestSetSuggestions(t *testing.T) {
	_, ts := newTestRelay(t, Options{})

	body := `{"chatSuggestions":["Plan a Greek island hop"]}`
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/chat/history/captain-1/suggestions", strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	h, err := history.New(history.Config{BaseURL: ts.URL}).Fetch(context.Background(), "captain-1")
	require.NoError(t, err)
	require.Equal(t, []string{"Plan a Greek island hop"}, h.ChatSuggestions)
	require.Empty(t, h.Messages)
}

func TestSocketRequiresAuthenticate(t *testing.T) {
	srv, ts := newTestRelay(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ts.URL+"/socket", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	hello, _ := realtime.NewEnvelope("hello", nil)
	require.NoError(t, wsjson.Write(ctx, conn, hello))

	var env realtime.Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &env))
	require.Equal(t, realtime.EventError, env.Event)
	require.Equal(t, 0, srv.Hub().Len())

	auth, _ := realtime.NewEnvelope(realtime.EventAuthenticate, "guest_1_abcdefghi")
	require.NoError(t, wsjson.Write(ctx, conn, auth))
	require.NoError(t, wsjson.Read(ctx, conn, &env))
	require.Equal(t, realtime.EventAuthenticated, env.Event)

	var ack realtime.AuthenticatedPayload
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	require.Equal(t, "guest_1_abcdefghi", ack.UserID)
	require.Eventually(t, func() bool { return srv.Hub().Get("guest_1_abcdefghi") != nil }, time.Second, 5*time.Millisecond)
}

func TestResponderFailureStillSettlesTurn(t *testing.T) {
	_, ts := newTestRelay(t, Options{
		Responder: ResponderFunc(func(context.Context, string, string, []domain.ChatMessage) (string, error) {
			return "", errors.New("model overloaded")
		}),
	})

	c := newSession(t, ts.URL, identity.Principal{})
	require.NoError(t, c.Send("anyone there?"))

	require.Eventually(t, func() bool { return !c.Store().Snapshot().IsTyping }, 3*time.Second, 10*time.Millisecond)
	st := c.Store().Snapshot()
	require.Equal(t, domain.AssistantMessage(domain.FallbackReply), st.Messages[len(st.Messages)-1])
}

// newSession mounts a controller wired to the relay at url and waits until
// its socket is authenticated.
func newSession(t *testing.T, url string, principal identity.Principal) *session.Controller {
	t.Helper()
	c, _ := newSessionWith(t, realtime.Options{URL: url, ReconnectInitial: 20 * time.Millisecond}, principal)
	return c
}

func newSessionWith(t *testing.T, opts realtime.Options, principal identity.Principal) (*session.Controller, *realtime.Client) {
	t.Helper()
	url := opts.URL
	rt := realtime.NewClient(opts)
	c := session.New(session.Config{
		Identity:   identity.NewResolver(nil, principal, nil),
		Transport:  rt,
		Dispatcher: dispatch.New(dispatch.Config{BaseURL: url, SessionID: testSessionID}),
		History:    history.New(history.Config{BaseURL: url}),
		Store:      conversation.New(),
	})
	require.NoError(t, c.Mount(context.Background()))
	t.Cleanup(c.Unmount)
	require.Eventually(t, func() bool { return rt.State() == realtime.StateReady }, 3*time.Second, 10*time.Millisecond)
	return c, rt
}

func TestReplyQueuedWhileSocketReconnects(t *testing.T) {
	srv, ts := newTestRelay(t, Options{ReplyDelay: 100 * time.Millisecond})
	c, rt := newSessionWith(t, realtime.Options{URL: ts.URL, ReconnectInitial: 600 * time.Millisecond}, identity.Principal{})
	userID := c.Identity()

	require.NoError(t, c.Send("Can you book a berth in Split?"))
	conn := srv.Hub().Get(userID)
	require.NotNil(t, conn)
	require.NoError(t, conn.CloseNow())

	require.Eventually(t, func() bool { return srv.Hub().Pending(userID) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.True(t, c.Store().Snapshot().IsTyping)

	require.Eventually(t, func() bool {
		st := c.Store().Snapshot()
		return !st.IsTyping && len(st.Messages) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, rt.AuthAttempts())
	require.Equal(t, 0, srv.Hub().Pending(userID))
	require.Equal(t, domain.RoleAssistant, c.Store().Snapshot().Messages[1].Role)
}

func TestSessionRoundTrip(t *testing.T) {
	_, ts := newTestRelay(t, Options{})

	c := newSession(t, ts.URL, identity.Principal{})
	require.True(t, identity.IsGuestID(c.Identity()))

	require.NoError(t, c.Send("Is the weather good for sailing tomorrow?"))

	require.Eventually(t, func() bool {
		st := c.Store().Snapshot()
		return !st.IsTyping && len(st.Messages) == 2
	}, 3*time.Second, 10*time.Millisecond)

	st := c.Store().Snapshot()
	require.Equal(t, domain.RoleAssistant, st.Messages[1].Role)
	require.Contains(t, st.Messages[1].Content, "forecast")
	require.True(t, st.IsOpen)
}

func TestAuthenticatedSessionRestoresHistory(t *testing.T) {
	_, ts := newTestRelay(t, Options{})
	principal := identity.Principal{UserID: "captain-7"}

	first := newSession(t, ts.URL, principal)
	first.Wait()
	require.Equal(t, "No chat history found.", first.Store().Snapshot().HistoryError)

	require.NoError(t, first.Send("I need a crew with a chef"))
	require.Eventually(t, func() bool {
		st := first.Store().Snapshot()
		return !st.IsTyping && len(st.Messages) == 2
	}, 3*time.Second, 10*time.Millisecond)
	first.Unmount()

	second := newSession(t, ts.URL, principal)
	second.Wait()

	st := second.Store().Snapshot()
	require.Empty(t, st.HistoryError)
	require.Equal(t, first.Store().Snapshot().Messages, st.Messages)
}
