package conversation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewchat/internal/domain"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("turn-%d", n)
	}
}

func TestAppendUserTurn(t *testing.T) {
	s := New(WithTurnIDs(sequentialIDs()))
	s.SetDraft("Hello")

	turn, ok := s.AppendUserTurn("Hello")
	require.True(t, ok)
	require.Equal(t, "turn-1", turn.ID)

	st := s.Snapshot()
	require.Equal(t, []domain.ChatMessage{{Role: domain.RoleUser, Content: "Hello"}}, st.Messages)
	require.True(t, st.IsTyping)
	require.True(t, st.IsOpen)
	require.Empty(t, st.Draft)
	require.Equal(t, 1, st.Pending)
}

func TestAppendUserTurnIgnoresBlankText(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t"} {
		s := New()
		s.SetDraft(text)

		_, ok := s.AppendUserTurn(text)
		require.False(t, ok)

		st := s.Snapshot()
		require.Empty(t, st.Messages)
		require.False(t, st.IsTyping)
		require.False(t, st.IsOpen)
		require.Equal(t, text, st.Draft)
	}
}

func TestAssistantTurnStopsTyping(t *testing.T) {
	s := New()
	s.AppendUserTurn("Hello")
	s.AppendAssistantTurn("Hi there")

	st := s.Snapshot()
	require.False(t, st.IsTyping)
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "Hello"},
		{Role: domain.RoleAssistant, Content: "Hi there"},
	}, st.Messages)
}

func TestAssistantTurnFallbackOnEmptyText(t *testing.T) {
	s := New()
	s.AppendUserTurn("Hello")
	s.AppendAssistantTurn("")

	st := s.Snapshot()
	require.Equal(t, domain.FallbackReply, st.Messages[1].Content)
}

func TestResolveTurnByID(t *testing.T) {
	s := New(WithTurnIDs(sequentialIDs()))
	first, _ := s.AppendUserTurn("first")
	second, _ := s.AppendUserTurn("second")

	s.ResolveTurn(second.ID, "reply to second")
	st := s.Snapshot()
	require.True(t, st.IsTyping, "first turn is still outstanding")
	require.Equal(t, 1, st.Pending)

	// A reply for a turn that was already settled must not settle another.
	s.ResolveTurn(second.ID, "late duplicate")
	require.Equal(t, 1, s.Snapshot().Pending)

	s.ResolveTurn(first.ID, "reply to first")
	st = s.Snapshot()
	require.False(t, st.IsTyping)
	require.Len(t, st.Messages, 5)
	require.Equal(t, "first", st.Messages[0].Content)
	require.Equal(t, "second", st.Messages[1].Content)
}

func TestSnapshotsAreNotMutatedByLaterAppends(t *testing.T) {
	s := New()
	s.AppendUserTurn("one")
	before := s.Snapshot()

	s.AppendAssistantTurn("two")
	s.AppendUserTurn("three")

	require.Len(t, before.Messages, 1)
	require.Equal(t, "one", before.Messages[0].Content)
}

func TestLoadHistory(t *testing.T) {
	msgs := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "Is the tender ready?"},
		{Role: domain.RoleAssistant, Content: "Yes, fuelled and ready."},
	}

	s := New()
	require.True(t, s.LoadHistory(msgs, []string{"Book a berth"}))
	st := s.Snapshot()
	require.Equal(t, msgs, st.Messages)
	require.Equal(t, []string{"Book a berth"}, st.Suggestions)

	// A second load on a non-empty transcript is a no-op.
	require.False(t, s.LoadHistory([]domain.ChatMessage{{Role: domain.RoleUser, Content: "x"}}, []string{"y"}))
	require.Equal(t, st, s.Snapshot())
}

func TestLoadHistoryKeepsDefaultSuggestions(t *testing.T) {
	s := New()
	require.True(t, s.LoadHistory([]domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}}, nil))
	require.Equal(t, domain.DefaultSuggestions(), s.Snapshot().Suggestions)
}

func TestSetTypingFalseAbandonsPending(t *testing.T) {
	s := New()
	s.AppendUserTurn("one")
	s.SetTyping(false)

	st := s.Snapshot()
	require.False(t, st.IsTyping)
	require.Zero(t, st.Pending)
}

func TestSubscribeSignalsChanges(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.AppendUserTurn("ping")
	select {
	case <-ch:
	default:
		t.Fatal("expected change signal")
	}

	cancel()
	s.AppendAssistantTurn("pong")
	select {
	case <-ch:
		t.Fatal("unexpected signal after cancel")
	default:
	}
}

func TestOpenReportsTransition(t *testing.T) {
	s := New()
	require.True(t, s.Open())
	require.False(t, s.Open())
	s.Close()
	require.False(t, s.Snapshot().IsOpen)
}
