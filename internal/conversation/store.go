// Package conversation holds the observable chat transcript of one mounted
// chat surface.
package conversation

import (
	"slices"
	"sync"

	"github.com/crewdeck/crewchat/internal/domain"
	"github.com/google/uuid"
)

// State is an immutable snapshot of the conversation.
type State struct {
	Messages     []domain.ChatMessage
	Suggestions  []string
	IsOpen       bool
	IsTyping     bool
	Draft        string
	HistoryError string
	Pending      int
}

// Turn identifies a user turn awaiting a reply.
type Turn struct {
	ID   string
	Text string
}

// Store is an append-only transcript with derived typing state.
//
// messages and suggestions are replaced on every write and never modified in
// place, so snapshots can share them without copying.
type Store struct {
	mu           sync.RWMutex
	messages     []domain.ChatMessage
	suggestions  []string
	isOpen       bool
	isTyping     bool
	draft        string
	historyError string
	pending      []string

	subMu  sync.Mutex
	subs   map[int]chan struct{}
	nextID int

	newTurnID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithSuggestions overrides the default prompt suggestions.
func WithSuggestions(suggestions []string) Option {
	return func(s *Store) {
		s.suggestions = append([]string(nil), suggestions...)
	}
}

// WithTurnIDs overrides turn id generation.
func WithTurnIDs(fn func() string) Option {
	return func(s *Store) {
		s.newTurnID = fn
	}
}

// New creates an empty, closed conversation.
func New(opts ...Option) *Store {
	s := &Store{
		messages:    []domain.ChatMessage{},
		suggestions: domain.DefaultSuggestions(),
		subs:        make(map[int]chan struct{}),
		newTurnID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		Messages:     s.messages,
		Suggestions:  s.suggestions,
		IsOpen:       s.isOpen,
		IsTyping:     s.isTyping,
		Draft:        s.draft,
		HistoryError: s.historyError,
		Pending:      len(s.pending),
	}
}

// Subscribe returns a channel that receives a signal after every change.
// Signals coalesce; read Snapshot for the current state. Call cancel to stop.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// AppendUserTurn appends a user message, opens the surface, marks the turn
// pending and clears the draft. Blank text is ignored and reports false.
// The caller dispatches the returned turn.
func (s *Store) AppendUserTurn(text string) (Turn, bool) {
	if domain.IsBlank(text) {
		return Turn{}, false
	}

	s.mu.Lock()
	turn := Turn{ID: s.newTurnID(), Text: text}
	s.messages = appendMessage(s.messages, domain.UserMessage(text))
	s.pending = append(s.pending, turn.ID)
	s.isOpen = true
	s.isTyping = true
	s.draft = ""
	s.mu.Unlock()

	s.notify()
	return turn, true
}

// AppendAssistantTurn appends an assistant reply for the oldest pending turn.
func (s *Store) AppendAssistantTurn(text string) {
	s.ResolveTurn("", text)
}

// ResolveTurn appends an assistant reply and settles the pending turn with
// the given id. An empty id settles the oldest pending turn; an id that is
// no longer pending, e.g. one already settled by a dispatch failure, settles
// nothing. Typing stops once no turn is pending.
func (s *Store) ResolveTurn(turnID, text string) {
	s.mu.Lock()
	s.messages = appendMessage(s.messages, domain.AssistantMessage(text))
	s.pending = removePending(s.pending, turnID)
	s.isTyping = len(s.pending) > 0
	s.mu.Unlock()

	s.notify()
}

// SetTyping overrides the typing indicator. Clearing it abandons every
// pending turn.
func (s *Store) SetTyping(typing bool) {
	s.mu.Lock()
	s.isTyping = typing
	if !typing {
		s.pending = nil
	}
	s.mu.Unlock()

	s.notify()
}

// LoadHistory hydrates an empty transcript. It reports false and leaves the
// store untouched when a conversation is already in progress. Suggestions
// replace the defaults only when non-empty.
func (s *Store) LoadHistory(messages []domain.ChatMessage, suggestions []string) bool {
	s.mu.Lock()
	if len(s.messages) > 0 {
		s.mu.Unlock()
		return false
	}
	s.messages = append([]domain.ChatMessage{}, messages...)
	if len(suggestions) > 0 {
		s.suggestions = append([]string(nil), suggestions...)
	}
	s.historyError = ""
	s.mu.Unlock()

	s.notify()
	return true
}

// SetHistoryError records a non-blocking history load failure.
func (s *Store) SetHistoryError(msg string) {
	s.mu.Lock()
	s.historyError = msg
	s.mu.Unlock()

	s.notify()
}

// SetDraft stores the in-progress input text.
func (s *Store) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()

	s.notify()
}

// Open shows the chat surface and reports whether it was closed before.
func (s *Store) Open() bool {
	s.mu.Lock()
	wasClosed := !s.isOpen
	s.isOpen = true
	s.mu.Unlock()

	if wasClosed {
		s.notify()
	}
	return wasClosed
}

// Close hides the chat surface. The transcript is kept.
func (s *Store) Close() {
	s.mu.Lock()
	s.isOpen = false
	s.mu.Unlock()

	s.notify()
}

func appendMessage(msgs []domain.ChatMessage, msg domain.ChatMessage) []domain.ChatMessage {
	next := make([]domain.ChatMessage, len(msgs), len(msgs)+1)
	copy(next, msgs)
	return append(next, msg)
}

func removePending(pending []string, id string) []string {
	if len(pending) == 0 {
		return nil
	}
	idx := 0
	if id != "" {
		idx = slices.Index(pending, id)
		if idx < 0 {
			return pending
		}
	}
	return slices.Delete(slices.Clone(pending), idx, idx+1)
}
