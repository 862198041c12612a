package domain

import "time"

// History is the persisted transcript of a user's conversation with the
// assistant, as served by the chat history endpoint.
type History struct {
	ID              string        `json:"_id"`
	Messages        []ChatMessage `json:"messages"`
	ChatSuggestions []string      `json:"chatSuggestions,omitempty"`
}

// HistoryEnvelope wraps History responses.
type HistoryEnvelope struct {
	Success bool     `json:"success"`
	Data    *History `json:"data,omitempty"`
	Message string   `json:"message,omitempty"`
}

// StoredHistory is the relay's persisted view of a user's history.
type StoredHistory struct {
	UserID      string
	ID          string
	Messages    []ChatMessage
	Suggestions []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ToHistory converts the stored record into its wire representation.
func (h *StoredHistory) ToHistory() *History {
	msgs := h.Messages
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	return &History{
		ID:              h.ID,
		Messages:        msgs,
		ChatSuggestions: h.Suggestions,
	}
}

// AskRequest is the body of the AI-ask endpoint. UserID is nil when no
// identity is known.
type AskRequest struct {
	ChatInput string  `json:"chatInput"`
	SessionID string  `json:"sessionId"`
	UserID    *string `json:"userId"`
	RequestID string  `json:"requestId,omitempty"`
}
