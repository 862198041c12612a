// Package domain contains core domain types for the crewchat assistant.
package domain

import "strings"

// Role identifies who authored a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	// FallbackReply replaces an assistant reply that arrived without output.
	FallbackReply = "Sorry, I didn't get that."
	// DispatchFailureReply is appended when a user turn could not be delivered.
	DispatchFailureReply = "Sorry, I couldn't connect to the AI service."
)

// ChatMessage is a single turn of the conversation transcript.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserMessage builds a user-authored turn.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant turn, substituting FallbackReply for
// empty content.
func AssistantMessage(content string) ChatMessage {
	if content == "" {
		content = FallbackReply
	}
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// IsBlank reports whether text has no visible content.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

var defaultSuggestions = []string{
	"What services are available for my yacht?",
	"Show my upcoming bookings",
	"How do I request a new quote?",
	"Where can I find my latest invoice?",
}

// DefaultSuggestions returns the prompt suggestions shown before any history
// has been loaded.
func DefaultSuggestions() []string {
	out := make([]string, len(defaultSuggestions))
	copy(out, defaultSuggestions)
	return out
}
