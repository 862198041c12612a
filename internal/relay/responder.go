package relay

import (
	"context"
	"strings"

	"github.com/crewdeck/crewchat/internal/domain"
)

// Responder produces the assistant output for a user turn. history holds
// the user's stored transcript, including the turn being answered.
type Responder interface {
	Respond(ctx context.Context, userID, input string, history []domain.ChatMessage) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, userID, input string, history []domain.ChatMessage) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, userID, input string, history []domain.ChatMessage) (string, error) {
	return f(ctx, userID, input, history)
}

type topic struct {
	keywords []string
	reply    string
}

var conciergeTopics = []topic{
	{
		keywords: []string{"charter", "book", "rent"},
		reply:    "I can help you plan a charter. Tell me your dates, cruising area and group size and I'll shortlist yachts that fit.",
	},
	{
		keywords: []string{"weather", "wind", "forecast", "storm"},
		reply:    "Check the local marine forecast before departure and plan passages around the afternoon sea breeze. Your captain will confirm the final route on the day.",
	},
	{
		keywords: []string{"crew", "captain", "chef", "hostess"},
		reply:    "Crewed charters include a licensed captain, and a chef or host can be added. Let me know which roles you need.",
	},
	{
		keywords: []string{"marina", "berth", "anchor", "mooring"},
		reply:    "Marina berths book up early in high season. I can suggest marinas and sheltered anchorages along your route.",
	},
	{
		keywords: []string{"price", "cost", "budget", "quote"},
		reply:    "Charter prices depend on yacht size, season and crew. Share a budget range and I'll find options within it.",
	},
}

// ConciergeResponder answers with canned yachting guidance chosen by
// keyword. It stands in for the AI backend in local runs and tests.
type ConciergeResponder struct{}

// Respond picks the first topic whose keyword appears in input.
func (ConciergeResponder) Respond(_ context.Context, _ string, input string, history []domain.ChatMessage) (string, error) {
	text := strings.ToLower(input)
	for _, t := range conciergeTopics {
		for _, kw := range t.keywords {
			if strings.Contains(text, kw) {
				return t.reply, nil
			}
		}
	}
	if countUserTurns(history) <= 1 {
		return "Welcome aboard! I can help with yacht charters, crew, marinas and sailing conditions. What are you planning?", nil
	}
	return "Could you tell me a bit more about your trip so I can point you in the right direction?", nil
}

func countUserTurns(history []domain.ChatMessage) int {
	n := 0
	for _, m := range history {
		if m.Role == domain.RoleUser {
			n++
		}
	}
	return n
}
