// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/crewdeck/crewchat/internal/domain"
)

// Well-known client state keys.
const (
	GuestIDKey       = "guestId"
	NotificationsKey = "notificationsEnabled"
)

// StateStore persists small client-side values that must survive restarts,
// such as the generated guest identity.
type StateStore interface {
	// GetState returns the value stored under key and whether it exists.
	GetState(ctx context.Context, key string) (string, bool, error)

	// SetState creates or replaces the value stored under key.
	SetState(ctx context.Context, key, value string) error

	// DeleteState removes key. Deleting a missing key is not an error.
	DeleteState(ctx context.Context, key string) error
}

// HistoryRepository persists per-user assistant transcripts for the relay.
type HistoryRepository interface {
	// GetHistory returns the stored history for a user, or nil if none exists.
	GetHistory(ctx context.Context, userID string) (*domain.StoredHistory, error)

	// AppendMessages appends messages to a user's history, creating it if needed.
	AppendMessages(ctx context.Context, userID string, msgs ...domain.ChatMessage) error

	// SetSuggestions replaces the prompt suggestions stored for a user.
	SetSuggestions(ctx context.Context, userID string, suggestions []string) error

	// PruneHistories deletes histories not updated since before and returns
	// the affected user ids.
	PruneHistories(ctx context.Context, before time.Time) ([]string, error)
}

// Repository combines every persistence concern backed by one database.
type Repository interface {
	StateStore
	HistoryRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
