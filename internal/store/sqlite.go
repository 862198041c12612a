package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crewdeck/crewchat/internal/domain"
	"github.com/crewdeck/crewchat/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	historyMu sync.Mutex // serializes read-modify-write of history rows
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS client_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_histories (
		user_id TEXT PRIMARY KEY,
		history_id TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		suggestions_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_histories_updated ON chat_histories(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetState returns the value stored under key.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM client_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %q: %w", key, err)
	}
	return value, true, nil
}

// SetState creates or replaces the value stored under key.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO client_state (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	err := shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, key, value, time.Now().Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

// DeleteState removes key.
func (s *SQLiteStore) DeleteState(ctx context.Context, key string) error {
	err := shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM client_state WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete state %q: %w", key, err)
	}
	return nil
}

// GetHistory retrieves the stored history for a user.
func (s *SQLiteStore) GetHistory(ctx context.Context, userID string) (*domain.StoredHistory, error) {
	return s.getHistory(ctx, s.db, userID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getHistory(ctx context.Context, q queryRower, userID string) (*domain.StoredHistory, error) {
	query := `
		SELECT user_id, history_id, messages_json, suggestions_json, created_at, updated_at
		FROM chat_histories WHERE user_id = ?`

	var h domain.StoredHistory
	var messagesJSON string
	var suggestionsJSON sql.NullString
	var createdAt, updatedAt int64

	err := q.QueryRowContext(ctx, query, userID).Scan(
		&h.UserID, &h.ID, &messagesJSON, &suggestionsJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat history: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &h.Messages); err != nil {
		return nil, fmt.Errorf("decode chat history messages: %w", err)
	}
	if suggestionsJSON.Valid && suggestionsJSON.String != "" {
		if err := json.Unmarshal([]byte(suggestionsJSON.String), &h.Suggestions); err != nil {
			return nil, fmt.Errorf("decode chat suggestions: %w", err)
		}
	}
	h.CreatedAt = time.Unix(createdAt, 0)
	h.UpdatedAt = time.Unix(updatedAt, 0)

	return &h, nil
}

// AppendMessages appends msgs to the user's stored transcript.
func (s *SQLiteStore) AppendMessages(ctx context.Context, userID string, msgs ...domain.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.updateHistory(ctx, userID, func(h *domain.StoredHistory) {
		h.Messages = append(h.Messages, msgs...)
	})
}

// SetSuggestions replaces the user's stored prompt suggestions.
func (s *SQLiteStore) SetSuggestions(ctx context.Context, userID string, suggestions []string) error {
	return s.updateHistory(ctx, userID, func(h *domain.StoredHistory) {
		h.Suggestions = append([]string(nil), suggestions...)
	})
}

// PruneHistories deletes histories whose last update is older than before.
func (s *SQLiteStore) PruneHistories(ctx context.Context, before time.Time) ([]string, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	var pruned []string
	err := shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		var err error
		pruned, err = s.pruneHistoriesOnce(ctx, before.Unix())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("prune chat histories: %w", err)
	}
	return pruned, nil
}

func (s *SQLiteStore) pruneHistoriesOnce(ctx context.Context, cutoff int64) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT user_id FROM chat_histories WHERE updated_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale histories: %w", err)
	}
	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan stale history: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_histories WHERE updated_at < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("delete stale histories: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return userIDs, nil
}

func (s *SQLiteStore) updateHistory(ctx context.Context, userID string, mutate func(*domain.StoredHistory)) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	err := shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		return s.updateHistoryOnce(ctx, userID, mutate)
	})
	if err != nil {
		return fmt.Errorf("update chat history for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) updateHistoryOnce(ctx context.Context, userID string, mutate func(*domain.StoredHistory)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	h, err := s.getHistory(ctx, tx, userID)
	if err != nil {
		return err
	}
	now := time.Now()
	if h == nil {
		h = &domain.StoredHistory{
			UserID:    userID,
			ID:        uuid.NewString(),
			CreatedAt: now,
		}
	}
	mutate(h)

	messagesJSON, err := json.Marshal(h.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	var suggestionsJSON any
	if h.Suggestions != nil {
		raw, err := json.Marshal(h.Suggestions)
		if err != nil {
			return fmt.Errorf("encode suggestions: %w", err)
		}
		suggestionsJSON = string(raw)
	}

	query := `
	INSERT INTO chat_histories (user_id, history_id, messages_json, suggestions_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		messages_json = excluded.messages_json,
		suggestions_json = excluded.suggestions_json,
		updated_at = excluded.updated_at`

	if _, err := tx.ExecContext(ctx, query,
		h.UserID, h.ID, string(messagesJSON), suggestionsJSON,
		h.CreatedAt.Unix(), now.Unix(),
	); err != nil {
		return fmt.Errorf("upsert chat history: %w", err)
	}

	return tx.Commit()
}
