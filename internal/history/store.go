// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/css2wind/internal/model"
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

const (
	// RetentionPeriod is how long conversion records are kept unless the
	// user opts out of the sweep.
	RetentionPeriod = 30 * 24 * time.Hour

	// DefaultPageSize is the subscription page size when the caller
	// passes a non-positive limit.
	DefaultPageSize = 50
)

var (
	// ErrItemNotFound indicates the requested history item does not
	// exist under the given user.
	ErrItemNotFound = errors.New("history item not found")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("history store is closed")
)

// =============================================================================
// STORE
// =============================================================================

// Store persists conversion history and user settings. All persisted
// entities are scoped to a user namespace; the store is the sole writer
// of item IDs, the caller owns every other field.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{} // userID -> live subscriptions
	closed bool
}

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	input_text TEXT NOT NULL,
	output     TEXT NOT NULL,
	analysis   TEXT NOT NULL DEFAULT '',
	preview    TEXT NOT NULL DEFAULT '',
	timestamp  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_user_ts ON history(user_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS settings (
	user_id      TEXT PRIMARY KEY,
	keep_forever INTEGER NOT NULL DEFAULT 0,
	updated_at   INTEGER NOT NULL
);
`

// Open opens (creating if necessary) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent append/delete/sweep.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{
		db:   db,
		subs: make(map[string]map[*Subscription]struct{}),
	}, nil
}

// Close cancels all live subscriptions and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*Subscription
	for _, set := range s.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range all {
		sub.Cancel()
	}
	return s.db.Close()
}

// Ping verifies the database connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// Append stores a new history item for the user. The store assigns the
// ID; the caller supplies the timestamp so the persisted time matches
// what was displayed. Fire-and-forget from the UI's point of view:
// callers log failures but never surface them past an already-shown
// conversion result.
func (s *Store) Append(ctx context.Context, userID string, item model.HistoryItem) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if item.Timestamp == 0 {
		return "", errors.New("caller must supply the item timestamp")
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (id, user_id, kind, input_text, output, analysis, preview, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, string(item.Kind), item.InputText, item.Output, item.Analysis, item.Preview, item.Timestamp)
	if err != nil {
		return "", fmt.Errorf("failed to append history item: %w", err)
	}

	s.notify(userID)
	return id, nil
}

// DeleteOne removes a single item owned by the user. Deleting an id
// that does not exist returns ErrItemNotFound.
func (s *Store) DeleteOne(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM history WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to delete history item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrItemNotFound
	}

	s.notify(userID)
	return nil
}

// DeleteAll removes every item owned by the user in one statement.
// SQLite executes the multi-row delete atomically: after the call
// either all items are gone or, on error, none are.
func (s *Store) DeleteAll(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM history WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.notify(userID)
	}
	return nil
}

// SweepExpired deletes every item older than the retention cutoff in
// one atomic batch, unless the user has opted to keep history forever.
// Safe to invoke concurrently with itself and with Append/DeleteOne:
// sweeping an already-swept range deletes zero rows and is not an
// error.
func (s *Store) SweepExpired(ctx context.Context, userID string, now time.Time) error {
	settings, err := s.LoadSettings(ctx, userID)
	if err != nil {
		return err
	}
	if settings.KeepForever {
		return nil
	}

	cutoff := now.Add(-RetentionPeriod).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM history WHERE user_id = ? AND timestamp < ?`, userID, cutoff)
	if err != nil {
		return fmt.Errorf("failed to sweep expired history: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.notify(userID)
	}
	return nil
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// List returns the user's most recent items, newest first by caller
// timestamp, up to limit.
func (s *Store) List(ctx context.Context, userID string, limit int) ([]model.HistoryItem, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, input_text, output, analysis, preview, timestamp
		 FROM history WHERE user_id = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	items := make([]model.HistoryItem, 0, limit)
	for rows.Next() {
		var item model.HistoryItem
		var kind string
		if err := rows.Scan(&item.ID, &kind, &item.InputText, &item.Output, &item.Analysis, &item.Preview, &item.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		item.Kind = model.ConversionKind(kind)
		items = append(items, item)
	}
	return items, rows.Err()
}

// =============================================================================
// SETTINGS
// =============================================================================

// LoadSettings returns the user's settings, defaulting when no settings
// document exists yet. The default is never written back implicitly;
// the document is created lazily on first save.
func (s *Store) LoadSettings(ctx context.Context, userID string) (model.UserSettings, error) {
	var keepForever int
	err := s.db.QueryRowContext(ctx,
		`SELECT keep_forever FROM settings WHERE user_id = ?`, userID).Scan(&keepForever)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.UserSettings{}, fmt.Errorf("failed to load settings: %w", err)
	}
	return model.UserSettings{KeepForever: keepForever != 0}, nil
}

// SaveSettings upserts the user's settings with merge semantics: only
// the columns this version knows about are written, so a future schema
// with more fields is not clobbered by an old writer.
func (s *Store) SaveSettings(ctx context.Context, userID string, settings model.UserSettings) error {
	keepForever := 0
	if settings.KeepForever {
		keepForever = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (user_id, keep_forever, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			keep_forever = excluded.keep_forever,
			updated_at   = excluded.updated_at`,
		userID, keepForever, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// =============================================================================
// CHANGE NOTIFICATION
// =============================================================================

// notify wakes every live subscription for the user. Non-blocking: a
// subscription that is already flagged for refresh is not flagged
// twice.
func (s *Store) notify(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[userID] {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Store) addSubscription(userID string, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.subs[userID] == nil {
		s.subs[userID] = make(map[*Subscription]struct{})
	}
	s.subs[userID][sub] = struct{}{}
	return nil
}

func (s *Store) removeSubscription(userID string, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[userID], sub)
	if len(s.subs[userID]) == 0 {
		delete(s.subs, userID)
	}
}
