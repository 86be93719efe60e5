package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DB wraps the database connection
type DB struct {
	*sqlx.DB
}

// HandledItem is an item a bot has already acted on
type HandledItem struct {
	Key       string    `db:"item_key"`
	Kind      string    `db:"kind"`
	HandledAt time.Time `db:"handled_at"`
}

// StreamState is the last event time seen by a listener
type StreamState struct {
	Name         string    `db:"name"`
	CursorTimeUS int64     `db:"cursor_time_us"`
	Restarts     int       `db:"restarts"`
	LastUpdated  time.Time `db:"last_updated"`
}

// NewDB creates a new database connection
func NewDB(connectionString string) (*DB, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

// MarkHandled records key as handled. It returns false when the key was
// already present, so exactly one caller wins a race for the same item.
func (db *DB) MarkHandled(ctx context.Context, key, kind string) (bool, error) {
	query := `
		INSERT INTO handled_items (item_key, kind, handled_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (item_key) DO NOTHING
	`

	res, err := db.ExecContext(ctx, query, key, kind)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Forget removes key so the item can be handled again
func (db *DB) Forget(ctx context.Context, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM handled_items WHERE item_key = $1`, key)
	return err
}

// IsHandled reports whether key is in the ledger
func (db *DB) IsHandled(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM handled_items WHERE item_key = $1)`, key)
	return exists, err
}

// PruneHandled deletes ledger entries older than cutoff
func (db *DB) PruneHandled(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM handled_items WHERE handled_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountHandledBefore counts ledger entries older than cutoff
func (db *DB) CountHandledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM handled_items WHERE handled_at < $1`, cutoff)
	return n, err
}

// ListStreamStates returns the recorded state of every listener
func (db *DB) ListStreamStates(ctx context.Context) ([]StreamState, error) {
	var states []StreamState
	query := `SELECT name, cursor_time_us, restarts, last_updated FROM stream_state ORDER BY name`
	err := db.SelectContext(ctx, &states, query)
	return states, err
}

// RecentHandled lists the latest handled items, newest first
func (db *DB) RecentHandled(ctx context.Context, limit int) ([]HandledItem, error) {
	var items []HandledItem
	query := `
		SELECT item_key, kind, handled_at
		FROM handled_items
		ORDER BY handled_at DESC
		LIMIT $1
	`
	err := db.SelectContext(ctx, &items, query, limit)
	return items, err
}

// GetStreamState retrieves the recorded state for a listener. It returns
// nil when nothing has been recorded yet.
func (db *DB) GetStreamState(ctx context.Context, name string) (*StreamState, error) {
	state := &StreamState{}
	query := `SELECT name, cursor_time_us, restarts, last_updated FROM stream_state WHERE name = $1`
	err := db.GetContext(ctx, state, query, name)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No state yet
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// UpdateStreamState records the latest event time and restart count for a
// listener. The cursor is diagnostic only and never replayed.
func (db *DB) UpdateStreamState(ctx context.Context, name string, cursorTimeUS int64, restarts int) error {
	query := `
		INSERT INTO stream_state (name, cursor_time_us, restarts, last_updated)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name)
		DO UPDATE SET cursor_time_us = $2, restarts = $3, last_updated = NOW()
	`
	_, err := db.ExecContext(ctx, query, name, cursorTimeUS, restarts)
	return err
}
