// Package storage persists the connection history in sqlite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultRecentLimit caps History.Recent when no limit is given.
const DefaultRecentLimit = 50

// timeLayout is fixed width so occurred_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ConnectionRecord is one processed supervisor event.
type ConnectionRecord struct {
	ID         string        `json:"id"`
	AttemptID  string        `json:"attempt_id"`
	EventType  string        `json:"event_type"`
	FromState  string        `json:"from_state"`
	ToState    string        `json:"to_state"`
	Reason     string        `json:"reason,omitempty"`
	RetryDelay time.Duration `json:"retry_delay_ns"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// History is the connection_events table.
type History struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and applies the
// migrations. Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// database/sql would hand each pooled connection its own :memory: db.
	db.SetMaxOpenConns(1)

	if err := NewMigrationRunner(db).Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &History{db: db}, nil
}

func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

// Ping checks that the database is reachable.
func (h *History) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

func (h *History) Close() error {
	return h.db.Close()
}

// Insert stores rec, assigning an ID and timestamp when missing.
func (h *History) Insert(ctx context.Context, rec ConnectionRecord) (ConnectionRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
	rec.OccurredAt = rec.OccurredAt.UTC()

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO connection_events
			(id, attempt_id, event_type, from_state, to_state, reason, retry_delay_ms, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AttemptID, rec.EventType, rec.FromState, rec.ToState,
		rec.Reason, rec.RetryDelay.Milliseconds(), rec.OccurredAt.Format(timeLayout),
	)
	if err != nil {
		return ConnectionRecord{}, fmt.Errorf("insert connection event: %w", err)
	}
	return rec, nil
}

// Recent returns up to limit records, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]ConnectionRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, attempt_id, event_type, from_state, to_state, reason, retry_delay_ms, occurred_at
		FROM connection_events
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query connection events: %w", err)
	}
	defer rows.Close()

	var out []ConnectionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastDisconnect returns the newest lost or failed record. ok is false
// when the bot has never disconnected.
func (h *History) LastDisconnect(ctx context.Context) (rec ConnectionRecord, ok bool, err error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT id, attempt_id, event_type, from_state, to_state, reason, retry_delay_ms, occurred_at
		FROM connection_events
		WHERE event_type IN ('lost', 'failed')
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT 1`)
	rec, err = scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ConnectionRecord{}, false, nil
	}
	if err != nil {
		return ConnectionRecord{}, false, err
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (ConnectionRecord, error) {
	var (
		rec      ConnectionRecord
		delayMS  int64
		occurred string
	)
	if err := s.Scan(&rec.ID, &rec.AttemptID, &rec.EventType, &rec.FromState, &rec.ToState,
		&rec.Reason, &delayMS, &occurred); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConnectionRecord{}, err
		}
		return ConnectionRecord{}, fmt.Errorf("scan connection event: %w", err)
	}
	rec.RetryDelay = time.Duration(delayMS) * time.Millisecond
	t, err := time.Parse(time.RFC3339Nano, occurred)
	if err != nil {
		return ConnectionRecord{}, fmt.Errorf("parse occurred_at %q: %w", occurred, err)
	}
	rec.OccurredAt = t
	return rec, nil
}
