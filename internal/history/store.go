// Package history implements the gateway's optional bounded persisted
// event history: a sqlite-backed ring store that survives restarts,
// sitting alongside (not replacing) the in-memory ring buffer
// internal/events already keeps. Disabled by default — no database is
// required for core gateway operation.
//
// Grounded on teacher's internal/audit's storage shape (append-only
// records behind a mutex, SQLite as a queryable projection) with its
// hash-chain tamper-evidence dropped: that's an audit/compliance
// feature of the teacher's guardrail domain, not something spec.md or
// the original gateway asks for.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/clara-ai/gateway/internal/events"
)

// Record is one persisted event, as read back from the store.
type Record struct {
	ID        int64
	Type      string
	Timestamp time.Time
	NodeID    string
	Platform  string
	UserID    string
	ChannelID string
	RequestID string
	Data      map[string]any
}

// Store is a bounded, append-only table of history records. Writes trim
// the oldest rows once the table exceeds its configured limit, so the
// database never grows unbounded.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	limit int
}

// Open creates or opens the sqlite database at path and ensures its
// schema exists. limit bounds the number of retained rows; values <= 0
// default to 10000.
func Open(path string, limit int) (*Store, error) {
	if limit <= 0 {
		limit = 10000
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening history store %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			type       TEXT NOT NULL,
			ts         TEXT NOT NULL,
			node_id    TEXT NOT NULL DEFAULT '',
			platform   TEXT NOT NULL DEFAULT '',
			user_id    TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			data       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_history_type ON history(type);
		CREATE INDEX IF NOT EXISTS idx_history_ts ON history(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	return &Store{db: db, limit: limit}, nil
}

// Append inserts one event record and trims the oldest rows past the
// configured limit.
func (s *Store) Append(ev events.Event) error {
	dataJSON, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshaling history event data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO history (type, ts, node_id, platform, user_id, channel_id, request_id, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Type), ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.NodeID, ev.Platform, ev.UserID, ev.ChannelID, ev.RequestID, string(dataJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting history record: %w", err)
	}

	_, err = s.db.Exec(
		`DELETE FROM history WHERE id IN (
			SELECT id FROM history ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, s.limit,
	)
	if err != nil {
		return fmt.Errorf("trimming history: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first, optionally filtered
// by event type (empty string means no filter).
func (s *Store) Recent(typeFilter string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT id, type, ts, node_id, platform, user_id, channel_id, request_id, data FROM history"
	args := []any{}
	if typeFilter != "" {
		query += " WHERE type = ?"
		args = append(args, typeFilter)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	s.mu.Lock()
	rows, err := s.db.Query(query, args...)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts, dataJSON string
		if err := rows.Scan(&r.ID, &r.Type, &ts, &r.NodeID, &r.Platform, &r.UserID, &r.ChannelID, &r.RequestID, &dataJSON); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if dataJSON != "" {
			var data map[string]any
			if json.Unmarshal([]byte(dataJSON), &data) == nil {
				r.Data = data
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribe attaches the store to every event the emitter dispatches, so
// it persists transparently without the emitter or its other handlers
// knowing history exists. Append failures are logged by the emitter's
// own per-handler error isolation and never block sibling handlers.
func Subscribe(emitter *events.Emitter, store *Store) events.Subscription {
	return emitter.On(events.Wildcard, 0, func(ctx context.Context, ev events.Event) error {
		return store.Append(ev)
	})
}
