package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"milestonemarket/core/events"
)

// Store is the sqlite-backed event index queried by the HTTP API.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

// Event is an indexed journal record.
type Event struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Escrow     string            `json:"escrow,omitempty"`
	Attributes map[string]string `json:"attributes"`
	IndexedAt  time.Time         `json:"indexedAt"`
}

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	Type   string
	Escrow string
	After  uint64
	Limit  int
}

const maxQueryLimit = 500

// Open creates or opens the index at path. The handle is borrowed from gorm
// so the index shares the sqlite driver used by the webhook store.
func Open(path string) (*Store, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	db, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; the watcher is the only one.
	db.SetMaxOpenConns(1)
	store := &Store{db: db, nowFn: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            escrow TEXT,
            payload TEXT NOT NULL,
            indexed_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_type ON events(type);`,
		`CREATE INDEX IF NOT EXISTS events_escrow ON events(escrow);`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("indexer schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertEvent indexes a journal record. Re-indexing a sequence replaces it.
func (s *Store) InsertEvent(ctx context.Context, rec events.Record) error {
	const stmt = `INSERT OR REPLACE INTO events(sequence, type, escrow, payload, indexed_at) VALUES (?, ?, ?, ?, ?)`
	payload, err := json.Marshal(rec.Attributes)
	if err != nil {
		return err
	}
	var escrow sql.NullString
	if addr := normalizeHex(rec.Attributes["escrow"]); addr != "" {
		escrow = sql.NullString{String: addr, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, stmt, int64(rec.Sequence), rec.Type, escrow, string(payload), s.nowFn().UTC())
	return err
}

// LastSequence returns the last indexed journal sequence.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = 'journal'`
	var value int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return uint64(value), nil
}

// UpdateSequence stores the last indexed journal sequence.
func (s *Store) UpdateSequence(ctx context.Context, sequence uint64) error {
	const stmt = `INSERT INTO event_cursors(name, value) VALUES('journal', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, stmt, int64(sequence))
	return err
}

// Query returns indexed events in sequence order.
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	var (
		clauses = []string{"sequence > ?"}
		args    = []any{int64(f.After)}
	)
	if t := strings.TrimSpace(f.Type); t != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, t)
	}
	if addr := normalizeHex(f.Escrow); addr != "" {
		clauses = append(clauses, "escrow = ?")
		args = append(args, addr)
	}
	args = append(args, limit)
	query := `SELECT sequence, type, escrow, payload, indexed_at FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY sequence ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			evt     Event
			seq     int64
			escrow  sql.NullString
			payload string
		)
		if err := rows.Scan(&seq, &evt.Type, &escrow, &payload, &evt.IndexedAt); err != nil {
			return nil, err
		}
		evt.Sequence = uint64(seq)
		evt.Escrow = escrow.String
		if err := json.Unmarshal([]byte(payload), &evt.Attributes); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func normalizeHex(hexStr string) string {
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(hexStr), "0x"), "0X")
	if cleaned == "" {
		return ""
	}
	return "0x" + strings.ToLower(cleaned)
}
