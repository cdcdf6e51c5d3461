// Package audit keeps a durable trail of rule and authentication
// activity. A consumer goroutine drains the event bus into a SQLite
// table that is trimmed to a configurable row cap, so the trail
// survives restarts without growing forever.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one recorded activity row.
type Entry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Store persists audit entries. Like the user store it does not own the
// database connection; the caller opens and closes it.
type Store struct {
	db *sql.DB
}

// NewStore prepares the audit schema on the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		source TEXT NOT NULL,
		kind TEXT NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_source_kind ON audit_log(source, kind);
	`)
	return err
}

// Append inserts one entry. The id and any zero timestamp are assigned
// here.
func (s *Store) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode audit data: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO audit_log (ts, source, kind, data) VALUES (?, ?, ?, ?)
	`, e.Timestamp.Format(time.RFC3339Nano), e.Source, e.Kind, string(data))
	return err
}

// Count returns the number of stored entries.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}

// Trim deletes the oldest rows until at most max remain. A max of zero
// or less is a no-op.
func (s *Store) Trim(max int) error {
	if max <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM audit_log WHERE id NOT IN (
			SELECT id FROM audit_log ORDER BY id DESC LIMIT ?
		)
	`, max)
	return err
}

// Tail returns the newest entries, newest first, at most limit of them.
func (s *Store) Tail(limit int) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, ts, source, kind, data FROM audit_log
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, data string
		if err := rows.Scan(&e.ID, &ts, &e.Source, &e.Kind, &data); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("decode audit data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
