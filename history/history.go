// Package history keeps a journal of session state transitions in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yllada/nebula-manager/common"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	seq        INTEGER NOT NULL,
	from_state TEXT    NOT NULL,
	to_state   TEXT    NOT NULL,
	reason     TEXT    NOT NULL DEFAULT '',
	at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transitions_at ON transitions(at);
`

const recordTimeout = 5 * time.Second

// Entry is one recorded transition.
type Entry struct {
	ID     int64
	Seq    uint64
	From   string
	To     string
	Reason string
	At     time.Time
}

// Store is a transition journal backed by a SQLite database file.
type Store struct {
	db  *sql.DB
	log common.Logger
}

// Open opens or creates the journal at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history: %w", err)
	}
	return &Store{db: db, log: common.Component("history")}, nil
}

// Record appends an entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (seq, from_state, to_state, reason, at) VALUES (?, ?, ?, ?, ?)`,
		int64(e.Seq), e.From, e.To, e.Reason, e.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// List returns up to limit of the most recent entries, newest last.
// A limit of zero or less returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, seq, from_state, to_state, reason, at FROM transitions ORDER BY at DESC, id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e   Entry
			seq int64
			at  int64
		)
		if err := rows.Scan(&e.ID, &seq, &e.From, &e.To, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.Seq = uint64(seq)
		e.At = time.UnixMilli(at)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Observe records a transition reported by a state listener. Failures are
// logged since listeners have nobody to return them to.
func (s *Store) Observe(seq uint64, from, to, reason string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	e := Entry{Seq: seq, From: from, To: to, Reason: reason, At: at}
	if err := s.Record(ctx, e); err != nil {
		s.log.Warn("Could not record transition %s -> %s: %v", from, to, err)
	}
}

// Prune deletes entries older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transitions WHERE at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug("Pruned %d history entries", n)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
