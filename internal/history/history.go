// Package history persists the full lifecycle of every submitted
// command in SQLite. Rows are append-only; a command's story is the
// ordered sequence of its records, never an update in place.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/sentinelops/cmdgate/internal/redact"
)

// Record is one lifecycle row.
type Record struct {
	ID        int64     `json:"id"`
	CommandID string    `json:"command_id"`
	Seq       int       `json:"seq"`
	Stage     string    `json:"stage"`
	Actor     string    `json:"actor,omitempty"`
	Command   string    `json:"command,omitempty"`
	Category  string    `json:"category,omitempty"`
	Score     int       `json:"score,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// ErrNoHistory means the command id has no recorded lifecycle.
var ErrNoHistory = errors.New("history: no records for command")

// appendAttempts bounds the write retry loop. SQLite under concurrent
// writers returns transient busy errors; beyond these attempts the
// failure is surfaced, never silently dropped.
const appendAttempts = 3

// Store is the SQLite-backed history store.
type Store struct {
	db  *sql.DB
	log *logrus.Logger
}

// Open opens (or creates) the history database at path.
func Open(path string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	// one connection serializes writers; seq assignment depends on it.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: log}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS lifecycle (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		stage TEXT NOT NULL,
		actor TEXT,
		command TEXT,
		category TEXT,
		score INTEGER NOT NULL DEFAULT 0,
		detail TEXT,
		at TEXT NOT NULL,
		UNIQUE (command_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_command ON lifecycle (command_id);`)
	if err != nil {
		return fmt.Errorf("history: create table: %w", err)
	}
	return nil
}

// Append records one lifecycle step. Seq is assigned inside the write
// transaction, so records for one command are strictly ordered even
// under concurrent appends. Command and Detail are credential-masked
// before they reach disk.
func (s *Store) Append(rec Record) error {
	rec.Command = redact.Mask(rec.Command)
	rec.Detail = redact.Mask(rec.Detail)
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	var lastErr error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		lastErr = s.appendOnce(rec)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		s.log.WithError(lastErr).WithField("attempt", attempt).Warn("history append retry")
		time.Sleep(time.Duration(attempt) * 25 * time.Millisecond)
	}
	return fmt.Errorf("history: append after %d attempts: %w", appendAttempts, lastErr)
}

func (s *Store) appendOnce(rec Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM lifecycle WHERE command_id = ?`, rec.CommandID).Scan(&seq); err != nil {
		return fmt.Errorf("history: next seq: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO lifecycle (command_id, seq, stage, actor, command, category, score, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CommandID, seq, rec.Stage, rec.Actor, rec.Command, rec.Category,
		rec.Score, rec.Detail, rec.At.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return tx.Commit()
}

// ByCommand returns a command's full lifecycle in order.
func (s *Store) ByCommand(commandID string) ([]Record, error) {
	rows, err := s.db.Query(`SELECT id, command_id, seq, stage, actor, command, category, score, detail, at
		FROM lifecycle WHERE command_id = ? ORDER BY seq ASC`, commandID)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	out, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoHistory, commandID)
	}
	return out, nil
}

// Recent returns the latest records across all commands, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, command_id, seq, stage, actor, command, category, score, detail, at
		FROM lifecycle ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	return scanRecords(rows)
}

// Search returns records whose masked command line contains the term,
// newest first.
func (s *Store) Search(term string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, command_id, seq, stage, actor, command, category, score, detail, at
		FROM lifecycle WHERE command LIKE ? ORDER BY id DESC LIMIT ?`, "%"+term+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("history: search: %w", err)
	}
	return scanRecords(rows)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r  Record
			at string
		)
		if err := rows.Scan(&r.ID, &r.CommandID, &r.Seq, &r.Stage, &r.Actor,
			&r.Command, &r.Category, &r.Score, &r.Detail, &at); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			r.At = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// retryable recognizes SQLite's transient lock contention errors.
func retryable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked") ||
		strings.Contains(msg, "constraint")
}
