package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store persists rules in a SQLite database. All mutations validate
// synchronously at write time, so the evaluation path never sees a
// malformed pattern.
type Store struct {
	db  *sql.DB
	log *logrus.Logger

	// OnChange, when set, is invoked after every successful mutation
	// with the operation name and the affected rule. The pipeline wires
	// this to the event bus as rule-modified notifications.
	OnChange func(op string, r Rule)
}

// OpenStore opens (or creates) the rule database at path and seeds the
// default blocklist on first use.
func OpenStore(path string, log *logrus.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("rules: open database: %w", err)
	}
	s := &Store{db: db, log: log}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		pattern TEXT NOT NULL,
		kind TEXT NOT NULL,
		priority INTEGER NOT NULL,
		roles TEXT,
		enabled INTEGER NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("rules: create table: %w", err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM rules`).Scan(&n); err != nil {
		return fmt.Errorf("rules: count rules: %w", err)
	}
	if n == 0 {
		return s.seedDefaults()
	}
	return nil
}

// seedDefaults installs the built-in block rules on an empty store.
// These are the irreversible boundaries that ship enabled by default.
func (s *Store) seedDefaults() error {
	for _, r := range DefaultBlockRules() {
		if err := s.insert(r); err != nil {
			return fmt.Errorf("rules: seed %s: %w", r.ID, err)
		}
	}
	if s.log != nil {
		s.log.WithField("count", len(DefaultBlockRules())).Info("seeded default block rules")
	}
	return nil
}

// Create validates and inserts a new rule.
func (s *Store) Create(r Rule) error {
	if err := Validate(&r); err != nil {
		return err
	}
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM rules WHERE id = ?`, r.ID).Scan(&exists); err != nil {
		return fmt.Errorf("rules: check id: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.insert(r); err != nil {
		return err
	}
	s.notify("created", r)
	return nil
}

// Update validates and replaces an existing rule.
func (s *Store) Update(r Rule) error {
	if err := Validate(&r); err != nil {
		return err
	}
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`UPDATE rules SET type=?, pattern=?, kind=?, priority=?, roles=?, enabled=?, reason=?, updated_at=? WHERE id=?`,
		string(r.Type), r.Pattern, string(r.Kind), r.Priority, marshalRoles(r.Roles),
		boolToInt(r.Enabled), r.Reason, r.UpdatedAt.Format(time.RFC3339), r.ID)
	if err != nil {
		return fmt.Errorf("rules: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, r.ID)
	}
	s.notify("updated", r)
	return nil
}

// SetEnabled flips a rule's enabled flag.
func (s *Store) SetEnabled(id string, enabled bool) error {
	r, err := s.Get(id)
	if err != nil {
		return err
	}
	r.Enabled = enabled
	return s.Update(*r)
}

// Delete removes a rule by id.
func (s *Store) Delete(id string) error {
	r, err := s.Get(id)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("rules: delete: %w", err)
	}
	s.notify("deleted", *r)
	return nil
}

// Get returns a single rule by id.
func (s *Store) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`SELECT id, type, pattern, kind, priority, roles, enabled, reason, created_at, updated_at FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("rules: get: %w", err)
	}
	return r, nil
}

// List returns all rules ordered by descending priority, then id.
func (s *Store) List() ([]Rule, error) {
	rows, err := s.db.Query(`SELECT id, type, pattern, kind, priority, roles, enabled, reason, created_at, updated_at FROM rules ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("rules: list: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("rules: scan: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Refresh rebuilds the engine snapshot from the store.
func (s *Store) Refresh(e *Engine) error {
	list, err := s.List()
	if err != nil {
		return err
	}
	e.Replace(list)
	return nil
}

// RunRefresher reloads the engine snapshot on a fixed interval until
// ctx is cancelled. Evaluation keeps serving the previous snapshot if a
// refresh fails.
func (s *Store) RunRefresher(ctx context.Context, e *Engine, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Refresh(e); err != nil && s.log != nil {
				s.log.WithError(err).Warn("rule snapshot refresh failed; keeping previous set")
			}
		}
	}
}

func (s *Store) insert(r Rule) error {
	_, err := s.db.Exec(`INSERT INTO rules (id, type, pattern, kind, priority, roles, enabled, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Type), r.Pattern, string(r.Kind), r.Priority, marshalRoles(r.Roles),
		boolToInt(r.Enabled), r.Reason,
		r.CreatedAt.Format(time.RFC3339), r.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("rules: insert: %w", err)
	}
	return nil
}

func (s *Store) notify(op string, r Rule) {
	if s.OnChange != nil {
		s.OnChange(op, r)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r                    Rule
		typ, kind, roles     string
		enabled              int
		createdAt, updatedAt string
	)
	if err := row.Scan(&r.ID, &typ, &r.Pattern, &kind, &r.Priority, &roles, &enabled, &r.Reason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Type = RuleType(typ)
	r.Kind = PatternKind(kind)
	r.Roles = unmarshalRoles(roles)
	r.Enabled = enabled == 1
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		r.UpdatedAt = t
	}
	return &r, nil
}

func marshalRoles(roles []string) string {
	if len(roles) == 0 {
		return ""
	}
	b, _ := json.Marshal(roles)
	return string(b)
}

func unmarshalRoles(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
