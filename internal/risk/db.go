package risk

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Severity grades a dangerous pattern.
type Severity string

const (
	SevLow      Severity = "low"
	SevMedium   Severity = "medium"
	SevHigh     Severity = "high"
	SevCritical Severity = "critical"
)

// defaultScores are used when a pattern record omits an explicit score.
var defaultScores = map[Severity]int{
	SevLow:      10,
	SevMedium:   20,
	SevHigh:     35,
	SevCritical: 100,
}

// PatternKind selects the matching strategy for a dangerous pattern.
type PatternKind string

const (
	KindSubstring PatternKind = "substring"
	KindGlob      PatternKind = "glob"
	KindRegex     PatternKind = "regex"
)

// Pattern is one dangerous-pattern record from the feed.
type Pattern struct {
	ID          string      `yaml:"id"`
	Pattern     string      `yaml:"pattern"`
	Kind        PatternKind `yaml:"kind"`
	Severity    Severity    `yaml:"severity"`
	Score       int         `yaml:"score,omitempty"`
	Description string      `yaml:"description,omitempty"`
}

// patternFile is the YAML feed schema root.
type patternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// compiledPattern caches the compiled matcher alongside the record.
type compiledPattern struct {
	Pattern
	re *regexp.Regexp // nil for substring patterns
}

func (cp *compiledPattern) matches(text string) bool {
	if cp.re != nil {
		return cp.re.MatchString(text)
	}
	return strings.Contains(text, cp.Pattern.Pattern)
}

func (cp *compiledPattern) score() int {
	if cp.Score > 0 {
		return cp.Score
	}
	return defaultScores[cp.Severity]
}

// dbSnapshot is an immutable compiled pattern set.
type dbSnapshot struct {
	patterns []*compiledPattern
}

// DB holds the current dangerous-pattern snapshot. The snapshot is
// swapped atomically on refresh; readers never observe a partial set.
// A nil snapshot means the database is unavailable and classification
// runs in degraded mode.
type DB struct {
	path string
	log  *logrus.Logger
	snap atomic.Pointer[dbSnapshot]
}

// OpenDB loads the pattern feed from path. A missing path falls back to
// the built-in defaults. A load failure leaves the DB degraded but
// usable: classification floors risk instead of failing.
func OpenDB(path string, log *logrus.Logger) *DB {
	db := &DB{path: path, log: log}
	if err := db.Reload(); err != nil {
		if log != nil {
			log.WithError(err).Error("pattern database unavailable; classification degraded to medium floor")
		}
	}
	return db
}

// NewDBFromPatterns builds an in-memory DB, primarily for tests and for
// embedding the defaults without a feed file.
func NewDBFromPatterns(patterns []Pattern, log *logrus.Logger) *DB {
	db := &DB{log: log}
	db.snap.Store(compile(patterns, log))
	return db
}

// Reload re-reads the feed file and swaps the snapshot. Invalid entries
// are skipped with a logged warning rather than aborting the load.
func (db *DB) Reload() error {
	patterns := DefaultPatterns()
	if db.path != "" {
		data, err := os.ReadFile(db.path)
		switch {
		case os.IsNotExist(err):
			// Built-in defaults serve until a feed file appears.
		case err != nil:
			return fmt.Errorf("risk: read pattern feed: %w", err)
		default:
			var pf patternFile
			if err := yaml.Unmarshal(data, &pf); err != nil {
				return fmt.Errorf("risk: parse pattern feed: %w", err)
			}
			patterns = pf.Patterns
		}
	}
	db.snap.Store(compile(patterns, db.log))
	return nil
}

// Degraded reports whether the database has no usable snapshot.
func (db *DB) Degraded() bool {
	return db.snap.Load() == nil
}

// MarkUnavailable drops the current snapshot, forcing degraded mode.
// Exposed for operational tooling and tests.
func (db *DB) MarkUnavailable() {
	db.snap.Store(nil)
}

// compile validates and compiles a pattern list. Duplicate IDs and
// uncompilable patterns are skipped, logged, and never crash startup.
func compile(patterns []Pattern, log *logrus.Logger) *dbSnapshot {
	snap := &dbSnapshot{}
	seen := make(map[string]bool)
	for _, p := range patterns {
		warn := func(msg string) {
			if log != nil {
				log.WithField("pattern_id", p.ID).Warn(msg)
			}
		}
		if p.ID == "" || p.Pattern == "" {
			warn("skipping pattern with empty id or pattern")
			continue
		}
		if seen[p.ID] {
			warn("skipping pattern with duplicate id")
			continue
		}
		switch p.Severity {
		case SevLow, SevMedium, SevHigh, SevCritical:
		default:
			warn("skipping pattern with unknown severity")
			continue
		}
		cp := &compiledPattern{Pattern: p}
		switch p.Kind {
		case KindSubstring:
		case KindRegex:
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				warn("skipping pattern with unparseable regex")
				continue
			}
			cp.re = re
		case KindGlob:
			re, err := compileGlob(p.Pattern)
			if err != nil {
				warn("skipping pattern with malformed glob")
				continue
			}
			cp.re = re
		default:
			warn("skipping pattern with unknown kind")
			continue
		}
		seen[p.ID] = true
		snap.patterns = append(snap.patterns, cp)
	}
	return snap
}

// compileGlob converts a glob to an unanchored regular expression so a
// glob pattern matches anywhere in the command text.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	escaped = strings.ReplaceAll(escaped, `\?`, `.`)
	return regexp.Compile(`(?s)` + escaped)
}

// Watch refreshes the snapshot when the feed file changes and on a
// periodic interval as a safety net. Blocks until ctx is cancelled.
func (db *DB) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	if db.path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err == nil {
			defer watcher.Close()
			if err := watcher.Add(db.path); err == nil {
				events = make(chan fsnotify.Event, 16)
				go func() {
					for {
						select {
						case ev, ok := <-watcher.Events:
							if !ok {
								return
							}
							if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
								select {
								case events <- ev:
								default:
								}
							}
						case <-ctx.Done():
							return
						}
					}
				}()
			}
		}
	}

	reload := func() {
		if err := db.Reload(); err != nil && db.log != nil {
			db.log.WithError(err).Error("pattern database refresh failed; keeping previous snapshot")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reload()
		case <-events:
			reload()
		}
	}
}
