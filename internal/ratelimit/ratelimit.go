// Package ratelimit caps how many commands a submitter may push through
// the gate per window. Limits are keyed by risk category, with "*" as
// the any-category fallback; a submitter entry of "*" applies to anyone
// without their own entry.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sentinelops/cmdgate/internal/risk"
)

// Limit caps submissions inside a fixed window. Zero values mean
// unlimited.
type Limit struct {
	MaxSubmissions int           `yaml:"max_submissions"`
	Window         time.Duration `yaml:"window"`
}

func (l *Limit) active() bool {
	return l != nil && l.MaxSubmissions > 0 && l.Window > 0
}

// CategoryLimits maps a risk category (or "*") to its limit.
type CategoryLimits map[string]*Limit

// Config maps submitter ids (or "*") to their per-category limits.
type Config map[string]CategoryLimits

// HasLimits reports whether any limit is actually configured.
func (c Config) HasLimits() bool {
	for _, cl := range c {
		for _, l := range cl {
			if l.active() {
				return true
			}
		}
	}
	return false
}

// Result is the outcome of one admission check.
type Result struct {
	Exceeded bool
	Current  int
	Max      int
	Reason   string
}

// Limiter tracks per-submitter submission counts in fixed windows.
// The zero-config limiter admits everything.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	windows map[string]*window
}

// window counts submissions per limit key since start. A key is the
// risk category for a category-specific limit, "*" for the fallback.
type window struct {
	start  time.Time
	counts map[string]int
}

func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, now: time.Now, windows: make(map[string]*window)}
}

// Allow admits or rejects one submission. An admitted submission is
// counted; rejections are not, so a throttled submitter does not push
// their own window further out.
func (l *Limiter) Allow(submitter string, cat risk.Category) Result {
	limit, key := l.limitFor(submitter, cat)
	if !limit.active() {
		return Result{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[submitter]
	now := l.now()
	if w == nil || now.Sub(w.start) >= limit.Window {
		w = &window{start: now, counts: make(map[string]int)}
		l.windows[submitter] = w
	}

	count := w.counts[key]
	if count >= limit.MaxSubmissions {
		return Result{
			Exceeded: true,
			Current:  count,
			Max:      limit.MaxSubmissions,
			Reason: fmt.Sprintf("rate limit exceeded: %d/%d submissions in %s window",
				count, limit.MaxSubmissions, limit.Window),
		}
	}
	w.counts[key] = count + 1
	return Result{Current: count + 1, Max: limit.MaxSubmissions}
}

// limitFor resolves submitter then category, both falling back to "*".
func (l *Limiter) limitFor(submitter string, cat risk.Category) (*Limit, string) {
	cl := l.cfg[submitter]
	if cl == nil {
		cl = l.cfg["*"]
	}
	if cl == nil {
		return nil, ""
	}
	if lim := cl[string(cat)]; lim.active() {
		return lim, string(cat)
	}
	return cl["*"], "*"
}
