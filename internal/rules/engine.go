package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sentinelops/cmdgate/internal/shellparse"
)

// regexBudget is the hard per-match time budget. Go's regexp engine is
// linear-time, but the budget caps pattern-size blowup and keeps the
// property that a pathological rule can only fail toward "non-match".
const regexBudget = 10 * time.Millisecond

// snapshot is an immutable compiled view of the rule set. Evaluations
// read exactly one snapshot; refreshes build a new one and swap the
// pointer atomically.
type snapshot struct {
	// exact maps normalized command line -> best rule, checked first.
	exact map[string]*compiledRule
	// patterns holds glob and regex rules in descending priority order.
	patterns []*compiledRule
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp // nil for exact rules
}

// Engine evaluates commands against the current rule snapshot.
type Engine struct {
	snap atomic.Pointer[snapshot]
}

// NewEngine builds an engine from an initial rule list. Rules that fail
// validation are skipped; the store guarantees this does not happen for
// rules it served, but the engine stays defensive about its inputs.
func NewEngine(list []Rule) *Engine {
	e := &Engine{}
	e.Replace(list)
	return e
}

// Replace swaps in a freshly compiled snapshot of the given rules.
// Readers either see the old set or the new set, never a mix.
func (e *Engine) Replace(list []Rule) {
	snap := &snapshot{exact: make(map[string]*compiledRule)}
	for i := range list {
		r := list[i]
		if !r.Enabled || Validate(&r) != nil {
			continue
		}
		cr := &compiledRule{rule: r}
		switch r.Kind {
		case KindExact:
			key := normalizeSpace(r.Pattern)
			if prev, ok := snap.exact[key]; !ok || wins(&r, &prev.rule) {
				snap.exact[key] = cr
			}
			continue
		case KindGlob:
			cr.re, _ = compileGlob(r.Pattern)
		case KindRegex:
			cr.re, _ = regexp.Compile(r.Pattern)
		}
		if cr.re != nil {
			snap.patterns = append(snap.patterns, cr)
		}
	}
	sort.SliceStable(snap.patterns, func(i, j int) bool {
		return snap.patterns[i].rule.Priority > snap.patterns[j].rule.Priority
	})
	e.snap.Store(snap)
}

// Evaluate matches the parsed command against the rule set for a
// submitter holding the given roles. Patterns run against both the
// normalized line and the whitespace-collapsed raw input, so quoting
// and spacing variations cannot slip a command past a rule.
//
// Precedence: among all matching rules, a Block rule wins unless a
// matching Allow rule has strictly higher priority. No match is Neutral
// and the command proceeds to the risk classifier.
func (e *Engine) Evaluate(pc *shellparse.ParsedCommand, roles []string) Decision {
	snap := e.snap.Load()
	if snap == nil {
		return Decision{Verdict: Neutral}
	}

	targets := []string{NormalizedLine(pc)}
	if raw := normalizeSpace(pc.Raw); raw != targets[0] {
		targets = append(targets, raw)
	}

	var bestAllow, bestBlock *Rule

	consider := func(r *Rule) {
		switch r.Type {
		case TypeAllow:
			if bestAllow == nil || r.Priority > bestAllow.Priority {
				bestAllow = r
			}
		case TypeBlock:
			if bestBlock == nil || r.Priority > bestBlock.Priority {
				bestBlock = r
			}
		}
	}

	for _, t := range targets {
		if cr, ok := snap.exact[t]; ok && cr.rule.appliesToRoles(roles) {
			consider(&cr.rule)
		}
	}
	for _, cr := range snap.patterns {
		if !cr.rule.appliesToRoles(roles) {
			continue
		}
		for _, t := range targets {
			if matchWithBudget(cr.re, t) {
				consider(&cr.rule)
				break
			}
		}
	}

	switch {
	case bestBlock != nil && (bestAllow == nil || bestAllow.Priority <= bestBlock.Priority):
		return Decision{
			Verdict: Blocked,
			Rule:    bestBlock,
			Reason:  blockReason(bestBlock),
		}
	case bestAllow != nil:
		return Decision{
			Verdict: Allowed,
			Rule:    bestAllow,
			Reason:  fmt.Sprintf("matches allow rule %s", bestAllow.ID),
		}
	default:
		return Decision{Verdict: Neutral}
	}
}

func blockReason(r *Rule) string {
	if r.Reason != "" {
		return fmt.Sprintf("matches default blocklist rule: %s", r.Reason)
	}
	return fmt.Sprintf("matches block rule %s", r.ID)
}

// wins reports whether a should replace b when both index the same
// exact pattern: block beats allow at equal priority, higher priority
// beats lower.
func wins(a, b *Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Type == TypeBlock
}

// matchWithBudget runs the match under the per-match time budget. A
// timeout counts as a non-match: the command falls through to the
// classifier, never to an automatic allow.
func matchWithBudget(re *regexp.Regexp, line string) bool {
	done := make(chan bool, 1)
	go func() {
		done <- re.MatchString(line)
	}()
	select {
	case matched := <-done:
		return matched
	case <-time.After(regexBudget):
		return false
	}
}

// NormalizedLine renders a parsed command as the canonical string that
// rule patterns match against: words separated by single spaces, with
// pipeline connectors, redirections and background markers restored.
func NormalizedLine(pc *shellparse.ParsedCommand) string {
	var b strings.Builder
	for i, seg := range pc.Segments {
		if i > 0 {
			conn := string(seg.Connector)
			if conn == "" {
				conn = ";"
			}
			b.WriteString(" " + conn + " ")
		}
		b.WriteString(seg.Name)
		for _, a := range seg.Args {
			b.WriteString(" ")
			b.WriteString(a)
		}
		for _, r := range seg.Redirects {
			b.WriteString(" ")
			b.WriteString(renderRedirect(r))
		}
		if seg.Background {
			b.WriteString(" &")
		}
	}
	return b.String()
}

func renderRedirect(r shellparse.Redirect) string {
	var op string
	switch r.Mode {
	case shellparse.RedirAppend:
		op = ">>"
	case shellparse.RedirInput:
		op = "<"
	default:
		op = ">"
	}
	if r.Mode != shellparse.RedirInput && r.Stream == 2 {
		op = "2" + op
	}
	return op + " " + r.Target
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
