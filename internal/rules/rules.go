// Package rules implements the deterministic allow/block rule engine.
// Administrator-owned rules are stored durably, validated at write time,
// and evaluated against an immutable in-memory snapshot so a refresh can
// never expose a half-updated rule set.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RuleType distinguishes allow rules from block rules.
type RuleType string

const (
	TypeAllow RuleType = "allow"
	TypeBlock RuleType = "block"
)

// PatternKind selects the matching strategy for a rule pattern.
type PatternKind string

const (
	KindExact PatternKind = "exact"
	KindGlob  PatternKind = "glob"
	KindRegex PatternKind = "regex"
)

// Verdict is the outcome of rule evaluation.
type Verdict string

const (
	// Allowed short-circuits the pipeline: the command skips
	// classification and approval.
	Allowed Verdict = "allowed"
	// Blocked terminates the pipeline immediately.
	Blocked Verdict = "blocked"
	// Neutral means no rule matched; the command proceeds to the
	// risk classifier.
	Neutral Verdict = "neutral"
)

// Rule is one administrator-defined allow or block pattern.
type Rule struct {
	ID       string      `yaml:"id" json:"id"`
	Type     RuleType    `yaml:"type" json:"type"`
	Pattern  string      `yaml:"pattern" json:"pattern"`
	Kind     PatternKind `yaml:"kind" json:"kind"`
	Priority int         `yaml:"priority" json:"priority"`
	// Roles limits the rule to submitters holding one of these roles.
	// Empty means the rule applies to everyone.
	Roles   []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Reason  string   `yaml:"reason,omitempty" json:"reason,omitempty"`

	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Decision is the result of evaluating a command against the rule set.
type Decision struct {
	Verdict Verdict
	// Rule is the matched rule for Allowed/Blocked verdicts, nil for
	// Neutral.
	Rule *Rule
	// Reason is a human-readable explanation, already masked.
	Reason string
}

// Validation errors returned at rule-creation time. Malformed patterns
// never reach the evaluation path.
var (
	ErrEmptyID          = errors.New("rules: rule id must not be empty")
	ErrEmptyPattern     = errors.New("rules: rule pattern must not be empty")
	ErrBadType          = errors.New("rules: rule type must be allow or block")
	ErrBadKind          = errors.New("rules: pattern kind must be exact, glob or regex")
	ErrBadPriority      = errors.New("rules: priority must be between 0 and 1000")
	ErrDuplicateID      = errors.New("rules: rule id already exists")
	ErrRuleNotFound     = errors.New("rules: rule not found")
	ErrBadGlob          = errors.New("rules: malformed glob pattern")
	ErrUnparseableRegex = errors.New("rules: unparseable regex pattern")
)

// Validate checks a rule for structural correctness, compiling regex and
// glob patterns so evaluation never sees an uncompilable pattern.
func Validate(r *Rule) error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrEmptyID
	}
	if strings.TrimSpace(r.Pattern) == "" {
		return ErrEmptyPattern
	}
	switch r.Type {
	case TypeAllow, TypeBlock:
	default:
		return fmt.Errorf("%w: %q", ErrBadType, r.Type)
	}
	if r.Priority < 0 || r.Priority > 1000 {
		return fmt.Errorf("%w: %d", ErrBadPriority, r.Priority)
	}
	switch r.Kind {
	case KindExact:
	case KindGlob:
		if _, err := compileGlob(r.Pattern); err != nil {
			return fmt.Errorf("%w: %v", ErrBadGlob, err)
		}
	case KindRegex:
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("%w: %v", ErrUnparseableRegex, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrBadKind, r.Kind)
	}
	return nil
}

// compileGlob converts a glob pattern to an anchored regular expression.
// '*' matches any run of characters, '?' a single character; everything
// else is literal.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	escaped = strings.ReplaceAll(escaped, `\?`, `.`)
	return regexp.Compile(`(?s)^` + escaped + `$`)
}

// appliesToRoles reports whether the rule is in scope for a submitter
// holding the given roles.
func (r *Rule) appliesToRoles(roles []string) bool {
	if len(r.Roles) == 0 {
		return true
	}
	for _, want := range r.Roles {
		for _, have := range roles {
			if want == have {
				return true
			}
		}
	}
	return false
}
