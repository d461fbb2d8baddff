package risk

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sentinelops/cmdgate/internal/redact"
	"github.com/sentinelops/cmdgate/internal/shellparse"
)

// Stage point weights. Fixed constants keep scoring deterministic and
// reviewable; tuning happens here, not scattered through the stages.
const (
	pointsCredentialArg   = 15
	pointsSensitivePath   = 10
	pointsPipeToShell     = 25
	pointsSensitiveWrite  = 10
	pointsEnvExfiltration = 10
	pointsRecursiveForce  = 10
	pointsWildcardRoot    = 15
	pointsSubstitution    = 10
	pointsLowConfidence   = 10
	pointsAnomaly         = 15
)

// privilegeMultiplier scales the subtotal when a command runs under an
// elevation prefix: the same dangerous command is worse when elevated.
const privilegeMultiplier = 1.5

// elevationPrefixes are executables that run their argument elevated.
var elevationPrefixes = map[string]bool{
	"sudo": true, "doas": true, "pkexec": true, "su": true, "runas": true,
}

// sensitivePathFragments mark arguments that touch secret material or
// security-critical configuration.
var sensitivePathFragments = []string{
	"/etc/shadow", "/etc/sudoers", "/.ssh/", "/.aws/", "/.gnupg/",
	".env", "credentials", "/proc/self/environ", "secrets",
}

// downloaders and shells cooperate in pipe-to-shell detection.
var (
	downloaders = map[string]bool{"curl": true, "wget": true, "fetch": true}
	shellNames  = map[string]bool{"sh": true, "bash": true, "zsh": true, "fish": true, "dash": true}
)

// AnomalyDetector is the extension point for behavioral scoring. An
// implementation returns a non-negative point delta and a description;
// the core ships none.
type AnomalyDetector interface {
	Score(pc *shellparse.ParsedCommand, ctx ExecContext) (delta int, description string)
}

// Classifier produces a Classification for a parsed command. It is a
// pure function of the command, the context and the current pattern
// snapshot.
type Classifier struct {
	db       *DB
	log      *logrus.Logger
	detector AnomalyDetector
}

// NewClassifier builds a classifier over the given pattern database.
// detector may be nil.
func NewClassifier(db *DB, detector AnomalyDetector, log *logrus.Logger) *Classifier {
	return &Classifier{db: db, detector: detector, log: log}
}

// Classify scores the command. It never returns an error: a missing
// pattern database degrades to a medium floor, and any command yields
// some classification.
func (c *Classifier) Classify(pc *shellparse.ParsedCommand, ctx ExecContext) Classification {
	var (
		factors  []Factor
		subtotal int
	)

	snap := c.db.snap.Load()
	degraded := snap == nil

	// Stage 1: dangerous-pattern matches. Both the raw text and the
	// normalized surface are scanned so obfuscated spellings that the
	// parser normalizes away still match. A critical-severity match is
	// a fast path straight to 100.
	if !degraded {
		targets := matchTargets(pc)
		for _, cp := range snap.patterns {
			if !matchesAny(cp, targets) {
				continue
			}
			if cp.Severity == SevCritical {
				return Classification{
					Score:    100,
					Category: CategoryCritical,
					Factors: append(factors, Factor{
						Description: "critical pattern: " + cp.Description,
						Delta:       100,
						PatternID:   cp.ID,
					}),
					AutoApprovable: false,
				}
			}
			subtotal += cp.score()
			factors = append(factors, Factor{
				Description: cp.Description,
				Delta:       cp.score(),
				PatternID:   cp.ID,
			})
		}
	}

	// Stage 2: sensitive arguments.
	subtotal, factors = c.scoreSensitiveArgs(pc, subtotal, factors)

	// Stage 3: data-exposure heuristics.
	subtotal, factors = c.scoreDataExposure(pc, subtotal, factors)

	// Stage 4: generic structure heuristics.
	subtotal, factors = c.scoreStructure(pc, subtotal, factors)

	// Stage 5: privilege escalation multiplies the accumulated subtotal
	// rather than adding a flat amount.
	if name, ok := elevationPrefix(pc); ok {
		scaled := int(float64(subtotal)*privilegeMultiplier + 0.5)
		if scaled == subtotal {
			scaled = subtotal + 5 // elevation alone is never free
		}
		factors = append(factors, Factor{
			Description: fmt.Sprintf("privilege escalation via %s (x%.1f)", name, privilegeMultiplier),
			Delta:       scaled - subtotal,
		})
		subtotal = scaled
	}

	// Optional anomaly extension.
	if c.detector != nil {
		if delta, desc := c.detector.Score(pc, ctx); delta > 0 {
			if delta > pointsAnomaly {
				delta = pointsAnomaly
			}
			subtotal += delta
			factors = append(factors, Factor{Description: desc, Delta: delta})
		}
	}

	if degraded {
		// Fail safe: without patterns the classifier cannot vouch for
		// safety, so every command is floored at medium until the
		// database is restored.
		if floor := MinScoreFor(CategoryMedium); subtotal < floor {
			factors = append(factors, Factor{
				Description: "pattern database unavailable; risk floored at medium",
				Delta:       floor - subtotal,
			})
			subtotal = floor
		}
		if c.log != nil {
			c.log.Error("classification degraded: pattern database unavailable")
		}
	}

	if subtotal > 100 {
		subtotal = 100
	}
	cat := CategoryForScore(subtotal)
	return Classification{
		Score:          subtotal,
		Category:       cat,
		Factors:        factors,
		AutoApprovable: cat == CategorySafe,
		Degraded:       degraded,
	}
}

// matchTargets returns the strings pattern matching runs against.
func matchTargets(pc *shellparse.ParsedCommand) []string {
	targets := []string{pc.Raw, normalizedLine(pc)}
	// Substitution bodies are scanned too: hiding a dangerous command
	// inside $( ) must not hide it from the patterns.
	for _, seg := range pc.Segments {
		for _, sub := range seg.Substitutions {
			targets = append(targets, sub.Body)
		}
	}
	return targets
}

func matchesAny(cp *compiledPattern, targets []string) bool {
	for _, t := range targets {
		if cp.matches(t) {
			return true
		}
	}
	return false
}

func (c *Classifier) scoreSensitiveArgs(pc *shellparse.ParsedCommand, subtotal int, factors []Factor) (int, []Factor) {
	credSeen := false
	pathSeen := false
	for _, w := range pc.Words() {
		if !credSeen && redact.ContainsSecret(w) {
			subtotal += pointsCredentialArg
			factors = append(factors, Factor{
				Description: "credential-shaped value passed as an argument",
				Delta:       pointsCredentialArg,
			})
			credSeen = true
		}
		if !pathSeen && isSensitivePath(w) {
			subtotal += pointsSensitivePath
			factors = append(factors, Factor{
				Description: "argument references a sensitive path",
				Delta:       pointsSensitivePath,
			})
			pathSeen = true
		}
	}
	return subtotal, factors
}

func (c *Classifier) scoreDataExposure(pc *shellparse.ParsedCommand, subtotal int, factors []Factor) (int, []Factor) {
	// Download piped into a shell: structural, not substring, detection.
	sawDownloader := false
	for _, seg := range pc.Segments {
		base := baseName(seg.Name)
		if downloaders[base] {
			sawDownloader = true
			continue
		}
		if sawDownloader && seg.Connector == shellparse.ConnPipe && shellNames[base] {
			subtotal += pointsPipeToShell
			factors = append(factors, Factor{
				Description: "downloaded content piped into a shell",
				Delta:       pointsPipeToShell,
			})
			break
		}
		sawDownloader = false
	}

	for _, seg := range pc.Segments {
		for _, r := range seg.Redirects {
			if r.Mode != shellparse.RedirInput && isSensitivePath(r.Target) {
				subtotal += pointsSensitiveWrite
				factors = append(factors, Factor{
					Description: "output redirected into a sensitive location",
					Delta:       pointsSensitiveWrite,
				})
				return subtotal, factors
			}
		}
	}

	for _, seg := range pc.Segments {
		base := baseName(seg.Name)
		if (base == "printenv" || base == "env") && len(pc.Segments) > 1 {
			subtotal += pointsEnvExfiltration
			factors = append(factors, Factor{
				Description: "environment contents fed into another command",
				Delta:       pointsEnvExfiltration,
			})
			break
		}
	}
	return subtotal, factors
}

func (c *Classifier) scoreStructure(pc *shellparse.ParsedCommand, subtotal int, factors []Factor) (int, []Factor) {
	for _, seg := range pc.Segments {
		recursive, force, rootArg := false, false, false
		for _, a := range seg.Args {
			if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") {
				if strings.ContainsAny(a, "rR") {
					recursive = true
				}
				if strings.Contains(a, "f") {
					force = true
				}
			}
			switch a {
			case "--recursive":
				recursive = true
			case "--force":
				force = true
			}
			if a == "/" || strings.HasPrefix(a, "/*") {
				rootArg = true
			}
		}
		if recursive && force {
			subtotal += pointsRecursiveForce
			factors = append(factors, Factor{
				Description: "recursive and force flags combined",
				Delta:       pointsRecursiveForce,
			})
		}
		if recursive && rootArg {
			subtotal += pointsWildcardRoot
			factors = append(factors, Factor{
				Description: "recursive operation targeting the filesystem root",
				Delta:       pointsWildcardRoot,
			})
		}
	}

	if pc.HasSubstitution() {
		subtotal += pointsSubstitution
		factors = append(factors, Factor{
			Description: "command substitution present (contents analyzed, not executed)",
			Delta:       pointsSubstitution,
		})
	}

	if pc.LowConfidence {
		subtotal += pointsLowConfidence
		factors = append(factors, Factor{
			Description: "conservative parse: dialect could not be determined",
			Delta:       pointsLowConfidence,
		})
	}
	return subtotal, factors
}

// elevationPrefix reports whether the first pipeline segment runs under
// an elevation wrapper, returning the wrapper name.
func elevationPrefix(pc *shellparse.ParsedCommand) (string, bool) {
	if len(pc.Segments) == 0 {
		return "", false
	}
	base := baseName(pc.Segments[0].Name)
	if elevationPrefixes[base] {
		return base, true
	}
	return "", false
}

func isSensitivePath(s string) bool {
	low := strings.ToLower(s)
	for _, frag := range sensitivePathFragments {
		if strings.Contains(low, frag) {
			return true
		}
	}
	return false
}

func baseName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToLower(name)
}

// normalizedLine mirrors the rule engine's canonical rendering without
// importing it; the two packages stay independent.
func normalizedLine(pc *shellparse.ParsedCommand) string {
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
	}
	return b.String()
}
