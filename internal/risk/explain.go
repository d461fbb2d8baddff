package risk

import (
	"fmt"
	"strings"
)

// Explanation is a human-readable rendering of a classification. It is
// a pure presentation transform: building one has no side effects and
// does not alter the classification.
type Explanation struct {
	Summary     string
	Factors     []string
	Mitigations []string
}

// categorySummaries phrase the overall judgement per category.
var categorySummaries = map[Category]string{
	CategorySafe:     "no meaningful risk indicators found",
	CategoryLow:      "minor risk indicators; routine review",
	CategoryMedium:   "moderate risk; review the contributing factors before approving",
	CategoryHigh:     "high risk; requires explicit reviewer approval",
	CategoryCritical: "critical risk; this command can cause irreversible damage",
}

// Explain renders a classification for humans.
func Explain(cl Classification) Explanation {
	ex := Explanation{
		Summary: fmt.Sprintf("risk %d/100 (%s): %s", cl.Score, cl.Category, categorySummaries[cl.Category]),
	}
	for _, f := range cl.Factors {
		ex.Factors = append(ex.Factors, f.String())
		if m := mitigationFor(f); m != "" && !contains(ex.Mitigations, m) {
			ex.Mitigations = append(ex.Mitigations, m)
		}
	}
	return ex
}

// mitigationFor suggests a concrete alternative per factor class.
func mitigationFor(f Factor) string {
	d := f.Description
	switch {
	case strings.Contains(d, "credential-shaped"):
		return "pass credentials via environment or a credentials file instead of arguments"
	case strings.Contains(d, "privilege escalation"):
		return "run without elevation if possible, or scope elevation to the single binary"
	case strings.Contains(d, "piped into a shell"):
		return "download to a file, inspect it, then execute the inspected copy"
	case strings.Contains(d, "recursive"):
		return "name explicit paths instead of recursive wildcards"
	case strings.Contains(d, "substitution"):
		return "expand the substitution manually and submit the resolved command"
	case strings.Contains(d, "pattern database unavailable"):
		return "restore the pattern feed; risk scores are floored until then"
	default:
		return ""
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
