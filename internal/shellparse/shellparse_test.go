package shellparse

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSimpleCommand(t *testing.T) {
	pc, err := Parse("echo hello", DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pc.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(pc.Segments))
	}
	seg := pc.Segments[0]
	if seg.Name != "echo" {
		t.Errorf("expected name echo, got %q", seg.Name)
	}
	if diff := cmp.Diff([]string{"hello"}, seg.Args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	if pc.LowConfidence {
		t.Error("explicit dialect must not be low-confidence")
	}
}

func TestArgumentOrderPreserved(t *testing.T) {
	pc, err := Parse("rm -rf /tmp/x", DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"-rf", "/tmp/x"}, pc.Segments[0].Args); diff != "" {
		t.Errorf("argument order not preserved (-want +got):\n%s", diff)
	}
}

func TestPipelineSegments(t *testing.T) {
	pc, err := Parse("cat /etc/passwd | grep root | wc -l", DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pc.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(pc.Segments))
	}
	if pc.Segments[1].Connector != ConnPipe || pc.Segments[2].Connector != ConnPipe {
		t.Error("pipe connectors not recorded")
	}
	if pc.Segments[2].Name != "wc" {
		t.Errorf("expected wc, got %q", pc.Segments[2].Name)
	}
}

func TestConnectorKinds(t *testing.T) {
	pc, err := Parse("make && make install || echo failed; date", DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Connector{ConnNone, ConnAnd, ConnOr, ConnSeq}
	if len(pc.Segments) != len(want) {
		t.Fatalf("expected %d segments, got %d", len(want), len(pc.Segments))
	}
	for i, c := range want {
		if pc.Segments[i].Connector != c {
			t.Errorf("segment %d: expected connector %q, got %q", i, c, pc.Segments[i].Connector)
		}
	}
}

func TestQuotedArgumentsKeepSpaces(t *testing.T) {
	pc, err := Parse(`echo "hello world" 'a b'`, DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"hello world", "a b"}, pc.Segments[0].Args); diff != "" {
		t.Errorf("quoted args mismatch (-want +got):\n%s", diff)
	}
}

func TestQuotedMetacharactersAreLiteral(t *testing.T) {
	pc, err := Parse(`echo "a | b"`, DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pc.Segments) != 1 {
		t.Fatalf("quoted pipe must not split segments, got %d segments", len(pc.Segments))
	}
}

func TestUnterminatedQuoteFailsClosed(t *testing.T) {
	for _, raw := range []string{`echo "unterminated`, `echo 'unterminated`, "echo `unterminated"} {
		_, err := Parse(raw, DialectPosix)
		if err == nil {
			t.Errorf("%q: expected parse error", raw)
			continue
		}
		var se *SyntaxError
		if !errors.As(err, &se) {
			t.Errorf("%q: expected *SyntaxError, got %T", raw, err)
		}
	}
}

func TestUnbalancedSubstitutionFailsClosed(t *testing.T) {
	_, err := Parse("echo $(date", DialectPosix)
	var se *SyntaxError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SyntaxError, got %v", err)
	}
	if se.Offset != 5 {
		t.Errorf("expected offset 5, got %d", se.Offset)
	}
}

func TestSubstitutionRecordedNotEvaluated(t *testing.T) {
	pc, err := Parse("echo $(rm -rf /tmp/y)", DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seg := pc.Segments[0]
	if len(seg.Substitutions) != 1 {
		t.Fatalf("expected 1 substitution, got %d", len(seg.Substitutions))
	}
	if seg.Substitutions[0].Body != "rm -rf /tmp/y" {
		t.Errorf("substitution body = %q", seg.Substitutions[0].Body)
	}
	if !pc.HasSubstitution() {
		t.Error("HasSubstitution should be true")
	}
}

func TestBacktickNormalizedToSubstitution(t *testing.T) {
	pc, err := Parse("echo `whoami`", DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seg := pc.Segments[0]
	if len(seg.Substitutions) != 1 || seg.Substitutions[0].Body != "whoami" {
		t.Fatalf("backtick substitution not normalized: %+v", seg.Substitutions)
	}
	// Surface form in the arg is the normalized $() marker.
	if seg.Args[0] != "$(whoami)" {
		t.Errorf("expected normalized arg $(whoami), got %q", seg.Args[0])
	}
}

func TestNestedSubstitutionDepthLimit(t *testing.T) {
	raw := "echo " + strings.Repeat("$(", MaxDepth+1) + "x" + strings.Repeat(")", MaxDepth+1)
	_, err := Parse(raw, DialectPosix)
	if !errors.Is(err, ErrTooComplex) {
		t.Fatalf("expected ErrTooComplex, got %v", err)
	}
}

func TestOverlongInputRejected(t *testing.T) {
	_, err := Parse(strings.Repeat("a", MaxInputLen+1), DialectPosix)
	if !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}

func TestEnvReferencesCollected(t *testing.T) {
	pc, err := Parse("mysql -u $DB_USER -p${DB_PASS}", DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seg := pc.Segments[0]
	if len(seg.EnvRefs) != 2 {
		t.Fatalf("expected 2 env refs, got %d: %+v", len(seg.EnvRefs), seg.EnvRefs)
	}
	if seg.EnvRefs[0].Name != "DB_USER" || seg.EnvRefs[1].Name != "DB_PASS" {
		t.Errorf("env ref names: %+v", seg.EnvRefs)
	}
}

func TestRedirections(t *testing.T) {
	pc, err := Parse("cmd > out.txt 2>> err.log < in.txt", DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Redirect{
		{Stream: 1, Mode: RedirOverwrite, Target: "out.txt"},
		{Stream: 2, Mode: RedirAppend, Target: "err.log"},
		{Stream: 0, Mode: RedirInput, Target: "in.txt"},
	}
	if diff := cmp.Diff(want, pc.Segments[0].Redirects); diff != "" {
		t.Errorf("redirects mismatch (-want +got):\n%s", diff)
	}
}

func TestRedirectMissingTarget(t *testing.T) {
	_, err := Parse("echo hi >", DialectPosix)
	var se *SyntaxError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SyntaxError, got %v", err)
	}
}

func TestBackgroundSegment(t *testing.T) {
	pc, err := Parse("sleep 5 &", DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pc.Segments[0].Background {
		t.Error("expected background flag")
	}
}

func TestLeadingPipeRejected(t *testing.T) {
	_, err := Parse("| wc -l", DialectPosix)
	if err == nil {
		t.Fatal("expected error for leading pipe")
	}
}

func TestTrailingPipeRejected(t *testing.T) {
	_, err := Parse("ls |", DialectPosix)
	if err == nil {
		t.Fatal("expected error for trailing pipe")
	}
}

func TestEmptyInput(t *testing.T) {
	for _, raw := range []string{"", "   ", "\t\n"} {
		_, err := Parse(raw, DialectPosix)
		if !errors.Is(err, ErrEmpty) {
			t.Errorf("%q: expected ErrEmpty, got %v", raw, err)
		}
	}
}

func TestCommentStripped(t *testing.T) {
	pc, err := Parse("echo hi # trailing comment", DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"hi"}, pc.Segments[0].Args); diff != "" {
		t.Errorf("comment leaked into args (-want +got):\n%s", diff)
	}
}

func TestHereDocDegradesWithWarning(t *testing.T) {
	pc, err := Parse("cat << EOF", DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pc.Warnings) == 0 {
		t.Error("expected a degradation warning for here-document")
	}
}

func TestPowerShellEnvRef(t *testing.T) {
	pc, err := Parse("Invoke-WebRequest -Uri $env:TARGET_URL", DialectPowerShell)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seg := pc.Segments[0]
	if seg.Name != "Invoke-WebRequest" {
		t.Errorf("name = %q", seg.Name)
	}
	if len(seg.EnvRefs) != 1 || seg.EnvRefs[0].Name != "TARGET_URL" {
		t.Errorf("env refs: %+v", seg.EnvRefs)
	}
}

func TestPowerShellSubexpression(t *testing.T) {
	pc, err := Parse("Write-Output $(Get-Date)", DialectPowerShell)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pc.HasSubstitution() {
		t.Fatal("subexpression not recorded as substitution")
	}
}

func TestWinCmdEnvRef(t *testing.T) {
	pc, err := Parse("copy %USERPROFILE%\\a.txt b.txt", DialectWinCmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seg := pc.Segments[0]
	if len(seg.EnvRefs) != 1 || seg.EnvRefs[0].Name != "USERPROFILE" {
		t.Errorf("env refs: %+v", seg.EnvRefs)
	}
}

func TestBasicModeIsLowConfidence(t *testing.T) {
	pc, err := Parse("frobnicate widget", DialectAuto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pc.LowConfidence {
		t.Error("plain words should fall back to low-confidence basic mode")
	}
	if pc.Segments[0].Name != "frobnicate" {
		t.Errorf("name = %q", pc.Segments[0].Name)
	}
}

func TestBasicModeMetacharactersLiteral(t *testing.T) {
	pc, err := parseBasic("echo a|b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pc.Segments) != 1 {
		t.Fatal("basic mode must not split on metacharacters")
	}
	if pc.Segments[0].Args[0] != "a|b" {
		t.Errorf("arg = %q", pc.Segments[0].Args[0])
	}
}

func TestDetectDialect(t *testing.T) {
	cases := []struct {
		raw     string
		want    Dialect
		certain bool
	}{
		{"#!/bin/bash\necho hi", DialectPosix, true},
		{"cat /etc/passwd | grep root", DialectPosix, true},
		{"Remove-Item -Recurse C:\\tmp", DialectPowerShell, true},
		{"echo $env:PATH", DialectPowerShell, true},
		{"copy %TEMP%\\f.txt .", DialectWinCmd, true},
		{"dir c:\\users", DialectWinCmd, true},
		{"rmdir /s /q c:\\tmp", DialectWinCmd, true},
		{"rmdir build", DialectBasic, false},
		{"frobnicate widget", DialectBasic, false},
	}
	for _, c := range cases {
		got, certain := DetectDialect(c.raw)
		if got != c.want || certain != c.certain {
			t.Errorf("DetectDialect(%q) = %v,%v; want %v,%v", c.raw, got, certain, c.want, c.certain)
		}
	}
}

func TestRawRetainedVerbatim(t *testing.T) {
	raw := `echo "hello"   # keep me`
	pc, err := Parse(raw, DialectPosix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pc.Raw != raw {
		t.Errorf("raw text not retained: %q", pc.Raw)
	}
}
