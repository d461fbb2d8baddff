package shellparse

import (
	"regexp"
	"strings"
)

// cmdletRe matches PowerShell Verb-Noun command heads such as
// Remove-Item or Invoke-WebRequest.
var cmdletRe = regexp.MustCompile(`^[A-Z][a-z]+(-[A-Z][A-Za-z]+)+$`)

// percentRefRe matches cmd.exe %VAR% environment references.
var percentRefRe = regexp.MustCompile(`%[A-Za-z_][A-Za-z0-9_]*%`)

// cmdBuiltins are command heads that strongly indicate cmd.exe syntax.
var cmdBuiltins = map[string]bool{
	"dir": true, "copy": true, "del": true, "erase": true, "ren": true,
	"move": true, "xcopy": true, "robocopy": true, "attrib": true,
	"rd": true, "reg": true, "schtasks": true,
}

// cmdSwitchRe matches cmd.exe style /x switches.
var cmdSwitchRe = regexp.MustCompile(`(?i)\s/[a-z]\b`)

// psOperators are PowerShell comparison operators that do not occur in
// POSIX shells as bare words.
var psOperators = []string{"-eq", "-ne", "-like", "-match", "-contains", "-replace"}

// DetectDialect inspects raw command text and guesses its shell dialect.
// The second return value reports whether the guess is confident; callers
// fall back to basic mode otherwise, so detection never blocks parsing.
func DetectDialect(raw string) (Dialect, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DialectBasic, false
	}

	// Shebang-style hints win outright.
	if strings.HasPrefix(trimmed, "#!") {
		line := trimmed
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		switch {
		case strings.Contains(line, "pwsh"), strings.Contains(line, "powershell"):
			return DialectPowerShell, true
		case strings.Contains(line, "sh"): // sh, bash, zsh, dash
			return DialectPosix, true
		}
	}

	head := trimmed
	if i := strings.IndexAny(head, " \t"); i >= 0 {
		head = head[:i]
	}

	// PowerShell markers.
	if cmdletRe.MatchString(head) || strings.Contains(trimmed, "$env:") {
		return DialectPowerShell, true
	}
	for _, op := range psOperators {
		if strings.Contains(trimmed, " "+op+" ") {
			return DialectPowerShell, true
		}
	}

	// cmd.exe markers. rmdir exists on POSIX too, so only its /s-style
	// switch form counts as a signal.
	if percentRefRe.MatchString(trimmed) || cmdBuiltins[strings.ToLower(head)] {
		return DialectWinCmd, true
	}
	if strings.EqualFold(head, "rmdir") && cmdSwitchRe.MatchString(trimmed) {
		return DialectWinCmd, true
	}

	// POSIX metacharacters: quoting, substitution, pipes, redirects.
	if strings.ContainsAny(trimmed, "|&;<>$`'\"\\") {
		return DialectPosix, true
	}

	// Plain words only: nothing distinguishes the dialects, and basic
	// mode parses them all identically.
	return DialectBasic, false
}
