// Package redact masks credential-shaped values in free text. Every
// reason string, lifecycle event, audit line and log entry passes through
// Mask before it is constructed, so secrets embedded in command arguments
// never reach durable storage.
package redact

import (
	"regexp"
	"strings"
)

// mask is the replacement for a detected secret value.
const mask = "****"

// Compiled patterns for credential detection. Key/value forms keep the
// key visible and mask only the value.
var (
	// key=value and key: value pairs where the key suggests a secret.
	credKVRe = regexp.MustCompile(`(?i)((?:password|passwd|pwd|secret|token|api[_-]?key|apikey|auth|access[_-]?key)[ \t]*[=:][ \t]*)(\S+)`)

	// Single-dash password flags glued to their value: -pSECRET,
	// --password=SECRET. The mysql/mysqldump convention.
	passFlagRe = regexp.MustCompile(`(^|\s)(--password=|-p)(\S+)`)

	// Bearer and basic authorization header values.
	authHeaderRe = regexp.MustCompile(`(?i)\b(bearer|basic)[ \t]+([A-Za-z0-9+/._=-]{8,})`)

	// Well-known token shapes: AWS access keys, GitHub tokens, API keys.
	inlineKeyRe = regexp.MustCompile(`\b(AKIA[0-9A-Z]{16}|gh[pousr]_[A-Za-z0-9]{20,}|sk-[A-Za-z0-9]{20,})\b`)
)

// Mask replaces detected credential values in s with "****". The
// surrounding text, including the key names, is preserved so masked
// output stays readable.
func Mask(s string) string {
	if s == "" {
		return s
	}
	out := credKVRe.ReplaceAllString(s, "${1}"+mask)
	out = passFlagRe.ReplaceAllString(out, "${1}${2}"+mask)
	out = authHeaderRe.ReplaceAllString(out, "${1} "+mask)
	out = inlineKeyRe.ReplaceAllString(out, mask)
	return out
}

// ContainsSecret reports whether s carries at least one credential-shaped
// value. The classifier uses this as a risk signal without ever exposing
// the value itself.
func ContainsSecret(s string) bool {
	return credKVRe.MatchString(s) ||
		passFlagRe.MatchString(s) ||
		authHeaderRe.MatchString(s) ||
		inlineKeyRe.MatchString(s)
}

// MaskArgs masks each argument independently and returns a new slice.
// The input is never modified.
func MaskArgs(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = Mask(a)
	}
	return out
}

// MaskCommandLine renders a full command for humans: the joined, masked
// word list.
func MaskCommandLine(words []string) string {
	return Mask(strings.Join(words, " "))
}
