package rules

// DefaultBlockRules returns the built-in block rules seeded into an
// empty store. These cover unambiguously destructive commands; they can
// be disabled by an administrator but ship enabled.
func DefaultBlockRules() []Rule {
	mk := func(id, pattern string, kind PatternKind, reason string) Rule {
		return Rule{
			ID:       id,
			Type:     TypeBlock,
			Pattern:  pattern,
			Kind:     kind,
			Priority: 900,
			Enabled:  true,
			Reason:   reason,
		}
	}
	return []Rule{
		mk("default.rm-root", `^rm\s+(-[a-zA-Z]*[rR][a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*[rR][a-zA-Z]*)\s+/\s*$`, KindRegex,
			"recursive deletion of root"),
		mk("default.rm-home", `^rm\s+-[a-zA-Z]*[rR][a-zA-Z]*\s+~/?\s*$`, KindRegex,
			"recursive deletion of home directory"),
		mk("default.dd-zero", `dd if=/dev/zero*`, KindGlob,
			"raw overwrite from /dev/zero"),
		mk("default.dev-write", `*> /dev/sd*`, KindGlob,
			"redirect onto a raw block device"),
		mk("default.forkbomb", `:(){ :|:& };:`, KindExact,
			"shell fork bomb"),
		mk("default.mkfs", `mkfs*`, KindGlob,
			"filesystem creation destroys existing data"),
		mk("default.chmod-root", `chmod -R 777 /`, KindExact,
			"world-writable permissions on root"),
		mk("default.pipe-to-shell", `^(curl|wget)\b.*\|\s*(sh|bash|zsh|fish)\b.*$`, KindRegex,
			"piping a download straight into a shell"),
	}
}
