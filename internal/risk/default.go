package risk

// DefaultPatterns returns the built-in dangerous-pattern set used when
// no feed file is configured. A feed file replaces (not extends) these.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{ID: "core.rm-root", Pattern: `(^|[;&|]\s*)rm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)[a-zA-Z]*\s+/(\s|$)`, Kind: KindRegex, Severity: SevCritical,
			Description: "recursive forced deletion of the filesystem root"},
		{ID: "core.forkbomb", Pattern: `:(){ :|:& };:`, Kind: KindSubstring, Severity: SevCritical,
			Description: "shell fork bomb"},
		{ID: "core.dd-device", Pattern: `dd\s+if=.*of=/dev/(sd|nvme|hd|vd)`, Kind: KindRegex, Severity: SevCritical,
			Description: "raw write onto a block device"},
		{ID: "core.mkfs", Pattern: `(^|\s)mkfs(\.[a-z0-9]+)?\s`, Kind: KindRegex, Severity: SevCritical,
			Description: "filesystem creation destroys existing data"},
		{ID: "core.rm-recursive", Pattern: `(^|[;&|]\s*)rm\s+-[a-zA-Z]*r`, Kind: KindRegex, Severity: SevHigh,
			Description: "recursive deletion"},
		{ID: "core.chmod-777", Pattern: `chmod\s+(-R\s+)?777`, Kind: KindRegex, Severity: SevHigh,
			Description: "world-writable permission change"},
		{ID: "core.shadow-read", Pattern: `/etc/shadow`, Kind: KindSubstring, Severity: SevHigh,
			Description: "access to the system password hashes"},
		{ID: "core.ssh-keys", Pattern: `\.ssh/(id_[a-z0-9]+|authorized_keys)`, Kind: KindRegex, Severity: SevHigh,
			Description: "access to SSH key material"},
		{ID: "core.history-wipe", Pattern: `history\s+-c`, Kind: KindRegex, Severity: SevMedium,
			Description: "clearing shell history"},
		{ID: "core.iptables-flush", Pattern: `iptables\s+(-F|--flush)`, Kind: KindRegex, Severity: SevHigh,
			Description: "flushing firewall rules"},
		{ID: "core.userdel", Pattern: `(^|\s)(userdel|groupdel)\s`, Kind: KindRegex, Severity: SevMedium,
			Description: "account removal"},
		{ID: "core.systemctl-stop", Pattern: `systemctl\s+(stop|disable|mask)\s`, Kind: KindRegex, Severity: SevMedium,
			Description: "stopping or disabling a system service"},
		{ID: "core.db-dump", Pattern: `(^|\s)(mysqldump|pg_dump|mongodump)\s`, Kind: KindRegex, Severity: SevHigh,
			Description: "bulk database export"},
		{ID: "core.git-force-push", Pattern: `git\s+push\s+.*(-f|--force)`, Kind: KindRegex, Severity: SevMedium,
			Description: "force push rewrites shared history"},
		{ID: "core.crontab-replace", Pattern: `crontab\s+-r`, Kind: KindRegex, Severity: SevMedium,
			Description: "removing all scheduled jobs"},
	}
}
