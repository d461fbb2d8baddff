package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sentinelops/cmdgate/internal/audit"
	"github.com/sentinelops/cmdgate/internal/checkpoint"
	"github.com/sentinelops/cmdgate/internal/config"
	"github.com/sentinelops/cmdgate/internal/history"
)

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <command-id>",
	Short: "Restore the filesystem snapshot taken before a command ran",
	Long: "Restores every path captured in the command's checkpoint: modified\n" +
		"files get their prior contents back, and paths the command created\n" +
		"are removed. Paths that fail to restore are reported individually.",
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func runRollback(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger()

	cps, err := checkpoint.NewManager(cfg.Checkpoint.Dir, cfg.Checkpoint.QuotaBytes, log)
	if err != nil {
		return err
	}
	cp, err := cps.ByCommand(args[0])
	if err != nil {
		return err
	}
	res, err := cps.Rollback(cp)
	if err != nil {
		return err
	}
	recordRollback(cfg, args[0], res, log)

	for _, p := range res.Restored {
		fmt.Printf("restored %s\n", p)
	}
	for p, ferr := range res.Failed {
		fmt.Fprintf(os.Stderr, "failed %s: %v\n", p, ferr)
	}
	if res.Partial {
		fmt.Fprintf(os.Stderr, "rollback incomplete: %d of %d path(s) failed\n",
			len(res.Failed), len(res.Restored)+len(res.Failed))
		os.Exit(1)
	}
	fmt.Printf("Rolled back %q (%d path(s))\n", args[0], len(res.Restored))
	return nil
}

// recordRollback lands the restore in the audit chain and history so
// the lifecycle stays complete even outside the submitting process.
func recordRollback(cfg *config.Config, commandID string, res *checkpoint.RollbackResult, log *logrus.Logger) {
	detail := fmt.Sprintf("%d path(s) restored", len(res.Restored))
	if res.Partial {
		detail = fmt.Sprintf("%s, %d failed", detail, len(res.Failed))
	}
	if al, err := audit.Open(cfg.AuditLog); err == nil {
		_ = al.Record(audit.Entry{CommandID: commandID, Stage: audit.StageRolledBack, Actor: actingUser(), Reason: detail})
		al.Close()
	}
	if hs, err := history.Open(cfg.HistoryDB, log); err == nil {
		_ = hs.Append(history.Record{CommandID: commandID, Stage: audit.StageRolledBack, Actor: actingUser(), Detail: detail})
		hs.Close()
	}
}
