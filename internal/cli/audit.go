package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinelops/cmdgate/internal/audit"
)

var (
	timelineFrom string
	timelineTo   string
	timelineJSON bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTimelineCmd)
	auditTimelineCmd.Flags().StringVar(&timelineFrom, "from", "", "Lower time bound (RFC 3339)")
	auditTimelineCmd.Flags().StringVar(&timelineTo, "to", "", "Upper time bound (RFC 3339)")
	auditTimelineCmd.Flags().BoolVar(&timelineJSON, "json", false, "Print the timeline as JSON")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained lifecycle log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of the lifecycle log",
	Long: "Walks the JSONL lifecycle log and validates that every entry's\n" +
		"prev_hash matches the SHA-256 of the previous line. Exits 0 if valid,\n" +
		"1 if tampered.",
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

var auditTimelineCmd = &cobra.Command{
	Use:   "timeline <command-id>",
	Short: "Reconstruct a command's lifecycle from the log",
	Long:  "Filters the lifecycle log to one command and renders its stages in order, with a summary.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditTimeline,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if result.Valid {
		fmt.Printf("OK: %d entries verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTimeline(cmd *cobra.Command, args []string) error {
	path, err := auditPath(nil)
	if err != nil {
		return err
	}
	filter := audit.TimelineFilter{CommandID: args[0]}
	if timelineFrom != "" {
		t, err := time.Parse(time.RFC3339, timelineFrom)
		if err != nil {
			return fmt.Errorf("parse --from: %w", err)
		}
		filter.From = t
	}
	if timelineTo != "" {
		t, err := time.Parse(time.RFC3339, timelineTo)
		if err != nil {
			return fmt.Errorf("parse --to: %w", err)
		}
		filter.To = t
	}

	tl, err := audit.BuildTimeline(path, filter)
	if err != nil {
		return err
	}
	if timelineJSON {
		out, err := audit.FormatJSON(tl)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(audit.FormatTimeline(tl))
	return nil
}

// auditPath resolves an explicit path argument, falling back to the
// configured log location.
func auditPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.AuditLog, nil
}
