package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinelops/cmdgate/internal/pipeline"
	"github.com/sentinelops/cmdgate/internal/sandbox"
	"github.com/sentinelops/cmdgate/internal/shellparse"
)

var (
	submitDir          string
	submitDialect      string
	submitCheckpoints  []string
	submitAutoRollback bool
	submitTimeout      time.Duration
	submitCPU          time.Duration
	submitMemory       int64
	submitMaxOutput    int64
	submitAllowNet     bool
	submitJSON         bool
)

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitDir, "dir", "", "Working directory inside the sandbox root")
	submitCmd.Flags().StringVar(&submitDialect, "dialect", "", "Shell dialect: posix, powershell, cmd, basic (default: detect)")
	submitCmd.Flags().StringArrayVar(&submitCheckpoints, "checkpoint", nil, "Path to snapshot before execution (repeatable)")
	submitCmd.Flags().BoolVar(&submitAutoRollback, "auto-rollback", false, "Restore checkpoints when execution fails")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "Wall-clock limit (default from config)")
	submitCmd.Flags().DurationVar(&submitCPU, "cpu", 0, "CPU-time limit (default from config)")
	submitCmd.Flags().Int64Var(&submitMemory, "memory", 0, "Memory limit in bytes (default from config)")
	submitCmd.Flags().Int64Var(&submitMaxOutput, "max-output", 0, "Captured output cap in bytes (default from config)")
	submitCmd.Flags().BoolVar(&submitAllowNet, "allow-network", false, "Do not isolate the command from the network")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Print the final ticket as JSON")
}

var submitCmd = &cobra.Command{
	Use:   "submit [flags] -- <command...>",
	Short: "Submit a command through the gate for execution",
	Long: "Parses and classifies the command, evaluates block/allow rules, and\n" +
		"executes it in the sandbox when permitted. Risky commands park on an\n" +
		"approval request: rerun the same submission after a reviewer approves.\n" +
		"Exit code 77 means the command was blocked or denied; 75 means it is\n" +
		"awaiting approval.",
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	d, err := openGate()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	ticket, err := d.gate.Submit(ctx, pipeline.Submission{
		Raw:             strings.Join(args, " "),
		Submitter:       actingUser(),
		Dialect:         shellparse.Dialect(submitDialect),
		Dir:             submitDir,
		Env:             os.Environ(),
		Limits:          submitLimits(d),
		CheckpointPaths: submitCheckpoints,
		AutoRollback:    submitAutoRollback,
	})
	if err != nil {
		if ticket != nil && submitJSON {
			printTicketJSON(ticket)
		}
		return err
	}

	if submitJSON {
		printTicketJSON(ticket)
	}
	return reportTicket(ticket)
}

// submitLimits merges flag overrides over the configured defaults.
func submitLimits(d *deps) sandbox.Limits {
	l := sandbox.Limits{
		WallClock:      d.cfg.Sandbox.WallClock,
		CPUTime:        d.cfg.Sandbox.CPUTime,
		MemoryBytes:    d.cfg.Sandbox.MemoryBytes,
		MaxOutputBytes: d.cfg.Sandbox.MaxOutputBytes,
		AllowNetwork:   d.cfg.Sandbox.AllowNetwork || submitAllowNet,
	}
	if submitTimeout > 0 {
		l.WallClock = submitTimeout
	}
	if submitCPU > 0 {
		l.CPUTime = submitCPU
	}
	if submitMemory > 0 {
		l.MemoryBytes = submitMemory
	}
	if submitMaxOutput > 0 {
		l.MaxOutputBytes = submitMaxOutput
	}
	return l
}

// reportTicket prints the outcome and maps terminal states to exit
// codes: 77 for blocked or denied, 75 for awaiting approval, the
// child's own code for a completed-but-nonzero run.
func reportTicket(t *pipeline.Ticket) error {
	switch t.State {
	case pipeline.StateBlocked:
		fmt.Fprintf(os.Stderr, "blocked by rule %s: %s\n", t.RuleID, t.Reason)
		os.Exit(77)
	case pipeline.StateDenied:
		fmt.Fprintf(os.Stderr, "denied: %s\n", t.Reason)
		os.Exit(77)
	case pipeline.StateExpired:
		fmt.Fprintf(os.Stderr, "approval expired: %s\n", t.Reason)
		os.Exit(77)
	case pipeline.StateAwaitingApproval:
		fmt.Fprintf(os.Stderr, "awaiting approval (%s)\n", t.Reason)
		fmt.Fprintf(os.Stderr, "To approve, run: cmdgate approve %s\n", t.ApprovalID)
		fmt.Fprintln(os.Stderr, "Then resubmit the same command; the approval is consumed on use.")
		os.Exit(75)
	case pipeline.StateFailed, pipeline.StateRolledBack:
		if !submitJSON {
			printResult(t.Result)
		}
		fmt.Fprintf(os.Stderr, "%s: %s\n", t.State, t.Reason)
		if t.Result != nil && t.Result.ExitCode > 0 {
			os.Exit(t.Result.ExitCode)
		}
		os.Exit(1)
	case pipeline.StateCompleted:
		if !submitJSON {
			printResult(t.Result)
		}
	}
	return nil
}

func printResult(res *sandbox.Result) {
	if res == nil {
		return
	}
	fmt.Print(res.Stdout)
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	if res.StdoutTruncated || res.StderrTruncated {
		fmt.Fprintln(os.Stderr, "(output truncated)")
	}
}

func printTicketJSON(t *pipeline.Ticket) {
	out, _ := json.MarshalIndent(t, "", "  ")
	fmt.Println(string(out))
}
