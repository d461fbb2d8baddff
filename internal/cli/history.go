package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinelops/cmdgate/internal/history"
)

var (
	historyLimit  int
	historySearch string
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of records")
	historyCmd.Flags().StringVar(&historySearch, "search", "", "Filter by command text (substring match)")
}

var historyCmd = &cobra.Command{
	Use:   "history [command-id]",
	Short: "Show recorded command lifecycles",
	Long: "Without arguments, lists the most recent lifecycle records. With a\n" +
		"command id, shows that command's full lifecycle in order.",
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	d, err := openHistory()
	if err != nil {
		return err
	}
	defer d.Close()

	var records []history.Record
	switch {
	case len(args) == 1:
		records, err = d.hist.ByCommand(args[0])
	case historySearch != "":
		records, err = d.hist.Search(historySearch, historyLimit)
	default:
		records, err = d.hist.Recent(historyLimit)
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No history.")
		return nil
	}

	fmt.Printf("%-20s %-12s %-18s %-10s %-40s %s\n", "TIME", "COMMAND", "STAGE", "ACTOR", "TEXT", "DETAIL")
	for _, r := range records {
		fmt.Printf("%-20s %-12s %-18s %-10s %-40s %s\n",
			r.At.Format("2006-01-02 15:04:05"),
			truncate(r.CommandID, 12),
			r.Stage,
			r.Actor,
			truncate(r.Command, 40),
			truncate(r.Detail, 40),
		)
	}
	return nil
}
