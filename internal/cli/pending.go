package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending approval requests",
	Long:  "Shows all open approval requests with their risk category, collected votes, and deadline.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	d, err := openBase()
	if err != nil {
		return err
	}
	defer d.Close()

	list := d.queue.Pending()
	if len(list) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	fmt.Printf("%-18s %-10s %-10s %-6s %-40s %s\n", "ID", "SUBMITTER", "RISK", "VOTES", "COMMAND", "DEADLINE")
	for _, r := range list {
		fmt.Printf("%-18s %-10s %-10s %d/%-4d %-40s %s\n",
			r.ID,
			r.Submitter,
			r.Category,
			len(r.Decisions), r.Required,
			truncate(r.Command, 40),
			r.Deadline.Format("15:04:05"),
		)
	}
	return nil
}
