package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinelops/cmdgate/internal/approval"
)

var approveReason string

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().StringVarP(&approveReason, "reason", "r", "", "Reviewer note recorded with the decision")
}

var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending command",
	Long: "Records an approval vote on the request. The acting user must hold a\n" +
		"role eligible for the command's risk category; submitters cannot vote\n" +
		"on their own requests. The approval is one-time: it is consumed when\n" +
		"the command is resubmitted.",
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	d, err := openBase()
	if err != nil {
		return err
	}
	defer d.Close()

	req, err := d.queue.Decide(args[0], actingUser(), true, approveReason)
	if err != nil {
		return err
	}
	if req.Status == approval.StatusPending {
		fmt.Printf("Recorded approval %d of %d for %q\n", len(req.Decisions), req.Required, args[0])
		return nil
	}
	fmt.Printf("Approved %q (one-time use)\n", args[0])
	return nil
}
