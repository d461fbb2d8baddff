package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var denyReason string

func init() {
	rootCmd.AddCommand(denyCmd)
	denyCmd.Flags().StringVarP(&denyReason, "reason", "r", "", "Reviewer note recorded with the decision")
}

var denyCmd = &cobra.Command{
	Use:   "deny <request-id>",
	Short: "Deny a pending command",
	Long: "Records a denial on the request. A single denial is final regardless\n" +
		"of how many approvals were already collected.",
	Args: cobra.ExactArgs(1),
	RunE: runDeny,
}

func runDeny(cmd *cobra.Command, args []string) error {
	d, err := openBase()
	if err != nil {
		return err
	}
	defer d.Close()

	if _, err := d.queue.Decide(args[0], actingUser(), false, denyReason); err != nil {
		return err
	}
	fmt.Printf("Denied %q\n", args[0])
	return nil
}
