package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinelops/cmdgate/internal/rules"
)

var (
	ruleType     string
	ruleKind     string
	rulePriority int
	ruleRoles    []string
	ruleReason   string
)

func init() {
	rootCmd.AddCommand(ruleCmd)
	ruleCmd.AddCommand(ruleListCmd)
	ruleCmd.AddCommand(ruleAddCmd)
	ruleCmd.AddCommand(ruleRemoveCmd)
	ruleCmd.AddCommand(ruleEnableCmd)
	ruleCmd.AddCommand(ruleDisableCmd)

	ruleAddCmd.Flags().StringVar(&ruleType, "type", "block", "Rule type: block or allow")
	ruleAddCmd.Flags().StringVar(&ruleKind, "kind", "glob", "Pattern kind: exact, glob or regex")
	ruleAddCmd.Flags().IntVar(&rulePriority, "priority", 0, "Evaluation priority (higher wins)")
	ruleAddCmd.Flags().StringArrayVar(&ruleRoles, "role", nil, "Restrict the rule to submitters holding this role (repeatable)")
	ruleAddCmd.Flags().StringVarP(&ruleReason, "reason", "r", "", "Explanation shown when the rule fires")
}

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage block and allow rules",
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rules in evaluation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openRules()
		if err != nil {
			return err
		}
		defer d.Close()

		list, err := d.ruleDB.List()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No rules.")
			return nil
		}
		fmt.Printf("%-24s %-6s %-6s %-5s %-8s %-40s %s\n", "ID", "TYPE", "KIND", "PRI", "ENABLED", "PATTERN", "REASON")
		for _, r := range list {
			fmt.Printf("%-24s %-6s %-6s %-5d %-8t %-40s %s\n",
				r.ID, r.Type, r.Kind, r.Priority, r.Enabled,
				truncate(r.Pattern, 40), truncate(r.Reason, 40))
		}
		return nil
	},
}

var ruleAddCmd = &cobra.Command{
	Use:   "add <id> <pattern>",
	Short: "Add a rule",
	Long: "Inserts a rule into the store. The pattern is validated at write\n" +
		"time; a malformed regex or glob is rejected here, never at\n" +
		"evaluation.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openRules()
		if err != nil {
			return err
		}
		defer d.Close()

		r := rules.Rule{
			ID:       args[0],
			Type:     rules.RuleType(ruleType),
			Pattern:  args[1],
			Kind:     rules.PatternKind(ruleKind),
			Priority: rulePriority,
			Roles:    ruleRoles,
			Enabled:  true,
			Reason:   ruleReason,
		}
		if err := d.ruleDB.Create(r); err != nil {
			return err
		}
		fmt.Printf("Added %s rule %q\n", r.Type, r.ID)
		return nil
	},
}

var ruleRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openRules()
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.ruleDB.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed rule %q\n", args[0])
		return nil
	},
}

var ruleEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRuleEnabled(args[0], true) },
}

var ruleDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRuleEnabled(args[0], false) },
}

func setRuleEnabled(id string, enabled bool) error {
	d, err := openRules()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.ruleDB.SetEnabled(id, enabled); err != nil {
		return err
	}
	state := "Disabled"
	if enabled {
		state = "Enabled"
	}
	fmt.Printf("%s rule %q\n", state, id)
	return nil
}
