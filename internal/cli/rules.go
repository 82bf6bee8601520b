package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/cmdgate/internal/output"
	"github.com/Dicklesworthstone/cmdgate/internal/shellparse"
)

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesTestCmd)

	rootCmd.AddCommand(rulesCmd)
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect the safe and blocked rule tables",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the effective rule tables and their hash",
	Long: `Print the merged rule tables (built-ins plus configured rule files).

The table hash changes whenever any rule changes, so approvers can pin the
rule set a decision was made under.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		table, err := loadRuleTable(cfg)
		if err != nil {
			return err
		}

		switch GetOutput() {
		case "json", "yaml":
			return output.New(output.Format(GetOutput())).Write(map[string]any{
				"version": table.Version,
				"hash":    table.Hash(),
				"safe":    table.Safe,
				"blocked": table.Blocked,
			})
		default:
			fmt.Printf("rule table v%s  hash=%s\n", table.Version, table.Hash())
			fmt.Printf("safe (%d):\n", len(table.Safe))
			for _, r := range table.Safe {
				fmt.Printf("  %-24s %s\n", r.ID, r.Description)
			}
			fmt.Printf("blocked (%d):\n", len(table.Blocked))
			for _, r := range table.Blocked {
				fmt.Printf("  %-24s [%s] %s\n", r.ID, r.Category, r.Description)
			}
			return nil
		}
	},
}

var rulesTestCmd = &cobra.Command{
	Use:   "test <command...>",
	Short: "Show which rules match each sub-command",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := strings.Join(args, " ")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		table, err := loadRuleTable(cfg)
		if err != nil {
			return err
		}

		atoms, err := shellparse.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse: %w", err)
		}

		results := make([]map[string]any, 0, len(atoms))
		for _, atom := range atoms {
			entry := map[string]any{"program": atom.Program, "raw": atom.Raw}
			if m := table.MatchBlocked(atom.Program, atom.Args); m.Blocked {
				entry["blocked"] = true
				entry["rule_id"] = m.RuleID
				entry["category"] = string(m.Category)
				entry["dry_run"] = m.DryRun
			} else if ok, ruleID := table.MatchSafe(atom.Program, atom.Args); ok {
				entry["safe"] = true
				entry["rule_id"] = ruleID
			}
			results = append(results, entry)
		}

		switch GetOutput() {
		case "json", "yaml":
			return output.New(output.Format(GetOutput())).Write(results)
		default:
			for _, entry := range results {
				rule, _ := entry["rule_id"].(string)
				if rule == "" {
					rule = "(no match)"
				}
				fmt.Printf("  %-20s %s\n", entry["program"], rule)
			}
			return nil
		}
	},
}
