package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/cmdgate/internal/classify"
	"github.com/Dicklesworthstone/cmdgate/internal/output"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check <command...>",
	Short: "Classify a command without touching any session state",
	Long: `Classify a command against the rule tables and print the verdict.

This is a dry inspection: no session is created, no token is consumed, and
nothing is written to the audit log.

Examples:
  cmdgate check "kubectl get pods -n default"
  cmdgate check "terraform apply -auto-approve"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	raw := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	table, err := loadRuleTable(cfg)
	if err != nil {
		return err
	}

	res := classify.New(table).Classify(raw)

	payload := map[string]any{
		"command":         raw,
		"tier":            string(res.Tier),
		"rule_id":         res.RuleID,
		"compound_bypass": res.CompoundBypass,
		"parse_failed":    res.ParseFailed,
	}
	if res.Category != "" {
		payload["category"] = string(res.Category)
	}
	if res.ParseErr != nil {
		payload["parse_error"] = res.ParseErr.Error()
	}

	verdicts := make([]map[string]any, 0, len(res.Verdicts))
	for _, v := range res.Verdicts {
		verdicts = append(verdicts, map[string]any{
			"program": v.Atom.Program,
			"tier":    string(v.Tier),
			"rule_id": v.RuleID,
			"blocked": v.MatchedBlocklist,
			"dry_run": v.DryRun,
		})
	}
	payload["verdicts"] = verdicts

	switch GetOutput() {
	case "json", "yaml":
		return output.New(output.Format(GetOutput())).Write(payload)
	default:
		fmt.Printf("%s  %s\n", res.Tier, raw)
		for _, v := range res.Verdicts {
			fmt.Printf("  %s  %-20s rule=%s\n", v.Tier, v.Atom.Program, v.RuleID)
		}
		if res.CompoundBypass {
			fmt.Println("  ! compound chain hides a restricted operation")
		}
		if res.ParseFailed {
			fmt.Printf("  ! parse failed: %v\n", res.ParseErr)
		}
		return nil
	}
}
