package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/cmdgate/internal/audit"
	"github.com/Dicklesworthstone/cmdgate/internal/output"
)

var (
	flagAuditWindow int
	flagAuditN      int
)

func init() {
	auditStatsCmd.Flags().IntVar(&flagAuditWindow, "hours", 0, "stats window in hours (default from config)")
	auditTailCmd.Flags().IntVarP(&flagAuditN, "lines", "n", 20, "number of events to show")

	auditCmd.AddCommand(auditStatsCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditOutcomeCmd)

	rootCmd.AddCommand(auditCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the append-only decision log",
}

func openRecorder() (*audit.Recorder, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	dir := cfg.Audit.Dir
	if !filepath.IsAbs(dir) {
		if cwd, err := os.Getwd(); err == nil {
			dir = filepath.Join(cwd, dir)
		}
	}
	return audit.NewRecorder(dir)
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate decisions and outcomes over a time window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		hours := flagAuditWindow
		if hours <= 0 {
			hours = cfg.Audit.StatsWindowHours
		}

		recorder, err := openRecorder()
		if err != nil {
			return err
		}
		stats, err := recorder.Aggregate(time.Duration(hours) * time.Hour)
		if err != nil {
			return err
		}

		switch GetOutput() {
		case "json", "yaml":
			return output.New(output.Format(GetOutput())).Write(stats)
		default:
			fmt.Printf("window: %dh\n", hours)
			fmt.Printf("decisions: %d, outcomes: %d, approvals: %d, compound bypasses: %d\n",
				stats.Decisions, stats.Outcomes, stats.Approvals, stats.Bypasses)
			for tier, n := range stats.ByTier {
				fmt.Printf("  tier %-3s %d\n", tier, n)
			}
			for action, n := range stats.ByAction {
				fmt.Printf("  %-8s %d\n", action, n)
			}
			for outcome, n := range stats.ByOutcome {
				fmt.Printf("  %-8s %d\n", outcome, n)
			}
			return nil
		}
	},
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		recorder, err := openRecorder()
		if err != nil {
			return err
		}
		events, err := recorder.Tail(flagAuditN)
		if err != nil {
			return err
		}

		switch GetOutput() {
		case "json", "yaml":
			out := output.New(output.Format(GetOutput()))
			for _, ev := range events {
				if err := out.WriteNDJSON(ev); err != nil {
					return err
				}
			}
			return nil
		default:
			for _, ev := range events {
				switch ev.Kind {
				case audit.KindDecision:
					fmt.Printf("%s  %-8s %-3s %s\n",
						ev.At.Format(time.RFC3339), ev.Action, ev.Tier, ev.Command)
				case audit.KindOutcome:
					fmt.Printf("%s  outcome  %s (decision %s)\n",
						ev.At.Format(time.RFC3339), ev.Outcome, ev.DecisionID)
				case audit.KindApproval:
					fmt.Printf("%s  approval %s by %s\n",
						ev.At.Format(time.RFC3339), ev.TokenID, ev.Actor)
				}
			}
			return nil
		}
	},
}

var auditOutcomeCmd = &cobra.Command{
	Use:   "outcome <decision-id> <success|error|skipped>",
	Short: "Record what happened after an allowed command ran",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		eng, err := newEngine(cfg, database)
		if err != nil {
			return err
		}
		if err := eng.ReportOutcome(args[0], GetSessionID(), args[1], ""); err != nil {
			return err
		}

		output.New(output.Format(GetOutput())).Success("outcome recorded")
		return nil
	},
}
