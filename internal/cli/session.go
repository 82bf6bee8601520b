package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/cmdgate/internal/db"
	"github.com/Dicklesworthstone/cmdgate/internal/output"
	"github.com/Dicklesworthstone/cmdgate/internal/workflow"
)

var (
	flagSessionPhase  string
	flagSessionDryRun bool
)

func init() {
	sessionListCmd.Flags().StringVar(&flagSessionPhase, "phase", "", "filter by workflow phase")
	sessionGCCmd.Flags().BoolVar(&flagSessionDryRun, "dry-run", false, "report stale sessions without deleting them")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	sessionCmd.AddCommand(sessionGCCmd)

	rootCmd.AddCommand(sessionCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent workflow sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new session in INVESTIGATING",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		sess := &db.Session{ID: flagSessionID, Phase: string(workflow.PhaseInvestigating)}
		if err := database.CreateSession(sess); err != nil {
			return err
		}

		out := output.New(output.Format(GetOutput()))
		switch GetOutput() {
		case "json", "yaml":
			return out.Write(sessionPayload(sess))
		default:
			fmt.Println(sess.ID)
			return nil
		}
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		var sessions []*db.Session
		if flagSessionPhase != "" {
			sessions, err = database.ListSessionsInPhase(flagSessionPhase)
		} else {
			sessions, err = database.ListSessions()
		}
		if err != nil {
			return err
		}

		switch GetOutput() {
		case "json", "yaml":
			payload := make([]map[string]any, 0, len(sessions))
			for _, s := range sessions {
				payload = append(payload, sessionPayload(s))
			}
			return output.New(output.Format(GetOutput())).Write(payload)
		default:
			for _, s := range sessions {
				fmt.Printf("%-36s  %-19s errors=%d  active=%s\n",
					s.ID, s.Phase, s.ErrorCount, s.LastActiveAt.Format(time.RFC3339))
			}
			return nil
		}
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its phase history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		sess, err := database.GetSession(args[0])
		if err != nil {
			return err
		}
		transitions, err := database.ListTransitions(sess.ID)
		if err != nil {
			return err
		}

		switch GetOutput() {
		case "json", "yaml":
			payload := sessionPayload(sess)
			history := make([]map[string]any, 0, len(transitions))
			for _, tr := range transitions {
				history = append(history, map[string]any{
					"from": tr.FromPhase,
					"to":   tr.ToPhase,
					"at":   tr.At.Format(time.RFC3339),
				})
			}
			payload["transitions"] = history
			return output.New(output.Format(GetOutput())).Write(payload)
		default:
			fmt.Printf("session: %s\n", sess.ID)
			fmt.Printf("  phase:   %s\n", sess.Phase)
			fmt.Printf("  errors:  %d\n", sess.ErrorCount)
			fmt.Printf("  started: %s\n", sess.StartedAt.Format(time.RFC3339))
			fmt.Printf("  active:  %s\n", sess.LastActiveAt.Format(time.RFC3339))
			for _, tr := range transitions {
				fmt.Printf("  %s  %s -> %s\n", tr.At.Format(time.RFC3339), tr.FromPhase, tr.ToPhase)
			}
			return nil
		}
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "Mark a session COMPLETE",
	Args:  cobra.ExactArgs(1),
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
		if err := eng.Complete(args[0]); err != nil {
			return err
		}

		output.New(output.Format(GetOutput())).Success(fmt.Sprintf("session %s complete", args[0]))
		return nil
	},
}

var sessionGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete sessions past the staleness window",
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

		tracker := workflow.NewTracker(database, workflow.Options{
			StaleAfter: time.Duration(cfg.General.StalenessWindowMins) * time.Minute,
			ErrorCap:   cfg.General.ErrorCap,
			Logger:     newLogger(),
		})

		res, err := tracker.GarbageCollect(flagSessionDryRun)
		if err != nil {
			return err
		}

		switch GetOutput() {
		case "json", "yaml":
			return output.New(output.Format(GetOutput())).Write(map[string]any{
				"threshold_minutes": int(res.Threshold.Minutes()),
				"stale":             len(res.Stale),
				"deleted":           len(res.DeletedID),
				"dry_run":           flagSessionDryRun,
			})
		default:
			fmt.Printf("stale: %d, deleted: %d\n", len(res.Stale), len(res.DeletedID))
			return nil
		}
	},
}

func sessionPayload(s *db.Session) map[string]any {
	return map[string]any{
		"id":             s.ID,
		"phase":          s.Phase,
		"error_count":    s.ErrorCount,
		"started_at":     s.StartedAt.Format(time.RFC3339),
		"last_active_at": s.LastActiveAt.Format(time.RFC3339),
	}
}
