package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/cmdgate/internal/approval"
	"github.com/Dicklesworthstone/cmdgate/internal/db"
	"github.com/Dicklesworthstone/cmdgate/internal/output"
)

var (
	flagTokenScope        string
	flagTokenIssueScope   string
	flagTokenIssuePattern bool
)

func init() {
	tokenConsumeCmd.Flags().StringVar(&flagTokenScope, "scope", "", "operation scope presented for consumption")
	tokenIssueCmd.Flags().StringVar(&flagTokenIssueScope, "scope", "", "scope string or anchored regex the token will cover")
	tokenIssueCmd.Flags().BoolVar(&flagTokenIssuePattern, "pattern", false, "treat --scope as a regex pattern")

	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenShowCmd)
	tokenCmd.AddCommand(tokenConsumeCmd)

	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect and consume approval tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <session-id>",
	Short: "Issue a scoped token without the interactive prompt",
	Long: `Non-interactive counterpart of "approve": issue a one-shot token for a
session in PENDING_APPROVAL. Meant for scripted approval flows where a human
has already decided out of band.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagTokenIssueScope == "" {
			return fmt.Errorf("--scope is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		sess, err := database.GetSession(args[0])
		if err != nil {
			return err
		}

		gate := approval.NewGate(database, approval.Options{
			TTL:    time.Duration(cfg.General.ApprovalTTLMins) * time.Minute,
			Logger: newLogger(),
		})
		tok, err := gate.Request(sess, flagTokenIssueScope, flagTokenIssuePattern)
		if err != nil {
			return err
		}
		if err := recordApproval(sess.ID, tok.ID, tok.Scope); err != nil {
			return err
		}

		switch GetOutput() {
		case "json", "yaml":
			return output.New(output.Format(GetOutput())).Write(tokenPayload(tok))
		default:
			fmt.Println(tok.ID)
			return nil
		}
	},
}

var tokenShowCmd = &cobra.Command{
	Use:   "show <token-id>",
	Short: "Show a token's scope and state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		tok, err := database.GetToken(args[0])
		if err != nil {
			return err
		}

		switch GetOutput() {
		case "json", "yaml":
			return output.New(output.Format(GetOutput())).Write(tokenPayload(tok))
		default:
			fmt.Printf("token: %s\n", tok.ID)
			fmt.Printf("  session: %s\n", tok.SessionID)
			fmt.Printf("  scope:   %s\n", tok.Scope)
			fmt.Printf("  pattern: %v\n", tok.ScopePattern)
			fmt.Printf("  issued:  %s\n", tok.IssuedAt.Format(time.RFC3339))
			fmt.Printf("  state:   %s\n", tokenState(tok))
			return nil
		}
	},
}

var tokenConsumeCmd = &cobra.Command{
	Use:   "consume <token-id>",
	Short: "Consume a token against an operation scope",
	Long: `Spend a token against the given --scope. Consumption is one-shot and
atomic: once consumed, presenting the same token again fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagTokenScope == "" {
			return fmt.Errorf("--scope is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		gate := approval.NewGate(database, approval.Options{
			TTL:    time.Duration(cfg.General.ApprovalTTLMins) * time.Minute,
			Logger: newLogger(),
		})

		tok, err := gate.Consume(args[0], flagTokenScope)
		if err != nil {
			return err
		}

		output.New(output.Format(GetOutput())).Success(fmt.Sprintf("token %s consumed", tok.ID))
		return nil
	},
}

func tokenPayload(tok *db.Token) map[string]any {
	payload := map[string]any{
		"id":         tok.ID,
		"session_id": tok.SessionID,
		"scope":      tok.Scope,
		"pattern":    tok.ScopePattern,
		"issued_at":  tok.IssuedAt.Format(time.RFC3339),
		"state":      tokenState(tok),
	}
	if tok.ConsumedAt != nil {
		payload["consumed_at"] = tok.ConsumedAt.Format(time.RFC3339)
	}
	if tok.InvalidatedAt != nil {
		payload["invalidated_at"] = tok.InvalidatedAt.Format(time.RFC3339)
	}
	return payload
}

func tokenState(tok *db.Token) string {
	switch {
	case tok.Consumed():
		return "consumed"
	case tok.Invalidated():
		return "invalidated"
	default:
		return "live"
	}
}
