package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/cmdgate/internal/approval"
	"github.com/Dicklesworthstone/cmdgate/internal/audit"
	"github.com/Dicklesworthstone/cmdgate/internal/output"
	"github.com/Dicklesworthstone/cmdgate/internal/workflow"
)

var (
	flagApproveScope   string
	flagApprovePattern bool
	flagApproveYes     bool
)

func init() {
	approveCmd.Flags().StringVar(&flagApproveScope, "scope", "", "scope string or anchored regex the token will cover")
	approveCmd.Flags().BoolVar(&flagApprovePattern, "pattern", false, "treat --scope as a regex pattern")
	approveCmd.Flags().BoolVarP(&flagApproveYes, "yes", "y", false, "skip the interactive confirmation")

	rootCmd.AddCommand(approveCmd)
}

var approveCmd = &cobra.Command{
	Use:   "approve <session-id>",
	Short: "Approve a pending session and issue a one-shot token",
	Long: `Issue an approval token for a session in PENDING_APPROVAL.

The token is scoped: it authorizes exactly the operation described by --scope
and nothing else. By default the scope must match exactly; with --pattern it
is an anchored regular expression.

Issuing a new token invalidates any live token the session already holds.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	if flagApproveScope == "" {
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
	if workflow.Phase(sess.Phase) != workflow.PhasePendingApproval {
		return fmt.Errorf("session %s is %s, not %s", sess.ID, sess.Phase, workflow.PhasePendingApproval)
	}

	if !flagApproveYes {
		ok, err := confirmApproval(sess.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("approval declined")
		}
	}

	gate := approval.NewGate(database, approval.Options{
		TTL:    time.Duration(cfg.General.ApprovalTTLMins) * time.Minute,
		Logger: newLogger(),
	})

	tok, err := gate.Request(sess, flagApproveScope, flagApprovePattern)
	if err != nil {
		return err
	}
	if err := recordApproval(sess.ID, tok.ID, tok.Scope); err != nil {
		return err
	}

	switch GetOutput() {
	case "json", "yaml":
		return output.New(output.Format(GetOutput())).Write(map[string]any{
			"token_id":   tok.ID,
			"session_id": tok.SessionID,
			"scope":      tok.Scope,
			"pattern":    tok.ScopePattern,
			"issued_at":  tok.IssuedAt.Format(time.RFC3339),
			"ttl_mins":   cfg.General.ApprovalTTLMins,
		})
	default:
		fmt.Println(tok.ID)
		return nil
	}
}

// recordApproval writes a token-issuance event so the audit trail shows who
// approved what, not just that a token was later consumed.
func recordApproval(sessionID, tokenID, scope string) error {
	recorder, err := openRecorder()
	if err != nil {
		return err
	}
	return recorder.Record(&audit.Event{
		Kind:      audit.KindApproval,
		SessionID: sessionID,
		TokenID:   tokenID,
		Actor:     GetActor(),
		Detail:    scope,
	})
}

// confirmApproval prompts on the terminal. A non-interactive stdin cannot
// confirm; the caller must pass --yes explicitly.
func confirmApproval(sessionID string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("stdin is not a terminal; use --yes to approve non-interactively")
	}

	fmt.Fprintf(os.Stderr, "Approve session %s for scope:\n  %s\nType 'approve' to confirm: ",
		sessionID, flagApproveScope)

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	return strings.TrimSpace(line) == "approve", nil
}
