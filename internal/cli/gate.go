package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/cmdgate/internal/engine"
)

var (
	flagGateCommand string
	flagGateTool    string
	flagGateCWD     string
	flagGatePrompt  string
	flagGateToken   string
)

func init() {
	gateCmd.Flags().StringVar(&flagGateCommand, "command", "", "raw shell command (default: read request JSON from stdin)")
	gateCmd.Flags().StringVar(&flagGateTool, "tool", "Bash", "calling tool name")
	gateCmd.Flags().StringVar(&flagGateCWD, "cwd", "", "working directory (default: current directory)")
	gateCmd.Flags().StringVar(&flagGatePrompt, "prompt", "", "delegation prompt for delegation tools")
	gateCmd.Flags().StringVar(&flagGateToken, "token", "", "approval token to consume")

	rootCmd.AddCommand(gateCmd)
}

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Evaluate a tool call and emit an allow/ask/deny decision",
	Long: `Evaluate one tool call against the rule tables, the session workflow, and
the approval gate. The decision is printed as JSON on stdout so callers can
wire cmdgate in as a pre-execution hook.

With --command the request is built from flags. Without it, a request JSON
object is read from stdin:

  {"tool_name": "Bash", "command": "rm -rf /data", "cwd": "/work",
   "session_id": "abc", "token_id": ""}

Exit status: 0 for allow, 2 for ask, 3 for deny.`,
	RunE: runGate,
}

func runGate(cmd *cobra.Command, args []string) error {
	req, err := gateRequest(cmd.InOrStdin())
	if err != nil {
		return err
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

	eng, err := newEngine(cfg, database)
	if err != nil {
		return err
	}

	dec, err := eng.Evaluate(req)
	if err != nil {
		return err
	}

	// Decisions always go to stdout as JSON regardless of -o; hook callers
	// parse this.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dec); err != nil {
		return err
	}

	switch dec.Action {
	case engine.ActionAllow:
		return nil
	case engine.ActionAsk:
		os.Exit(2)
	case engine.ActionDeny:
		os.Exit(3)
	}
	return nil
}

func gateRequest(stdin io.Reader) (*engine.Request, error) {
	if flagGateCommand != "" || flagGateTool != "Bash" {
		cwd := flagGateCWD
		if cwd == "" {
			cwd, _ = os.Getwd()
		}
		return &engine.Request{
			ToolName:  flagGateTool,
			Command:   flagGateCommand,
			CWD:       cwd,
			SessionID: GetSessionID(),
			Prompt:    flagGatePrompt,
			TokenID:   flagGateToken,
		}, nil
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("reading request from stdin: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, fmt.Errorf("no request: pass --command or pipe request JSON to stdin")
	}

	req := &engine.Request{}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("decoding request JSON: %w", err)
	}
	if req.SessionID == "" {
		req.SessionID = GetSessionID()
	}
	if req.CWD == "" {
		req.CWD, _ = os.Getwd()
	}
	if req.TokenID == "" {
		req.TokenID = flagGateToken
	}
	return req, nil
}
