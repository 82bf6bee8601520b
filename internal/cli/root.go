// Package cli implements the Cobra command-line interface for cmdgate.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/cmdgate/internal/approval"
	"github.com/Dicklesworthstone/cmdgate/internal/audit"
	"github.com/Dicklesworthstone/cmdgate/internal/classify"
	"github.com/Dicklesworthstone/cmdgate/internal/config"
	"github.com/Dicklesworthstone/cmdgate/internal/db"
	"github.com/Dicklesworthstone/cmdgate/internal/engine"
	"github.com/Dicklesworthstone/cmdgate/internal/output"
	"github.com/Dicklesworthstone/cmdgate/internal/rules"
	"github.com/Dicklesworthstone/cmdgate/internal/workflow"
)

// Version information set by goreleaser
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flag values
var (
	flagConfig    string
	flagOutput    string
	flagJSON      bool
	flagVerbose   bool
	flagDB        string
	flagSessionID string
	flagProject   string
	flagActor     string
)

var rootCmd = &cobra.Command{
	Use:   "cmdgate",
	Short: "Command security gate for delegated automation agents",
	Long: `cmdgate classifies shell commands by risk tier and gates the risky ones
behind scoped, one-shot approval tokens.

Commands are classified into four tiers:
  T0 - read-only (allowed)
  T1 - local-only mutation (allowed)
  T2 - reversible remote mutation or unknown (requires approval)
  T3 - irreversible (requires approval)

Every decision is appended to a tamper-evident audit log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagProject == "" {
			return nil
		}
		if err := os.Chdir(flagProject); err != nil {
			return fmt.Errorf("changing directory to %s: %w", flagProject, err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := flagConfig
		if configPath == "" {
			home, _ := os.UserHomeDir()
			configPath = filepath.Join(home, ".cmdgate", "config.toml")
		}
		projectPath, _ := os.Getwd()

		payload := map[string]any{
			"version":      version,
			"commit":       commit,
			"build_date":   date,
			"go_version":   runtime.Version(),
			"config_path":  configPath,
			"db_path":      GetDB(),
			"project_path": projectPath,
		}

		switch GetOutput() {
		case "json", "yaml":
			return output.New(output.Format(GetOutput())).Write(payload)
		case "text":
			fmt.Printf("cmdgate %s\n", version)
			fmt.Printf("  commit:  %s\n", commit)
			fmt.Printf("  built:   %s\n", date)
			fmt.Printf("  go:      %s\n", runtime.Version())
			fmt.Printf("  config:  %s\n", configPath)
			fmt.Printf("  db:      %s\n", GetDB())
			fmt.Printf("  project: %s\n", projectPath)
			return nil
		default:
			return fmt.Errorf("unsupported format: %s", GetOutput())
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetOutput returns the configured output format.
// Precedence: CLI flags > CMDGATE_OUTPUT_FORMAT env > default
func GetOutput() string {
	if flagJSON {
		return "json"
	}
	if flagOutput != "text" {
		return flagOutput
	}

	if envFormat := os.Getenv("CMDGATE_OUTPUT_FORMAT"); envFormat != "" {
		switch envFormat {
		case "json", "yaml", "text":
			return envFormat
		}
	}

	return flagOutput
}

// GetDB returns the database path.
// Precedence: --db flag > config > project-local default > user-level default.
func GetDB() string {
	if flagDB != "" {
		return flagDB
	}
	if cfg, err := loadConfig(); err == nil && cfg.General.DatabasePath != "" {
		return cfg.General.DatabasePath
	}
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, ".cmdgate", "state.db")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cmdgate", "state.db")
}

// GetSessionID returns the session identifier from flag or environment.
func GetSessionID() string {
	if flagSessionID != "" {
		return flagSessionID
	}
	return os.Getenv("CMDGATE_SESSION_ID")
}

// GetActor returns who is performing the action, for the audit trail.
// Precedence: --actor flag > CMDGATE_ACTOR env > $USER.
func GetActor() string {
	if flagActor != "" {
		return flagActor
	}
	if actor := os.Getenv("CMDGATE_ACTOR"); actor != "" {
		return actor
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.LoadOptions{
		ProjectDir: flagProject,
		ConfigPath: flagConfig,
	})
}

func newLogger() *log.Logger {
	var out io.Writer = io.Discard
	if flagVerbose {
		out = os.Stderr
	}
	return log.NewWithOptions(out, log.Options{
		Level:           log.DebugLevel,
		ReportTimestamp: true,
		Prefix:          "cmdgate",
	})
}

func openDB() (*db.DB, error) {
	return db.OpenAndMigrate(GetDB())
}

// newEngine assembles the full decision pipeline from config.
func newEngine(cfg *config.Config, database *db.DB) (*engine.Engine, error) {
	logger := newLogger()

	table, err := loadRuleTable(cfg)
	if err != nil {
		return nil, err
	}

	auditDir := cfg.Audit.Dir
	if !filepath.IsAbs(auditDir) {
		if cwd, err := os.Getwd(); err == nil {
			auditDir = filepath.Join(cwd, auditDir)
		}
	}
	recorder, err := audit.NewRecorder(auditDir)
	if err != nil {
		return nil, err
	}

	tracker := workflow.NewTracker(database, workflow.Options{
		StaleAfter: time.Duration(cfg.General.StalenessWindowMins) * time.Minute,
		ErrorCap:   cfg.General.ErrorCap,
		Logger:     logger,
	})
	gate := approval.NewGate(database, approval.Options{
		TTL:    time.Duration(cfg.General.ApprovalTTLMins) * time.Minute,
		Logger: logger,
	})

	return engine.New(engine.Options{
		Classifier: classify.New(table),
		Tracker:    tracker,
		Gate:       gate,
		Recorder:   recorder,
		Policy: engine.Policy{
			TierActions:     cfg.Policy.TierActions,
			DenyCategories:  cfg.Policy.DenyCategories,
			DelegationTools: cfg.Delegation.Tools,
			RequiredFields:  cfg.Delegation.RequiredFields,
		},
		Logger: logger,
	})
}

// loadRuleTable merges configured rule files over the built-in table.
func loadRuleTable(cfg *config.Config) (*rules.Table, error) {
	table := rules.Default()
	for _, path := range cfg.Rules.Paths {
		extra, err := rules.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading rules from %s: %w", path, err)
		}
		table.Merge(extra)
	}
	return table, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "output format: text, json, yaml (env: CMDGATE_OUTPUT_FORMAT)")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "shorthand for --output=json")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path")
	rootCmd.PersistentFlags().StringVarP(&flagSessionID, "session-id", "s", "", "session ID (env: CMDGATE_SESSION_ID)")
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "C", "", "project directory")
	rootCmd.PersistentFlags().StringVar(&flagActor, "actor", "", "who is acting, recorded in the audit log (env: CMDGATE_ACTOR)")

	rootCmd.AddCommand(versionCmd)
}
