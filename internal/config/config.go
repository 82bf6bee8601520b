// Package config loads layered cmdgate configuration: built-in defaults, the
// user config, the project config, CMDGATE_* environment variables, and flag
// overrides, in ascending precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	General    GeneralConfig    `mapstructure:"general" toml:"general" json:"general"`
	Policy     PolicyConfig     `mapstructure:"policy" toml:"policy" json:"policy"`
	Delegation DelegationConfig `mapstructure:"delegation" toml:"delegation" json:"delegation"`
	Audit      AuditConfig      `mapstructure:"audit" toml:"audit" json:"audit"`
	Rules      RulesConfig      `mapstructure:"rules" toml:"rules" json:"rules"`
}

// GeneralConfig holds session and token settings.
type GeneralConfig struct {
	DatabasePath        string `mapstructure:"database_path" toml:"database_path" json:"database_path"`
	StalenessWindowMins int    `mapstructure:"staleness_window_minutes" toml:"staleness_window_minutes" json:"staleness_window_minutes"`
	ErrorCap            int    `mapstructure:"error_cap" toml:"error_cap" json:"error_cap"`
	ApprovalTTLMins     int    `mapstructure:"approval_ttl_minutes" toml:"approval_ttl_minutes" json:"approval_ttl_minutes"`
}

// PolicyConfig maps tiers to decisions and names categories that are denied
// outright instead of escalated.
type PolicyConfig struct {
	TierActions    map[string]string `mapstructure:"tier_actions" toml:"tier_actions" json:"tier_actions"`
	DenyCategories []string          `mapstructure:"deny_categories" toml:"deny_categories" json:"deny_categories"`
}

// DelegationConfig names the delegation tools the gate validates and the
// fields their calls must carry.
type DelegationConfig struct {
	Tools          []string `mapstructure:"tools" toml:"tools" json:"tools"`
	RequiredFields []string `mapstructure:"required_fields" toml:"required_fields" json:"required_fields"`
}

// AuditConfig controls the audit log location and the stats window.
type AuditConfig struct {
	Dir              string `mapstructure:"dir" toml:"dir" json:"dir"`
	StatsWindowHours int    `mapstructure:"stats_window_hours" toml:"stats_window_hours" json:"stats_window_hours"`
}

// RulesConfig lists extra rule table files merged over the built-ins.
type RulesConfig struct {
	Paths []string `mapstructure:"paths" toml:"paths" json:"paths"`
}

// Valid decision actions for policy.tier_actions.
var validActions = map[string]bool{"allow": true, "ask": true, "deny": true}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DatabasePath:        "",
			StalenessWindowMins: 30,
			ErrorCap:            3,
			ApprovalTTLMins:     15,
		},
		Policy: PolicyConfig{
			TierActions: map[string]string{
				"T0": "allow",
				"T1": "allow",
				"T2": "ask",
				"T3": "ask",
			},
			DenyCategories: []string{"credential-exposure"},
		},
		Delegation: DelegationConfig{
			Tools:          []string{"Task"},
			RequiredFields: []string{"prompt", "session_id"},
		},
		Audit: AuditConfig{
			Dir:              ".cmdgate/audit",
			StatsWindowHours: 24,
		},
		Rules: RulesConfig{},
	}
}

// Validate checks a loaded configuration and returns all problems at once.
func Validate(cfg *Config) error {
	var problems []string

	if cfg.General.StalenessWindowMins <= 0 {
		problems = append(problems, "general.staleness_window_minutes must be positive")
	}
	if cfg.General.ErrorCap <= 0 {
		problems = append(problems, "general.error_cap must be positive")
	}
	if cfg.General.ApprovalTTLMins <= 0 {
		problems = append(problems, "general.approval_ttl_minutes must be positive")
	}

	for tier, action := range cfg.Policy.TierActions {
		switch tier {
		case "T0", "T1", "T2", "T3":
		default:
			problems = append(problems, fmt.Sprintf("policy.tier_actions: unknown tier %q", tier))
		}
		if !validActions[action] {
			problems = append(problems, fmt.Sprintf("policy.tier_actions[%s]: unknown action %q", tier, action))
		}
	}

	if cfg.Audit.Dir == "" {
		problems = append(problems, "audit.dir must not be empty")
	}
	if cfg.Audit.StatsWindowHours <= 0 {
		problems = append(problems, "audit.stats_window_hours must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// LoadOptions controls where Load looks for config files.
type LoadOptions struct {
	// ProjectDir is the project root; empty means the current directory.
	ProjectDir string
	// ConfigPath overrides the project config file location.
	ConfigPath string
	// FlagOverrides apply last, keyed by dotted config key.
	FlagOverrides map[string]any
}

// envBindings maps dotted config keys to CMDGATE_* environment variables.
var envBindings = map[string]string{
	"general.database_path":            "CMDGATE_DATABASE_PATH",
	"general.staleness_window_minutes": "CMDGATE_STALENESS_WINDOW_MINUTES",
	"general.error_cap":                "CMDGATE_ERROR_CAP",
	"general.approval_ttl_minutes":     "CMDGATE_APPROVAL_TTL_MINUTES",
	"policy.deny_categories":           "CMDGATE_DENY_CATEGORIES",
	"delegation.tools":                 "CMDGATE_DELEGATION_TOOLS",
	"delegation.required_fields":       "CMDGATE_DELEGATION_REQUIRED_FIELDS",
	"audit.dir":                        "CMDGATE_AUDIT_DIR",
	"audit.stats_window_hours":         "CMDGATE_STATS_WINDOW_HOURS",
	"rules.paths":                      "CMDGATE_RULES_PATHS",
}

// Load reads configuration in precedence order and validates the result.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userPath, projectPath := ConfigPaths(opts.ProjectDir, opts.ConfigPath)
	if err := mergeConfigFile(v, userPath); err != nil {
		return nil, fmt.Errorf("user config: %w", err)
	}
	if err := mergeConfigFile(v, projectPath); err != nil {
		return nil, fmt.Errorf("project config: %w", err)
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding env %s: %w", env, err)
		}
	}

	for key, val := range opts.FlagOverrides {
		v.Set(key, val)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("general.database_path", def.General.DatabasePath)
	v.SetDefault("general.staleness_window_minutes", def.General.StalenessWindowMins)
	v.SetDefault("general.error_cap", def.General.ErrorCap)
	v.SetDefault("general.approval_ttl_minutes", def.General.ApprovalTTLMins)
	v.SetDefault("policy.tier_actions", def.Policy.TierActions)
	v.SetDefault("policy.deny_categories", def.Policy.DenyCategories)
	v.SetDefault("delegation.tools", def.Delegation.Tools)
	v.SetDefault("delegation.required_fields", def.Delegation.RequiredFields)
	v.SetDefault("audit.dir", def.Audit.Dir)
	v.SetDefault("audit.stats_window_hours", def.Audit.StatsWindowHours)
	v.SetDefault("rules.paths", def.Rules.Paths)
}

// ConfigPaths returns the user and project config file paths.
func ConfigPaths(projectDir, configPath string) (userPath, projectPath string) {
	home, err := os.UserHomeDir()
	if err == nil {
		userPath = filepath.Join(home, ".cmdgate", "config.toml")
	}
	return userPath, projectConfigPath(projectDir, configPath)
}

func projectConfigPath(projectDir, configPath string) string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(projectDir, ".cmdgate", "config.toml")
}

// mergeConfigFile merges a TOML config file into v. A missing file is a
// no-op; an unreadable or malformed file is an error.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not a config file", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	v.SetConfigType("toml")
	if err := v.MergeConfig(f); err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	return nil
}

// valueKind is the parse type of a config key.
type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindBool
	kindStringSlice
)

// keyKinds registers every settable dotted key with its parse type.
var keyKinds = map[string]valueKind{
	"general.database_path":            kindString,
	"general.staleness_window_minutes": kindInt,
	"general.error_cap":                kindInt,
	"general.approval_ttl_minutes":     kindInt,
	"policy.deny_categories":           kindStringSlice,
	"delegation.tools":                 kindStringSlice,
	"delegation.required_fields":       kindStringSlice,
	"audit.dir":                        kindString,
	"audit.stats_window_hours":         kindInt,
	"rules.paths":                      kindStringSlice,
}

// ParseValue converts a raw string to the typed value for a config key.
func ParseValue(key, raw string) (any, error) {
	kind, ok := keyKinds[key]
	if !ok {
		return nil, fmt.Errorf("unsupported config key: %s", key)
	}
	return parseValueByKind(raw, kind)
}

func parseValueByKind(raw string, kind valueKind) (any, error) {
	switch kind {
	case kindString:
		return raw, nil
	case kindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", raw)
		}
		return n, nil
	case kindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("not a boolean: %q", raw)
		}
		return b, nil
	case kindStringSlice:
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value kind")
	}
}

// GetValue looks up a dotted key on a loaded config.
func GetValue(cfg *Config, key string) (any, bool) {
	switch key {
	case "general":
		return cfg.General, true
	case "general.database_path":
		return cfg.General.DatabasePath, true
	case "general.staleness_window_minutes":
		return cfg.General.StalenessWindowMins, true
	case "general.error_cap":
		return cfg.General.ErrorCap, true
	case "general.approval_ttl_minutes":
		return cfg.General.ApprovalTTLMins, true
	case "policy":
		return cfg.Policy, true
	case "policy.tier_actions":
		return cfg.Policy.TierActions, true
	case "policy.deny_categories":
		return cfg.Policy.DenyCategories, true
	case "delegation":
		return cfg.Delegation, true
	case "delegation.tools":
		return cfg.Delegation.Tools, true
	case "delegation.required_fields":
		return cfg.Delegation.RequiredFields, true
	case "audit":
		return cfg.Audit, true
	case "audit.dir":
		return cfg.Audit.Dir, true
	case "audit.stats_window_hours":
		return cfg.Audit.StatsWindowHours, true
	case "rules":
		return cfg.Rules, true
	case "rules.paths":
		return cfg.Rules.Paths, true
	default:
		return nil, false
	}
}

// WriteValue sets one dotted key in a TOML config file, creating the file
// and parent directories as needed.
func WriteValue(path, key string, value any) error {
	if path == "" {
		return fmt.Errorf("config path is required")
	}

	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	segments := strings.Split(key, ".")
	node := doc
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node[seg]
		if !ok {
			next := map[string]any{}
			node[seg] = next
			node = next
			continue
		}
		next, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("config key %s: %s is not a table", key, seg)
		}
		node = next
	}
	node[segments[len(segments)-1]] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		return fmt.Errorf("encode config %s: %w", path, err)
	}
	return nil
}
