// Package config loads and validates the daemon configuration.
//
// The primary format is the .kiln/config file with KEY=value lines. If a
// .kiln/config.yaml exists alongside it, that file is loaded instead. Any
// key absent from the file falls back to the process environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// KilnDir is the per-checkout state directory.
const KilnDir = ".kiln"

// Stage names used for model selection.
const (
	StagePrepare         = "Prepare"
	StageResearch        = "Research"
	StagePlan            = "Plan"
	StageImplement       = "Implement"
	StageProcessComments = "ProcessComments"
)

// defaultStageModels is the built-in model table. Prepare runs on the
// cheapest model; comment processing sits in the middle.
var defaultStageModels = map[string]string{
	StagePrepare:         "claude-haiku-4-5-20251001",
	StageResearch:        "claude-opus-4-5-20251101",
	StagePlan:            "claude-opus-4-5-20251101",
	StageImplement:       "claude-opus-4-5-20251101",
	StageProcessComments: "claude-sonnet-4-5-20250929",
}

// Config represents the daemon configuration.
type Config struct {
	GitHubToken            string            `yaml:"github_token"`
	GitHubEnterpriseHost   string            `yaml:"github_enterprise_host"`
	GitHubEnterpriseToken  string            `yaml:"github_enterprise_token"`
	ProjectURLs            []string          `yaml:"project_urls"`
	AllowedUsername        string            `yaml:"allowed_username"`
	TeamUsernames          []string          `yaml:"usernames_team"`
	PollInterval           int               `yaml:"poll_interval"` // seconds
	WatchedStatuses        []string          `yaml:"watched_statuses"`
	MaxConcurrentWorkflows int               `yaml:"max_concurrent_workflows"`
	StageModels            map[string]string `yaml:"stage_models"`
	MCPConfigPath          string            `yaml:"mcp_config_path"`
	WorkspaceDir           string            `yaml:"workspace_dir"`
	DatabasePath           string            `yaml:"database_path"`
	YoloDatabasePath       string            `yaml:"yolo_database_path"`
	LogFile                string            `yaml:"log_file"`
	LogSize                int64             `yaml:"log_size"`
	LogBackups             int               `yaml:"log_backups"`
	GHESLogsMask           bool              `yaml:"ghes_logs_mask"`
	EventAddr              string            `yaml:"event_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:           30,
		WatchedStatuses:        []string{"Research", "Plan", "Implement"},
		MaxConcurrentWorkflows: 3,
		StageModels:            copyStageModels(defaultStageModels),
		WorkspaceDir:           "workspaces",
		DatabasePath:           filepath.Join(KilnDir, "db.sqlite"),
		YoloDatabasePath:       filepath.Join(KilnDir, "yolo.sqlite"),
		LogFile:                filepath.Join(KilnDir, "logs", "kiln.log"),
		LogSize:                10 * 1024 * 1024,
		LogBackups:             5,
		GHESLogsMask:           true,
		EventAddr:              "127.0.0.1:7464",
	}
}

// Load loads configuration from the .kiln directory rooted at dir.
// Prefers config.yaml; falls back to the KEY=value config file; keys
// missing from either fall back to the environment.
func Load(dir string) (*Config, error) {
	cfg := DefaultConfig()

	yamlPath := filepath.Join(dir, KilnDir, "config.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", yamlPath, err)
		}
		cfg.applyEnvFallback()
		cfg.expandPaths()
		return cfg, nil
	}

	plainPath := filepath.Join(dir, KilnDir, "config")
	data, err := os.ReadFile(plainPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file at all; run purely off the environment.
			cfg.applyEnvFallback()
			cfg.expandPaths()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	values := parseKeyValues(string(data))
	cfg.applyValues(values)
	cfg.applyEnvFallback()
	cfg.expandPaths()
	return cfg, nil
}

// parseKeyValues parses KEY=value lines, skipping blanks and # comments.
// Surrounding single or double quotes on values are stripped.
func parseKeyValues(data string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		values[key] = os.ExpandEnv(value)
	}
	return values
}

func (c *Config) applyValues(values map[string]string) {
	if v, ok := values["GITHUB_TOKEN"]; ok {
		c.GitHubToken = v
	}
	if v, ok := values["GITHUB_ENTERPRISE_HOST"]; ok {
		c.GitHubEnterpriseHost = v
	}
	if v, ok := values["GITHUB_ENTERPRISE_TOKEN"]; ok {
		c.GitHubEnterpriseToken = v
	}
	if v, ok := values["PROJECT_URLS"]; ok {
		c.ProjectURLs = splitList(v)
	}
	if v, ok := values["ALLOWED_USERNAME"]; ok {
		c.AllowedUsername = v
	}
	if v, ok := values["USERNAMES_TEAM"]; ok {
		c.TeamUsernames = splitList(v)
	}
	if v, ok := values["POLL_INTERVAL"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.PollInterval = n
		}
	}
	if v, ok := values["WATCHED_STATUSES"]; ok {
		c.WatchedStatuses = splitList(v)
	}
	if v, ok := values["MAX_CONCURRENT_WORKFLOWS"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxConcurrentWorkflows = n
		}
	}
	if v, ok := values["STAGE_MODELS"]; ok {
		applyStageModels(c.StageModels, v)
	}
	if v, ok := values["MCP_CONFIG_PATH"]; ok {
		c.MCPConfigPath = v
	}
	if v, ok := values["WORKSPACE_DIR"]; ok {
		c.WorkspaceDir = v
	}
	if v, ok := values["DATABASE_PATH"]; ok {
		c.DatabasePath = v
	}
	if v, ok := values["LOG_FILE"]; ok {
		c.LogFile = v
	}
	if v, ok := values["LOG_SIZE"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.LogSize = n
		}
	}
	if v, ok := values["LOG_BACKUPS"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LogBackups = n
		}
	}
	if v, ok := values["GHES_LOGS_MASK"]; ok {
		c.GHESLogsMask = parseBool(v, true)
	}
	if v, ok := values["EVENT_ADDR"]; ok {
		c.EventAddr = v
	}
}

// applyEnvFallback fills credentials and the allow-list from the
// environment when the config file left them empty.
func (c *Config) applyEnvFallback() {
	if c.GitHubToken == "" {
		c.GitHubToken = os.Getenv("GITHUB_TOKEN")
	}
	if c.GitHubEnterpriseHost == "" {
		c.GitHubEnterpriseHost = os.Getenv("GITHUB_ENTERPRISE_HOST")
	}
	if c.GitHubEnterpriseToken == "" {
		c.GitHubEnterpriseToken = os.Getenv("GITHUB_ENTERPRISE_TOKEN")
	}
	if len(c.ProjectURLs) == 0 {
		c.ProjectURLs = splitList(os.Getenv("PROJECT_URLS"))
	}
	if c.AllowedUsername == "" {
		c.AllowedUsername = os.Getenv("ALLOWED_USERNAME")
	}
}

func (c *Config) expandPaths() {
	c.MCPConfigPath = expandPath(c.MCPConfigPath)
	c.WorkspaceDir = expandPath(c.WorkspaceDir)
	c.DatabasePath = expandPath(c.DatabasePath)
	c.YoloDatabasePath = expandPath(c.YoloDatabasePath)
	c.LogFile = expandPath(c.LogFile)
}

// Validate checks the configuration for completeness and consistency.
// It returns every problem at once so the operator fixes the file in
// one pass instead of replaying the daemon start.
func (c *Config) Validate() error {
	var problems []string

	if c.GitHubToken == "" && c.GitHubEnterpriseToken == "" {
		problems = append(problems, "one of GITHUB_TOKEN or GITHUB_ENTERPRISE_TOKEN is required")
	}
	if c.GitHubToken != "" && c.GitHubEnterpriseToken != "" {
		problems = append(problems, "GITHUB_TOKEN and GITHUB_ENTERPRISE_TOKEN are mutually exclusive")
	}
	if c.GitHubEnterpriseToken != "" && c.GitHubEnterpriseHost == "" {
		problems = append(problems, "GITHUB_ENTERPRISE_TOKEN requires GITHUB_ENTERPRISE_HOST")
	}
	if len(c.ProjectURLs) == 0 {
		problems = append(problems, "PROJECT_URLS is required")
	}
	if c.AllowedUsername == "" {
		problems = append(problems, "ALLOWED_USERNAME is required")
	}
	if c.PollInterval <= 0 {
		problems = append(problems, "POLL_INTERVAL must be positive")
	}
	if c.MaxConcurrentWorkflows <= 0 {
		problems = append(problems, "MAX_CONCURRENT_WORKFLOWS must be positive")
	}

	expectedHost := "github.com"
	if c.GitHubEnterpriseHost != "" && c.GitHubEnterpriseToken != "" {
		expectedHost = c.GitHubEnterpriseHost
	}
	for _, raw := range c.ProjectURLs {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Host == "" {
			problems = append(problems, fmt.Sprintf("invalid project URL %q", raw))
			continue
		}
		if parsed.Host != expectedHost {
			problems = append(problems, fmt.Sprintf(
				"project URL host %q does not match configured host %q", parsed.Host, expectedHost))
		}
	}

	for stage := range c.StageModels {
		if _, ok := defaultStageModels[stage]; !ok {
			problems = append(problems, fmt.Sprintf("unknown stage %q in STAGE_MODELS", stage))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// Host returns the GitHub host the daemon operates against.
func (c *Config) Host() string {
	if c.GitHubEnterpriseHost != "" && c.GitHubEnterpriseToken != "" {
		return c.GitHubEnterpriseHost
	}
	return "github.com"
}

// Token returns the credential for the configured host.
func (c *Config) Token() string {
	if c.GitHubEnterpriseToken != "" {
		return c.GitHubEnterpriseToken
	}
	return c.GitHubToken
}

// IsEnterprise reports whether the daemon targets a GHES deployment.
func (c *Config) IsEnterprise() bool {
	return c.GitHubEnterpriseHost != "" && c.GitHubEnterpriseToken != ""
}

// ModelFor returns the model name for a workflow stage.
func (c *Config) ModelFor(stage string) string {
	if m, ok := c.StageModels[stage]; ok && m != "" {
		return m
	}
	return defaultStageModels[stage]
}

// applyStageModels merges "Stage=model,Stage=model" overrides into the table.
func applyStageModels(models map[string]string, spec string) {
	for _, pair := range splitList(spec) {
		stage, model, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		models[strings.TrimSpace(stage)] = strings.TrimSpace(model)
	}
}

func copyStageModels(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}

// expandPath expands ~ and environment variables in a path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Save writes a starter KEY=value config file. Used by `kiln init`.
func Save(c *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# kiln configuration\n")
	fmt.Fprintf(&b, "GITHUB_TOKEN=%s\n", c.GitHubToken)
	fmt.Fprintf(&b, "PROJECT_URLS=%s\n", strings.Join(c.ProjectURLs, ","))
	fmt.Fprintf(&b, "ALLOWED_USERNAME=%s\n", c.AllowedUsername)
	fmt.Fprintf(&b, "POLL_INTERVAL=%d\n", c.PollInterval)
	fmt.Fprintf(&b, "WATCHED_STATUSES=%s\n", strings.Join(c.WatchedStatuses, ","))
	fmt.Fprintf(&b, "MAX_CONCURRENT_WORKFLOWS=%d\n", c.MaxConcurrentWorkflows)

	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
