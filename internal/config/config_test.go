package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	kilnDir := filepath.Join(dir, KilnDir)
	if err := os.MkdirAll(kilnDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(kilnDir, "config")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseKeyValues(t *testing.T) {
	values := parseKeyValues(`
# comment line
GITHUB_TOKEN=ghp_abc123
PROJECT_URLS="https://github.com/users/dev/projects/1"
ALLOWED_USERNAME='dev'

POLL_INTERVAL=15
NOT_A_PAIR
`)

	tests := []struct {
		key  string
		want string
	}{
		{"GITHUB_TOKEN", "ghp_abc123"},
		{"PROJECT_URLS", "https://github.com/users/dev/projects/1"},
		{"ALLOWED_USERNAME", "dev"},
		{"POLL_INTERVAL", "15"},
	}
	for _, tt := range tests {
		if got := values[tt.key]; got != tt.want {
			t.Errorf("values[%q] = %q, want %q", tt.key, got, tt.want)
		}
	}
	if _, ok := values["NOT_A_PAIR"]; ok {
		t.Error("lines without = should be skipped")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
GITHUB_TOKEN=ghp_test
PROJECT_URLS=https://github.com/users/dev/projects/1,https://github.com/orgs/acme/projects/2
ALLOWED_USERNAME=dev
USERNAMES_TEAM=alice,bob
POLL_INTERVAL=10
MAX_CONCURRENT_WORKFLOWS=2
STAGE_MODELS=Research=claude-sonnet-4-5-20250929,Prepare=claude-haiku-4-5-20251001
MCP_CONFIG_PATH=.kiln/mcp.json
GHES_LOGS_MASK=false
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.GitHubToken != "ghp_test" {
		t.Errorf("GitHubToken = %q", cfg.GitHubToken)
	}
	if len(cfg.ProjectURLs) != 2 {
		t.Errorf("ProjectURLs = %v", cfg.ProjectURLs)
	}
	if cfg.PollInterval != 10 {
		t.Errorf("PollInterval = %d", cfg.PollInterval)
	}
	if cfg.MaxConcurrentWorkflows != 2 {
		t.Errorf("MaxConcurrentWorkflows = %d", cfg.MaxConcurrentWorkflows)
	}
	if got := cfg.ModelFor(StageResearch); got != "claude-sonnet-4-5-20250929" {
		t.Errorf("ModelFor(Research) = %q", got)
	}
	// Unoverridden stages keep the built-in table.
	if got := cfg.ModelFor(StageImplement); got != defaultStageModels[StageImplement] {
		t.Errorf("ModelFor(Implement) = %q", got)
	}
	if cfg.GHESLogsMask {
		t.Error("GHES_LOGS_MASK=false should disable masking")
	}
	if len(cfg.TeamUsernames) != 2 || cfg.TeamUsernames[0] != "alice" {
		t.Errorf("TeamUsernames = %v", cfg.TeamUsernames)
	}
	if cfg.MCPConfigPath != ".kiln/mcp.json" {
		t.Errorf("MCPConfigPath = %q", cfg.MCPConfigPath)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("PROJECT_URLS", "")
	t.Setenv("ALLOWED_USERNAME", "")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PollInterval != 30 {
		t.Errorf("default PollInterval = %d, want 30", cfg.PollInterval)
	}
	if cfg.MaxConcurrentWorkflows != 3 {
		t.Errorf("default MaxConcurrentWorkflows = %d, want 3", cfg.MaxConcurrentWorkflows)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	kilnDir := filepath.Join(dir, KilnDir)
	if err := os.MkdirAll(kilnDir, 0o755); err != nil {
		t.Fatal(err)
	}
	yamlCfg := `
github_token: ghp_yaml
project_urls:
  - https://github.com/users/dev/projects/4
allowed_username: dev
poll_interval: 45
`
	if err := os.WriteFile(filepath.Join(kilnDir, "config.yaml"), []byte(yamlCfg), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GitHubToken != "ghp_yaml" {
		t.Errorf("GitHubToken = %q", cfg.GitHubToken)
	}
	if cfg.PollInterval != 45 {
		t.Errorf("PollInterval = %d", cfg.PollInterval)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.GitHubToken = "ghp_test"
		cfg.ProjectURLs = []string{"https://github.com/users/dev/projects/1"}
		cfg.AllowedUsername = "dev"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no token", func(c *Config) { c.GitHubToken = "" }, "GITHUB_TOKEN"},
		{
			"both tokens",
			func(c *Config) {
				c.GitHubEnterpriseToken = "ghe_test"
				c.GitHubEnterpriseHost = "ghes.example.com"
			},
			"mutually exclusive",
		},
		{"no projects", func(c *Config) { c.ProjectURLs = nil }, "PROJECT_URLS"},
		{"no username", func(c *Config) { c.AllowedUsername = "" }, "ALLOWED_USERNAME"},
		{
			"host mismatch",
			func(c *Config) {
				c.ProjectURLs = []string{"https://ghes.example.com/orgs/acme/projects/1"}
			},
			"does not match",
		},
		{
			"unknown stage",
			func(c *Config) { c.StageModels["Deploy"] = "claude-opus-4-5-20251101" },
			"unknown stage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnterpriseHost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GitHubEnterpriseHost = "ghes.example.com"
	cfg.GitHubEnterpriseToken = "ghe_test"
	cfg.ProjectURLs = []string{"https://ghes.example.com/orgs/acme/projects/1"}
	cfg.AllowedUsername = "dev"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Host() != "ghes.example.com" {
		t.Errorf("Host() = %q", cfg.Host())
	}
	if cfg.Token() != "ghe_test" {
		t.Errorf("Token() = %q", cfg.Token())
	}
	if !cfg.IsEnterprise() {
		t.Error("IsEnterprise() = false")
	}
}
