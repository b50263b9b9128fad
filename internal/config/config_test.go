package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGatewayConfig_NonexistentFile(t *testing.T) {
	cfg, err := LoadGatewayConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("LoadGatewayConfig with nonexistent file should not error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 18789 {
		t.Errorf("default port: expected 18789, got %d", cfg.Server.Port)
	}
	if cfg.Tunables.MaxToolIterations != 75 {
		t.Errorf("default max_tool_iterations: expected 75, got %d", cfg.Tunables.MaxToolIterations)
	}
	if cfg.Tunables.ToolCallMode != "langchain" {
		t.Errorf("default tool_call_mode: expected langchain, got %q", cfg.Tunables.ToolCallMode)
	}
	if cfg.History.Enabled {
		t.Error("history should be disabled by default — no database required for core operation")
	}
}

func TestLoadGatewayConfig_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
tunables:
  max_tool_iterations: 10
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadGatewayConfig(path)
	if err != nil {
		t.Fatalf("LoadGatewayConfig: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host should retain default, got %q", cfg.Server.Host)
	}
	if cfg.Tunables.MaxToolIterations != 10 {
		t.Errorf("max_tool_iterations: expected 10, got %d", cfg.Tunables.MaxToolIterations)
	}
	// Untouched tunables retain defaults.
	if cfg.Tunables.AutoContinueMax != 3 {
		t.Errorf("auto_continue_max should retain default 3, got %d", cfg.Tunables.AutoContinueMax)
	}
}

func TestLoadGatewayConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadGatewayConfig(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadGatewayConfig_EnvOverride(t *testing.T) {
	t.Setenv("CLARA_GATEWAY_PORT", "7000")
	t.Setenv("TOOL_CALL_MODE", "native")

	cfg, err := LoadGatewayConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("env override port: expected 7000, got %d", cfg.Server.Port)
	}
	if cfg.Tunables.ToolCallMode != "native" {
		t.Errorf("env override tool_call_mode: expected native, got %q", cfg.Tunables.ToolCallMode)
	}
}

func TestValidateGatewayConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*GatewayConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *GatewayConfig) {}, wantErr: false},
		{name: "empty host", mutate: func(c *GatewayConfig) { c.Server.Host = "" }, wantErr: true},
		{name: "port 0", mutate: func(c *GatewayConfig) { c.Server.Port = 0 }, wantErr: true},
		{name: "port 65536", mutate: func(c *GatewayConfig) { c.Server.Port = 65536 }, wantErr: true},
		{name: "bad tool call mode", mutate: func(c *GatewayConfig) { c.Tunables.ToolCallMode = "bogus" }, wantErr: true},
		{name: "zero workers", mutate: func(c *GatewayConfig) { c.Tunables.LLMWorkers = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultGatewayConfig()
			tt.mutate(cfg)
			err := validateGatewayConfig(cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadAdaptersFile_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adapters.yaml")
	yaml := `
adapters:
  discord:
    enabled: true
    command: "./adapters/discord"
  teams:
    enabled: false
    command: "./adapters/teams"
    restart_policy: "always"
    max_restarts: 10
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	file, err := LoadAdaptersFile(path)
	if err != nil {
		t.Fatalf("LoadAdaptersFile: %v", err)
	}
	if len(file.Adapters) != 2 {
		t.Fatalf("expected 2 adapters, got %d", len(file.Adapters))
	}
	discord := file.Adapters["discord"]
	if discord.RestartPolicy != "on_failure" {
		t.Errorf("discord restart_policy should default to on_failure, got %q", discord.RestartPolicy)
	}
	if discord.MaxRestarts != 5 {
		t.Errorf("discord max_restarts should default to 5, got %d", discord.MaxRestarts)
	}
	teams := file.Adapters["teams"]
	if teams.RestartPolicy != "always" {
		t.Errorf("teams restart_policy should remain always, got %q", teams.RestartPolicy)
	}
	if teams.MaxRestarts != 10 {
		t.Errorf("teams max_restarts should remain 10, got %d", teams.MaxRestarts)
	}
}

func TestLoadHooksFile_Missing(t *testing.T) {
	file, err := LoadHooksFile(filepath.Join(t.TempDir(), "hooks.yaml"))
	if err != nil {
		t.Fatalf("LoadHooksFile: %v", err)
	}
	if len(file.Hooks) != 0 {
		t.Errorf("expected no hooks for missing file, got %d", len(file.Hooks))
	}
}

func TestLoadSchedulerFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.yaml")
	yaml := `
tasks:
  - name: nightly-digest
    type: cron
    cron: "0 2 * * *"
    command: "./scripts/digest.sh"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	file, err := LoadSchedulerFile(path)
	if err != nil {
		t.Fatalf("LoadSchedulerFile: %v", err)
	}
	if len(file.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(file.Tasks))
	}
	if file.Tasks[0].Cron != "0 2 * * *" {
		t.Errorf("cron expression mismatch: %q", file.Tasks[0].Cron)
	}
}
