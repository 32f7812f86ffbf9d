package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
auth:
  static_keys:
    - key: tgk_devkey00001
      name: dev
      role: admin
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8443" {
		t.Fatalf("addr = %q, want default", cfg.Server.Addr)
	}
	if cfg.RateLimit.PerMinute != 10 || cfg.RateLimit.PerHour != 100 {
		t.Fatalf("rate limits not defaulted: %+v", cfg.RateLimit)
	}
	if cfg.Transport.Backoff.MaxAttempts != 5 {
		t.Fatalf("backoff not defaulted: %+v", cfg.Transport.Backoff)
	}
}

func TestLoadFullFile(t *testing.T) {
	body := `
server:
  addr: ":9000"
  client_rps: 25
transport:
  stdio_servers:
    filesystem:
      command: /usr/local/bin/mcp-fs
      args: ["--root", "/srv/data"]
  allowed_hosts:
    - localhost
  request_timeout: 15s
rate_limit:
  per_minute: 5
  per_hour: 60
  cooldown: 2m
  overrides:
    "batch-":
      per_minute: 60
      per_hour: 600
      cooldown: 1m
roles:
  guest: [search, web_search]
  admin: ["*"]
auth:
  static_keys:
    - key: tgk_devkey00001
      name: dev
      role: admin
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Transport.StdioServers["filesystem"].Command != "/usr/local/bin/mcp-fs" {
		t.Fatalf("stdio server not parsed: %+v", cfg.Transport.StdioServers)
	}
	if cfg.Transport.RequestTimeout != 15*time.Second {
		t.Fatalf("request timeout = %v", cfg.Transport.RequestTimeout)
	}

	rl := cfg.RateLimiterConfig()
	if rl.Default.PerMinute != 5 {
		t.Fatalf("limiter default = %+v", rl.Default)
	}
	if rl.Overrides["batch-"].PerMinute != 60 {
		t.Fatalf("limiter overrides = %+v", rl.Overrides)
	}

	if len(cfg.Roles["guest"]) != 2 {
		t.Fatalf("roles not parsed: %+v", cfg.Roles)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("TOOLGATE_ADDR", ":7777")
	t.Setenv("TOOLGATE_WORKSPACE_ROOT", "/srv/workspace")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Fatalf("addr = %q, want env override", cfg.Server.Addr)
	}
	if cfg.Validation.WorkspaceRoot != "/srv/workspace" {
		t.Fatalf("workspace root = %q", cfg.Validation.WorkspaceRoot)
	}
}

func TestEnvExpansionInFile(t *testing.T) {
	t.Setenv("FS_COMMAND", "/opt/mcp-fs")
	body := `
transport:
  stdio_servers:
    filesystem:
      command: $FS_COMMAND
auth:
  static_keys:
    - key: tgk_devkey00001
      name: dev
      role: admin
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.StdioServers["filesystem"].Command != "/opt/mcp-fs" {
		t.Fatalf("env not expanded: %+v", cfg.Transport.StdioServers["filesystem"])
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no auth source", `log: {level: info}`},
		{"short static key", `
auth:
  static_keys:
    - key: tgk_x
      role: admin
`},
		{"minute exceeds hour", `
rate_limit:
  per_minute: 100
  per_hour: 10
auth:
  static_keys:
    - key: tgk_devkey00001
      role: admin
`},
		{"stdio server without command", `
transport:
  stdio_servers:
    broken: {}
auth:
  static_keys:
    - key: tgk_devkey00001
      role: admin
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("got %v, want ErrInvalidConfig", err)
			}
		})
	}
}
