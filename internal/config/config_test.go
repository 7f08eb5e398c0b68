package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livequery.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Node.ID == "" {
		t.Error("Expected default node ID")
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("Expected :8080, got %s", cfg.HTTP.Addr)
	}
	if cfg.Store.Path != ":memory:" {
		t.Errorf("Expected in-memory store, got %s", cfg.Store.Path)
	}
	if len(cfg.Realtime.Modules) != 1 || cfg.Realtime.Modules[0] != "items" {
		t.Errorf("Expected items module, got %v", cfg.Realtime.Modules)
	}
	if cfg.Realtime.RejectFailedSubscribe {
		t.Error("Expected failed subscriptions to be silent by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to be valid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty node id", func(c *Config) { c.Node.ID = "" }},
		{"empty listen", func(c *Config) { c.HTTP.Addr = "" }},
		{"empty secret", func(c *Config) { c.Auth.Secret = "" }},
		{"pong shorter than write", func(c *Config) { c.HTTP.PongWait = time.Second }},
		{"bad module", func(c *Config) { c.Realtime.Modules = []string{"items.create"} }},
		{"bad limit", func(c *Config) { c.Store.DefaultLimit = -2 }},
		{"user without id", func(c *Config) { c.Auth.Users = []UserConfig{{Role: "admin"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-a
http:
  addr: ":9999"
  pongWait: 90s
auth:
  secret: s3cret
  allowAnonymous: true
  users:
    - id: Alice
      role: editor
    - id: root
      role: admin
realtime:
  rejectFailedSubscribe: true
  modules: [items, files]
`)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.ID != "node-a" || cfg.HTTP.Addr != ":9999" {
		t.Errorf("Unexpected node/http config: %+v %+v", cfg.Node, cfg.HTTP)
	}
	if cfg.HTTP.PongWait != 90*time.Second {
		t.Errorf("Expected 90s pong wait, got %v", cfg.HTTP.PongWait)
	}
	if !cfg.Auth.AllowAnonymous || cfg.Auth.Secret != "s3cret" {
		t.Errorf("Unexpected auth config: %+v", cfg.Auth)
	}
	if roles := cfg.Auth.Roles(); roles["Alice"] != "editor" || roles["root"] != "admin" {
		t.Errorf("Unexpected users %v", roles)
	}
	if !cfg.Realtime.RejectFailedSubscribe || len(cfg.Realtime.Modules) != 2 {
		t.Errorf("Unexpected realtime config: %+v", cfg.Realtime)
	}
	if cfg.HTTP.WriteWait != 10*time.Second {
		t.Errorf("Expected defaults for unset keys, got %v", cfg.HTTP.WriteWait)
	}
}

func TestLoad_EnvAndFlags(t *testing.T) {
	path := writeConfig(t, "node:\n  id: from-file\nlog:\n  level: warn\n")
	t.Setenv("LIVEQUERY_NODE_ID", "from-env")
	t.Setenv("LIVEQUERY_AUTH_TOKENTTL", "2h")

	flags := Flags()
	if err := flags.Parse([]string{"--log-level", "debug", "--nats-url", "nats://nats:4222"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.ID != "from-env" {
		t.Errorf("Expected env to override file, got %s", cfg.Node.ID)
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("Expected 2h TTL from env, got %v", cfg.Auth.TokenTTL)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected flag to override file, got %s", cfg.Log.Level)
	}
	if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://nats:4222" {
		t.Errorf("Expected nats to be enabled by --nats-url, got %+v", cfg.NATS)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("Expected unset flag not to override default, got %s", cfg.HTTP.Addr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("Expected error for missing config file")
	}
}
