package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigJSONAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{
		"upstreams": {
			"alpha": {
				"endpoint": "http://alpha.local/mcp",
				"capabilities": ["tools"],
				"timeout": "2s"
			}
		}
	}`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Gateway.Addr != defaultAddr {
		t.Fatalf("addr = %s, want default", cfg.Gateway.Addr)
	}
	if cfg.Gateway.Name != defaultName {
		t.Fatalf("name = %s, want default", cfg.Gateway.Name)
	}
	if cfg.Gateway.BaseURL != "http://"+defaultAddr {
		t.Fatalf("baseURL = %s", cfg.Gateway.BaseURL)
	}
	if got := cfg.Gateway.requestTimeout(); got != defaultRequestTimeout {
		t.Fatalf("requestTimeout = %s, want default", got)
	}
	if got := cfg.Upstreams["alpha"].Timeout.Duration; got != 2*time.Second {
		t.Fatalf("upstream timeout = %s, want 2s", got)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
gateway:
  addr: "127.0.0.1:9100"
  name: edge-proxy
  requestTimeout: 5s
upstreams:
  alpha:
    endpoint: http://alpha.local/mcp
    capabilities: [tools, prompts]
  beta:
    endpoint: http://beta.local/mcp
    capabilities: [resources]
`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Gateway.Addr != "127.0.0.1:9100" {
		t.Fatalf("addr = %s", cfg.Gateway.Addr)
	}
	if cfg.Gateway.Name != "edge-proxy" {
		t.Fatalf("name = %s", cfg.Gateway.Name)
	}
	if got := cfg.Gateway.requestTimeout(); got != 5*time.Second {
		t.Fatalf("requestTimeout = %s", got)
	}
	if len(cfg.Upstreams) != 2 {
		t.Fatalf("upstreams = %d, want 2", len(cfg.Upstreams))
	}
	if caps := cfg.Upstreams["alpha"].Capabilities; len(caps) != 2 {
		t.Fatalf("alpha capabilities = %v", caps)
	}
}

func TestLoadConfigRejectsMissingUpstreams(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{"gateway": {"addr": ":9000"}}`)
	if _, err := loadConfig(path); err == nil {
		t.Fatalf("expected error for config without upstreams")
	}
}

func TestLoadConfigRejectsRelativeEndpoint(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{
		"upstreams": {"alpha": {"endpoint": "/not/absolute"}}
	}`)
	if _, err := loadConfig(path); err == nil {
		t.Fatalf("expected error for relative upstream endpoint")
	}
}

func TestLoadConfigRejectsBadLogLevel(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{
		"gateway": {"logLevel": "chatty"},
		"upstreams": {"alpha": {"endpoint": "http://alpha.local/mcp"}}
	}`)
	if _, err := loadConfig(path); err == nil {
		t.Fatalf("expected error for unknown log level")
	}
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{
		"gateway": {"requestTimeout": "soon"},
		"upstreams": {"alpha": {"endpoint": "http://alpha.local/mcp"}}
	}`)
	if _, err := loadConfig(path); err == nil {
		t.Fatalf("expected error for unparseable duration")
	}
}

func TestDurationZeroFallsBack(t *testing.T) {
	var d duration
	if got := d.orElse(7 * time.Second); got != 7*time.Second {
		t.Fatalf("orElse = %s, want fallback", got)
	}
	d.Duration = time.Second
	if got := d.orElse(7 * time.Second); got != time.Second {
		t.Fatalf("orElse = %s, want configured value", got)
	}
}

func TestMaxSessionsEnvFallback(t *testing.T) {
	t.Setenv("K_PROXY_MAX_SESSIONS", "12")
	path := writeTempConfig(t, "config.json", `{
		"upstreams": {"alpha": {"endpoint": "http://alpha.local/mcp"}}
	}`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Gateway.MaxSessions != 12 {
		t.Fatalf("maxSessions = %d, want 12", cfg.Gateway.MaxSessions)
	}
}
