package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Server:         ServerCfg{Listen: ":8787"},
		Upstream:       UpstreamCfg{URL: "https://upstream.example.net"},
		AllowedOrigins: []string{"https://app.example.com"},
		Redis:          RedisCfg{Addr: "localhost:6379"},
		Lockout:        LockoutCfg{Threshold: 5, DurationSec: 900},
		Logging:        LoggingCfg{Level: "info"},
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing upstream", func(c *Config) { c.Upstream.URL = "" }, "upstream"},
		{"upstream bad scheme", func(c *Config) { c.Upstream.URL = "ftp://x.example.net" }, "scheme"},
		{"upstream with path", func(c *Config) { c.Upstream.URL = "https://x.example.net/app" }, "path"},
		{"no origins", func(c *Config) { c.AllowedOrigins = nil }, "allowed_origins"},
		{"origin with path", func(c *Config) { c.AllowedOrigins = []string{"https://a.example.com/app"} }, "path"},
		{"no redis", func(c *Config) { c.Redis.Addr = "" }, "redis"},
		{"zero threshold", func(c *Config) { c.Lockout.Threshold = 0 }, "threshold"},
		{"zero duration", func(c *Config) { c.Lockout.DurationSec = 0 }, "duration"},
		{"negative rpm", func(c *Config) { c.RateLimit.RPM = -1 }, "rpm"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseAllowedOrigins(t *testing.T) {
	got, err := ParseAllowedOrigins("https://App.Example.com/, https://pwa.example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"https://app.example.com", "https://pwa.example.org"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("origin[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := ParseAllowedOrigins(""); err == nil {
		t.Error("empty list accepted")
	}
	if _, err := ParseAllowedOrigins("https://a.example.com?x=1"); err == nil {
		t.Error("origin with query accepted")
	}
	if _, err := ParseAllowedOrigins("app.example.com"); err == nil {
		t.Error("origin without scheme accepted")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
upstream:
  url: https://file.example.net
allowed_origins:
  - https://file-origin.example.com
lockout:
  threshold: 2
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("UPSTREAM_URL", "https://env.example.net")
	t.Setenv("LOCKOUT_THRESHOLD", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.URL != "https://env.example.net" {
		t.Errorf("Upstream.URL = %q, env should win over file", cfg.Upstream.URL)
	}
	if cfg.Lockout.Threshold != 7 {
		t.Errorf("Lockout.Threshold = %d, want 7", cfg.Lockout.Threshold)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://file-origin.example.com" {
		t.Errorf("AllowedOrigins = %v, file value should survive", cfg.AllowedOrigins)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lockout.Threshold != 5 {
		t.Errorf("Lockout.Threshold = %d, want 5", cfg.Lockout.Threshold)
	}
	if cfg.Lockout.DurationSec != 900 {
		t.Errorf("Lockout.DurationSec = %d, want 900", cfg.Lockout.DurationSec)
	}
	if cfg.RateLimit.RPM != 300 {
		t.Errorf("RateLimit.RPM = %d, want 300", cfg.RateLimit.RPM)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Server.Listen == "" {
		t.Error("Server.Listen default missing")
	}
}
