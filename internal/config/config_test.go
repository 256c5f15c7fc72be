package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.Watch.Debounce() != 100*time.Millisecond {
		t.Errorf("debounce = %v", cfg.Watch.Debounce())
	}
	if cfg.Restart.MaxRestarts != 5 {
		t.Errorf("max restarts = %d", cfg.Restart.MaxRestarts)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
root_path = "/work/project"
plugin_dir = "/work/plugins"

[log]
level = "debug"

[watch]
debounce_ms = 250
ignore = ["*.tmp"]

[restart]
max_restarts = 2
initial_backoff_ms = 500
max_backoff_ms = 4000
multiplier = 3.0
reset_window_ms = 60000

[timeouts]
request_ms = 5000
handshake_ms = 2000

[plugins.formatter]
"style.width" = 100
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RootPath != "/work/project" || cfg.PluginDir != "/work/plugins" {
		t.Errorf("paths = %q, %q", cfg.RootPath, cfg.PluginDir)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.Watch.Debounce() != 250*time.Millisecond {
		t.Errorf("debounce = %v", cfg.Watch.Debounce())
	}

	backoff := cfg.Restart.Backoff()
	if backoff.MaxRestarts != 2 || backoff.Initial != 500*time.Millisecond ||
		backoff.Max != 4*time.Second || backoff.Multiplier != 3.0 {
		t.Errorf("backoff = %+v", backoff)
	}
	if cfg.Timeouts.Request() != 5*time.Second || cfg.Timeouts.Handshake() != 2*time.Second {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Plugins["formatter"]["style.width"] != int64(100) {
		t.Errorf("plugin overrides = %v", cfg.Plugins)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad multiplier", "[restart]\nmultiplier = 0.5\n"},
		{"negative debounce", "[watch]\ndebounce_ms = -1\n"},
		{"unknown log level", "[log]\nlevel = \"verbose\"\n"},
		{"malformed toml", "not [valid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvRequestMS, "1234")
	t.Setenv(EnvRoot, "/env/root")

	cfg := Default()
	ApplyEnv(&cfg)

	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.Timeouts.RequestMS != 1234 {
		t.Errorf("request ms = %d", cfg.Timeouts.RequestMS)
	}
	if cfg.RootPath != "/env/root" {
		t.Errorf("root = %q", cfg.RootPath)
	}
}

func TestApplyEnvIgnoresGarbage(t *testing.T) {
	t.Setenv(EnvRequestMS, "not-a-number")
	cfg := Default()
	ApplyEnv(&cfg)
	if cfg.Timeouts.RequestMS != 30000 {
		t.Errorf("request ms = %d, want default preserved", cfg.Timeouts.RequestMS)
	}
}
