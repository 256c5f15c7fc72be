// Package config loads proxy settings. User settings live in a TOML
// file, the language server catalog in YAML, and a small set of
// environment variables override both.
package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/kspine/lapce/internal/session"
)

// Config is the top-level proxy configuration.
type Config struct {
	// RootPath is the workspace root. Defaults to the working
	// directory at load time.
	RootPath string `toml:"root_path"`

	// PluginDir is scanned for plugin manifests.
	PluginDir string `toml:"plugin_dir"`

	Log      LogConfig     `toml:"log"`
	Watch    WatchConfig   `toml:"watch"`
	Restart  RestartConfig `toml:"restart"`
	Timeouts TimeoutConfig `toml:"timeouts"`

	// Plugins holds per-plugin dotted-path setting overrides.
	Plugins map[string]map[string]any `toml:"plugins"`
}

// LogConfig controls the proxy log.
type LogConfig struct {
	Level string `toml:"level"`
	Path  string `toml:"path"`
}

// WatchConfig controls the file watcher.
type WatchConfig struct {
	DebounceMS     int      `toml:"debounce_ms"`
	IgnorePatterns []string `toml:"ignore"`
	IgnoreHidden   bool     `toml:"ignore_hidden"`
}

// Debounce returns the coalescing window.
func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMS) * time.Millisecond
}

// RestartConfig controls crash recovery.
type RestartConfig struct {
	MaxRestarts      int     `toml:"max_restarts"`
	InitialBackoffMS int     `toml:"initial_backoff_ms"`
	MaxBackoffMS     int     `toml:"max_backoff_ms"`
	Multiplier       float64 `toml:"multiplier"`
	ResetWindowMS    int     `toml:"reset_window_ms"`
}

// Backoff converts to the supervisor's form.
func (r RestartConfig) Backoff() session.BackoffConfig {
	return session.BackoffConfig{
		MaxRestarts: r.MaxRestarts,
		Initial:     time.Duration(r.InitialBackoffMS) * time.Millisecond,
		Max:         time.Duration(r.MaxBackoffMS) * time.Millisecond,
		Multiplier:  r.Multiplier,
		ResetWindow: time.Duration(r.ResetWindowMS) * time.Millisecond,
	}
}

// TimeoutConfig controls per-session timing.
type TimeoutConfig struct {
	RequestMS   int `toml:"request_ms"`
	HandshakeMS int `toml:"handshake_ms"`
}

// Request returns the per-request deadline.
func (t TimeoutConfig) Request() time.Duration {
	return time.Duration(t.RequestMS) * time.Millisecond
}

// Handshake returns the startup deadline.
func (t TimeoutConfig) Handshake() time.Duration {
	return time.Duration(t.HandshakeMS) * time.Millisecond
}

// Default returns the configuration used when no file exists.
func Default() Config {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return Config{
		RootPath: wd,
		Log:      LogConfig{Level: "info"},
		Watch: WatchConfig{
			DebounceMS:   100,
			IgnoreHidden: true,
		},
		Restart: RestartConfig{
			MaxRestarts:      5,
			InitialBackoffMS: 1000,
			MaxBackoffMS:     60000,
			Multiplier:       2.0,
			ResetWindowMS:    300000,
		},
		Timeouts: TimeoutConfig{
			RequestMS:   30000,
			HandshakeMS: 15000,
		},
	}
}

// Load reads a TOML file over the defaults. A missing file is not an
// error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Restart.Multiplier < 1 {
		return fmt.Errorf("restart.multiplier must be at least 1, got %v", c.Restart.Multiplier)
	}
	if c.Watch.DebounceMS < 0 {
		return fmt.Errorf("watch.debounce_ms must not be negative, got %d", c.Watch.DebounceMS)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}
