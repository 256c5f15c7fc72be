package config

import (
	"os"
	"strconv"
)

// Environment variables override file settings. The set is small and
// explicit; unknown LAPCE_ variables are ignored.
const (
	EnvRoot      = "LAPCE_ROOT"
	EnvLogLevel  = "LAPCE_LOG_LEVEL"
	EnvLogPath   = "LAPCE_LOG_PATH"
	EnvPluginDir = "LAPCE_PLUGIN_DIR"
	EnvRequestMS = "LAPCE_REQUEST_TIMEOUT_MS"
)

// ApplyEnv overlays environment overrides onto a loaded config.
func ApplyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(EnvRoot); ok {
		cfg.RootPath = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv(EnvLogPath); ok {
		cfg.Log.Path = v
	}
	if v, ok := os.LookupEnv(EnvPluginDir); ok {
		cfg.PluginDir = v
	}
	if v, ok := os.LookupEnv(EnvRequestMS); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Timeouts.RequestMS = ms
		}
	}
}
