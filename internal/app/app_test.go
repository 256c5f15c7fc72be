package app

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kspine/lapce/internal/buffer"
)

func newTestApp(t *testing.T, configToml string) *App {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "proxy.toml")
	if configToml == "" {
		configToml = "root_path = \"" + dir + "\"\n"
	}
	if err := os.WriteFile(configPath, []byte(configToml), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(Options{
		ConfigPath:  configPath,
		CatalogPath: filepath.Join(dir, "absent.yaml"),
		NoWatch:     true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Shutdown)
	return a
}

func TestAppBootstrapsWithDefaults(t *testing.T) {
	a := newTestApp(t, "")
	if a.Manager() == nil || a.Bus() == nil {
		t.Fatal("core components missing")
	}
	if a.Config().Log.Level != "info" {
		t.Errorf("log level = %q", a.Config().Log.Level)
	}
}

func TestAppShutdownIdempotent(t *testing.T) {
	a := newTestApp(t, "")
	a.Shutdown()
	a.Shutdown()
}

func TestLanguageForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"main.go", "go"},
		{"lib.rs", "rust"},
		{"script.py", "python"},
		{"notes.txt", "plaintext"},
		{"Makefile", "plaintext"},
	}
	for _, tt := range tests {
		if got := LanguageForPath(tt.path); got != tt.want {
			t.Errorf("LanguageForPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestConfigValue(t *testing.T) {
	dir := t.TempDir()
	a := newTestApp(t, `
root_path = "`+dir+`"

[plugins.formatter]
"style.width" = 100
`)

	if v, ok := a.configValue("formatter.style.width"); !ok || v != int64(100) {
		t.Errorf("configValue = %v, %v", v, ok)
	}
	if _, ok := a.configValue("formatter.missing"); ok {
		t.Error("missing key resolved")
	}
	if _, ok := a.configValue("nodots"); ok {
		t.Error("un-namespaced key resolved")
	}
}

func TestServeProxyBufferMethods(t *testing.T) {
	a := newTestApp(t, "")

	path := filepath.Join(t.TempDir(), "main.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, doc, err := a.Manager().OpenFile(path, "go")
	if err != nil {
		t.Fatal(err)
	}

	params, _ := json.Marshal(bufferParams{URI: string(doc.URI())})
	result, err := a.serveProxy("proxy/buffer/get", params)
	if err != nil {
		t.Fatalf("buffer/get: %v", err)
	}
	payload := result.(map[string]any)
	if payload["text"] != "package main\n" {
		t.Errorf("text = %q", payload["text"])
	}

	listResult, err := a.serveProxy("proxy/buffer/list", nil)
	if err != nil {
		t.Fatalf("buffer/list: %v", err)
	}
	uris := listResult.([]buffer.URI)
	if len(uris) != 1 || uris[0] != doc.URI() {
		t.Errorf("uris = %v", uris)
	}

	if _, err := a.serveProxy("proxy/unknown", nil); err == nil {
		t.Error("unknown method accepted")
	}
}

func TestPluginAPIBufferText(t *testing.T) {
	a := newTestApp(t, "")

	path := filepath.Join(t.TempDir(), "lib.rs")
	if err := os.WriteFile(path, []byte("fn main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, doc, err := a.Manager().OpenFile(path, "rust")
	if err != nil {
		t.Fatal(err)
	}

	api := a.pluginAPI()
	text, ok := api.BufferText(string(doc.URI()))
	if !ok || text != "fn main() {}\n" {
		t.Errorf("BufferText = %q, %v", text, ok)
	}
	if _, ok := api.BufferText("file:///nowhere"); ok {
		t.Error("unknown uri resolved")
	}
}
