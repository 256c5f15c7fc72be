package plugin

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLuaPlugin(t *testing.T, source string) *Manifest {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := &Manifest{
		Name:    "lua-test",
		Version: "1.0.0",
		Main:    "init.lua",
		path:    dir,
	}
	if err := manifest.Validate(); err != nil {
		t.Fatal(err)
	}
	return manifest
}

func TestHostLoadAndEvent(t *testing.T) {
	var logged []string
	api := API{
		Notify: func(level, message string) {
			logged = append(logged, level+":"+message)
		},
	}
	h := NewHost(api, nil)
	defer h.Close()

	manifest := writeLuaPlugin(t, `
		proxy.notify("info", "loaded")
		function on_event(name, payload)
			proxy.notify("info", "event " .. name .. " line " .. tostring(payload.line))
		end
	`)

	if err := h.Load(manifest, NewScope(nil)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !h.Loaded("lua-test") {
		t.Fatal("plugin not reported loaded")
	}

	h.EmitEvent("lua-test", "did_save", map[string]any{"line": 3})

	want := []string{"info:loaded", "info:event did_save line 3"}
	if len(logged) != len(want) {
		t.Fatalf("logged = %v, want %v", logged, want)
	}
	for i := range want {
		if logged[i] != want[i] {
			t.Errorf("logged[%d] = %q, want %q", i, logged[i], want[i])
		}
	}
}

func TestHostCapabilityGate(t *testing.T) {
	var notified []string
	api := API{
		BufferText: func(uri string) (string, bool) { return "content", true },
		Notify:     func(_, message string) { notified = append(notified, message) },
	}
	h := NewHost(api, nil)
	defer h.Close()

	// No buffer:read grant: the call must raise, caught by pcall.
	manifest := writeLuaPlugin(t, `
		local ok, err = pcall(function() return proxy.buffer_text("file:///a.go") end)
		if ok then
			proxy.notify("error", "gate missing")
		else
			proxy.notify("info", "refused: " .. tostring(err))
		end
	`)

	if err := h.Load(manifest, NewScope([]Capability{CapHover})); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(notified) != 1 || !strings.HasPrefix(notified[0], "refused") {
		t.Errorf("notified = %v, want a refusal", notified)
	}
}

func TestHostGrantedBufferRead(t *testing.T) {
	var got string
	api := API{
		BufferText: func(uri string) (string, bool) { return "hello world", true },
		Notify:     func(_, message string) { got = message },
	}
	h := NewHost(api, nil)
	defer h.Close()

	manifest := writeLuaPlugin(t, `
		proxy.notify("info", proxy.buffer_text("file:///a.go"))
	`)
	if err := h.Load(manifest, NewScope([]Capability{CapBufferRead})); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "hello world" {
		t.Errorf("buffer_text result = %q", got)
	}
}

func TestHostBrokenPluginFailsLoad(t *testing.T) {
	h := NewHost(API{}, nil)
	defer h.Close()

	manifest := writeLuaPlugin(t, `this is not lua (`)
	if err := h.Load(manifest, NewScope(nil)); err == nil {
		t.Fatal("broken plugin loaded without error")
	}
	if h.Loaded("lua-test") {
		t.Error("broken plugin reported loaded")
	}
}

func TestValueConversionRoundTrip(t *testing.T) {
	h := NewHost(API{}, nil)
	defer h.Close()

	manifest := writeLuaPlugin(t, `
		captured = nil
		function on_event(name, payload)
			captured = payload
		end
	`)
	if err := h.Load(manifest, NewScope(nil)); err != nil {
		t.Fatal(err)
	}

	payload := map[string]any{
		"text":  "abc",
		"count": int64(3),
		"ratio": 0.5,
		"flag":  true,
		"list":  []any{int64(1), int64(2)},
	}
	h.EmitEvent("lua-test", "document/changed", payload)

	h.mu.Lock()
	p := h.plugins["lua-test"]
	h.mu.Unlock()

	back := fromLua(p.state.GetGlobal("captured"))
	m, ok := back.(map[string]any)
	if !ok {
		t.Fatalf("captured = %T", back)
	}
	if m["text"] != "abc" || m["count"] != int64(3) || m["ratio"] != 0.5 || m["flag"] != true {
		t.Errorf("captured = %v", m)
	}
	list, ok := m["list"].([]any)
	if !ok || len(list) != 2 || list[0] != int64(1) {
		t.Errorf("list = %v", m["list"])
	}
}
