package plugin

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tidwall/gjson"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(nil, nil)

	payload := []byte(`{
		"name": "inlay-hints",
		"version": "2.0.1",
		"main": "server",
		"capabilities": ["hover", "buffer:read"]
	}`)

	result, err := r.Register(payload)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	grant := result.(Grant)
	if grant.InstanceID == "" {
		t.Error("empty instance id")
	}
	if len(grant.Granted) != 2 {
		t.Errorf("granted = %v", grant.Granted)
	}

	if !r.Allows("inlay-hints", "proxy/hover") {
		t.Error("granted method refused")
	}
	if r.Allows("inlay-hints", "proxy/buffer/edit") {
		t.Error("ungranted method allowed")
	}
	if r.Allows("unknown-plugin", "proxy/hover") {
		t.Error("unregistered plugin allowed")
	}

	// Duplicate registration is refused while the first is live.
	if _, err := r.Register(payload); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate err = %v, want ErrAlreadyRegistered", err)
	}

	// After unregister the name is free again.
	if err := r.Unregister("inlay-hints"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, err := r.Register(payload); err != nil {
		t.Errorf("re-register after unregister: %v", err)
	}
}

func TestRegistryRejectsInvalidManifest(t *testing.T) {
	r := NewRegistry(nil, nil)
	if _, err := r.Register([]byte(`{"name":"NO CAPS","main":"x"}`)); !errors.Is(err, ErrInvalidName) {
		t.Errorf("err = %v, want ErrInvalidName", err)
	}
	if _, err := r.Register([]byte(`not json`)); err == nil {
		t.Error("garbage payload accepted")
	}
}

func TestRegistryConfigMerge(t *testing.T) {
	overrides := map[string]map[string]any{
		"themed": {
			"theme.name": "dark",
			"limit":      20,
		},
	}
	r := NewRegistry(overrides, nil)

	payload := []byte(`{
		"name": "themed",
		"version": "1.0.0",
		"main": "init.lua",
		"config": {"theme": {"name": "light", "contrast": "high"}, "limit": 10}
	}`)
	result, err := r.Register(payload)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	grant := result.(Grant)

	cfg := gjson.ParseBytes(grant.Config)
	if got := cfg.Get("theme.name").String(); got != "dark" {
		t.Errorf("theme.name = %q, want dark (override)", got)
	}
	if got := cfg.Get("theme.contrast").String(); got != "high" {
		t.Errorf("theme.contrast = %q, want high (default preserved)", got)
	}
	if got := cfg.Get("limit").Int(); got != 20 {
		t.Errorf("limit = %d, want 20 (override)", got)
	}
}

func TestMergeConfigNilDefaults(t *testing.T) {
	raw, err := mergeConfig(nil, map[string]any{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("merged config is not valid JSON: %v", err)
	}
	if decoded["a"] != float64(1) {
		t.Errorf("decoded = %v", decoded)
	}
}
