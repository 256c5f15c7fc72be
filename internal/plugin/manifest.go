// Package plugin loads and validates plugin manifests, grants
// capability-scoped method namespaces, and hosts local Lua plugins
// in-process. External plugin processes register over the session layer;
// this package owns what they are allowed to do once registered.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Manifest describes a plugin's identity and requirements.
type Manifest struct {
	// Identity
	Name        string `json:"name"`    // unique identifier, e.g. "rust-inlay"
	Version     string `json:"version"` // semver
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Author      string `json:"author"`

	// Entry point. A Lua file runs in-process on the host; an executable
	// runs as an external session that must register over the wire.
	Main string `json:"main"`

	// Socket attaches to an already-running plugin at a websocket URL
	// instead of spawning Main. One of Main or Socket must be set.
	Socket string `json:"socket"`

	// Languages scopes which documents the plugin is bound to. Empty
	// means all.
	Languages []string `json:"languages"`

	// Capabilities requested. Each maps to a namespace of proxy methods.
	Capabilities []Capability `json:"capabilities"`

	// ActivationEvents defer startup until one fires, e.g.
	// "onLanguage:go" or "onStartup".
	ActivationEvents []string `json:"activationEvents"`

	// Configuration defaults, patched by user config.
	Config map[string]any `json:"config"`

	// path to the plugin directory, set by the loader.
	path string
}

// Validation errors.
var (
	ErrMissingName       = errors.New("manifest: name is required")
	ErrInvalidName       = errors.New("manifest: name must be lower-case alphanumeric with hyphens")
	ErrInvalidVersion    = errors.New("manifest: version must be valid semver")
	ErrInvalidCapability = errors.New("manifest: unknown capability")
	ErrMissingMain       = errors.New("manifest: one of main or socket is required")
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// semverPattern is simplified semver: MAJOR.MINOR.PATCH with optional
// pre-release and build metadata.
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// LoadManifest loads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.path = filepath.Dir(path)
	return m, nil
}

// LoadManifestFromDir loads plugin.json from a plugin directory.
func LoadManifestFromDir(dir string) (*Manifest, error) {
	return LoadManifest(filepath.Join(dir, "plugin.json"))
}

// ParseManifest decodes and validates raw manifest bytes, as received
// from a plugin/register payload or read from disk.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Version == "" {
		m.Version = "0.0.0"
	}
}

// Validate checks identity, version, and capability names.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, m.Name)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, m.Version)
	}
	if m.Main == "" && m.Socket == "" {
		return ErrMissingMain
	}
	for _, c := range m.Capabilities {
		if !knownCapabilities[c] {
			return fmt.Errorf("%w: %q", ErrInvalidCapability, c)
		}
	}
	return nil
}

// IsLua reports whether the plugin runs in-process on the Lua host.
func (m *Manifest) IsLua() bool {
	return filepath.Ext(m.Main) == ".lua"
}

// Path returns the plugin directory ("" for wire-registered manifests).
func (m *Manifest) Path() string { return m.path }

// MainPath returns the full path to the entry point.
func (m *Manifest) MainPath() string { return filepath.Join(m.path, m.Main) }

// HasCapability reports whether the manifest requests cap.
func (m *Manifest) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// String renders "name vVERSION" for logs.
func (m *Manifest) String() string {
	display := m.DisplayName
	if display == "" {
		display = m.Name
	}
	return fmt.Sprintf("%s v%s", display, m.Version)
}

// Discover scans a directory of plugin subdirectories for manifests.
// Directories without a plugin.json, or with an invalid one, are skipped
// with the error recorded in the returned map.
func Discover(root string) ([]*Manifest, map[string]error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, map[string]error{root: err}
	}

	var manifests []*Manifest
	failures := make(map[string]error)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		m, err := LoadManifestFromDir(dir)
		if err != nil {
			if !os.IsNotExist(err) && !errors.Is(err, os.ErrNotExist) {
				failures[entry.Name()] = err
			}
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, failures
}
