package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/kspine/lapce/internal/logging"
)

var (
	// ErrAlreadyRegistered means a plugin with the same name is live.
	ErrAlreadyRegistered = errors.New("plugin: already registered")
	// ErrNotRegistered means no live plugin has that name.
	ErrNotRegistered = errors.New("plugin: not registered")
)

// Registration is one live plugin instance: its manifest, its granted
// scope, and a unique instance id the plugin echoes on later traffic.
type Registration struct {
	InstanceID string
	Manifest   *Manifest
	Scope      *Scope
}

// Grant is the payload returned to a plugin that registered
// successfully.
type Grant struct {
	InstanceID string          `json:"instanceId"`
	Granted    []Capability    `json:"granted"`
	Methods    []string        `json:"methods"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// Registry tracks registered plugins and answers capability questions
// for the session layer's method gate.
type Registry struct {
	log *logging.Logger

	mu        sync.RWMutex
	byName    map[string]*Registration
	overrides map[string]map[string]any
}

// NewRegistry creates an empty registry. overrides carries user config
// values per plugin name, patched over each manifest's defaults.
func NewRegistry(overrides map[string]map[string]any, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	if overrides == nil {
		overrides = make(map[string]map[string]any)
	}
	return &Registry{
		log:       log,
		byName:    make(map[string]*Registration),
		overrides: overrides,
	}
}

// Register validates a plugin/register payload, grants a scope, and
// returns the Grant. The payload is the manifest itself.
func (r *Registry) Register(params json.RawMessage) (any, error) {
	manifest, err := ParseManifest(params)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, live := r.byName[manifest.Name]; live {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, manifest.Name)
	}
	reg := &Registration{
		InstanceID: uuid.NewString(),
		Manifest:   manifest,
		Scope:      NewScope(manifest.Capabilities),
	}
	r.byName[manifest.Name] = reg
	overrides := r.overrides[manifest.Name]
	r.mu.Unlock()

	config, err := mergeConfig(manifest.Config, overrides)
	if err != nil {
		r.log.Warnf("plugin %s: config merge: %v", manifest.Name, err)
		config = nil
	}

	r.log.Infof("registered %s (%s), granted %v", manifest, reg.InstanceID, reg.Scope.Granted())
	return Grant{
		InstanceID: reg.InstanceID,
		Granted:    reg.Scope.Granted(),
		Methods:    reg.Scope.Methods(),
		Config:     config,
	}, nil
}

// Unregister drops a plugin, typically when its session dies.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	delete(r.byName, name)
	return nil
}

// Lookup returns a live registration.
func (r *Registry) Lookup(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	return reg, ok
}

// Allows reports whether a registered plugin may invoke a method.
// Unregistered plugins may invoke nothing.
func (r *Registry) Allows(name, method string) bool {
	r.mu.RLock()
	reg, ok := r.byName[name]
	r.mu.RUnlock()
	return ok && reg.Scope.Allows(method)
}

// Names returns the registered plugin names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// mergeConfig patches user overrides over the manifest's defaults. Keys
// may be dotted paths into nested values.
func mergeConfig(defaults map[string]any, overrides map[string]any) (json.RawMessage, error) {
	if defaults == nil && len(overrides) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(defaults)
	if err != nil {
		return nil, err
	}
	if defaults == nil {
		raw = []byte(`{}`)
	}

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		raw, err = sjson.SetBytes(raw, key, overrides[key])
		if err != nil {
			return nil, fmt.Errorf("set %q: %w", key, err)
		}
	}
	return raw, nil
}
