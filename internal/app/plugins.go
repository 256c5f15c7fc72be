package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kspine/lapce/internal/buffer"
	"github.com/kspine/lapce/internal/delta"
	"github.com/kspine/lapce/internal/plugin"
	"github.com/kspine/lapce/internal/session"
)

// loadPlugins discovers manifests under the plugin directory. Lua
// plugins run in-process on the host; anything else is spawned as a
// supervised peer process.
func (a *App) loadPlugins(ctx context.Context) {
	if a.cfg.PluginDir == "" {
		return
	}
	manifests, failures := plugin.Discover(a.cfg.PluginDir)
	for dir, err := range failures {
		a.log.Warnf("plugin %s: %v", dir, err)
	}

	for _, m := range manifests {
		if m.IsLua() {
			scope := plugin.NewScope(m.Capabilities)
			if err := a.host.Load(m, scope); err != nil {
				a.log.Warnf("plugin %s: %v", m.Name, err)
			}
			continue
		}
		a.startPluginProcess(ctx, m)
	}
}

func (a *App) startPluginProcess(ctx context.Context, m *plugin.Manifest) {
	name := m.Name
	spec := session.PluginSpec{
		Name:             name,
		Command:          m.MainPath(),
		Languages:        m.Languages,
		OnRegister:       a.registry.Register,
		MethodAllowed:    func(method string) bool { return a.registry.Allows(name, method) },
		Serve:            a.serveProxy,
		HandshakeTimeout: a.cfg.Timeouts.Handshake(),
	}
	if m.Socket != "" {
		// The plugin is already running; attach over its socket.
		spec.Launcher = &session.SocketLauncher{URL: m.Socket, Log: a.log}
	}
	if err := a.manager.StartPlugin(ctx, spec); err != nil {
		a.log.Warnf("plugin %s: %v", name, err)
	}
}

// pluginAPI is the surface Lua plugins see through their proxy table.
func (a *App) pluginAPI() plugin.API {
	return plugin.API{
		BufferText: func(uri string) (string, bool) {
			_, doc, ok := a.manager.DocumentByURI(buffer.URI(uri))
			if !ok {
				return "", false
			}
			return doc.Text(), true
		},
		BufferEdit: func(uri string, start, end int, text string) error {
			id, _, ok := a.manager.DocumentByURI(buffer.URI(uri))
			if !ok {
				return session.ErrUnknownDocument
			}
			return a.manager.Edit(id, start, end, text)
		},
		ConfigGet: a.configValue,
		Notify: func(level, message string) {
			_ = a.bus.Publish("plugin/notify", map[string]string{
				"level":   level,
				"message": message,
			})
		},
	}
}

// configValue resolves "plugin-name.setting.path" against the per-plugin
// override tables.
func (a *App) configValue(key string) (any, bool) {
	name, rest, ok := strings.Cut(key, ".")
	if !ok {
		return nil, false
	}
	overrides, ok := a.cfg.Plugins[name]
	if !ok {
		return nil, false
	}
	value, ok := overrides[rest]
	return value, ok
}

// Proxy methods served to plugin processes. Each maps to a capability
// namespace; MethodAllowed has already gated the call.
type bufferParams struct {
	URI string `json:"uri"`
}

type positionParams struct {
	URI      string         `json:"uri"`
	Position delta.Position `json:"position"`
}

type configParams struct {
	Key string `json:"key"`
}

// serveProxy answers requests initiated by plugin processes.
func (a *App) serveProxy(method string, params json.RawMessage) (any, error) {
	switch method {
	case "proxy/buffer/get":
		var p bufferParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		_, doc, ok := a.manager.DocumentByURI(buffer.URI(p.URI))
		if !ok {
			return nil, session.ErrUnknownDocument
		}
		return map[string]any{
			"text":     doc.Text(),
			"revision": doc.Revision(),
		}, nil

	case "proxy/buffer/list":
		return a.manager.OpenURIs(), nil

	case "proxy/config/get":
		var p configParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		value, ok := a.configValue(p.Key)
		if !ok {
			return nil, nil
		}
		return value, nil

	case "proxy/hover":
		var p positionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		id, _, ok := a.manager.DocumentByURI(buffer.URI(p.URI))
		if !ok {
			return nil, session.ErrUnknownDocument
		}
		return a.manager.Hover(context.Background(), id, p.Position)

	case "proxy/completion":
		var p positionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		id, _, ok := a.manager.DocumentByURI(buffer.URI(p.URI))
		if !ok {
			return nil, session.ErrUnknownDocument
		}
		return a.manager.Completion(context.Background(), id, p.Position)

	case "proxy/definition":
		var p positionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		id, _, ok := a.manager.DocumentByURI(buffer.URI(p.URI))
		if !ok {
			return nil, session.ErrUnknownDocument
		}
		return a.manager.Definition(context.Background(), id, p.Position)

	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
}
