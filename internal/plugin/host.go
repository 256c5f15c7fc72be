package plugin

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/kspine/lapce/internal/logging"
)

// API is the set of proxy operations the Lua host exposes. Each
// function is nil-safe: an absent hook makes the corresponding Lua call
// an error rather than a crash.
type API struct {
	// BufferText returns the current text of an open document.
	BufferText func(uri string) (string, bool)
	// BufferEdit applies a replacement to an open document.
	BufferEdit func(uri string, start, end int, text string) error
	// ConfigGet resolves a user configuration value.
	ConfigGet func(key string) (any, bool)
	// Notify lets a plugin raise a user-visible message.
	Notify func(level, message string)
}

type luaPlugin struct {
	state    *lua.LState
	manifest *Manifest
	scope    *Scope
}

// Host runs Lua plugins in-process. Each plugin gets its own state with
// a `proxy` table whose functions are gated by the plugin's granted
// capabilities, mirroring the wire-level method gate external plugins
// get.
type Host struct {
	api API
	log *logging.Logger

	mu      sync.Mutex
	plugins map[string]*luaPlugin
}

// NewHost creates an empty Lua host.
func NewHost(api API, log *logging.Logger) *Host {
	if log == nil {
		log = logging.Nop()
	}
	return &Host{
		api:     api,
		log:     log.WithPrefix("lua"),
		plugins: make(map[string]*luaPlugin),
	}
}

// Load runs a plugin's entry point. The state stays alive for event
// dispatch until Unload.
func (h *Host) Load(manifest *Manifest, scope *Scope) error {
	h.mu.Lock()
	if _, live := h.plugins[manifest.Name]; live {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, manifest.Name)
	}
	h.mu.Unlock()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	// Base libraries only: no io, no os, no debug. Filesystem and
	// process access go through granted proxy functions.
	for _, open := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(open.fn))
		L.Push(lua.LString(open.name))
		L.Call(1, 0)
	}

	p := &luaPlugin{state: L, manifest: manifest, scope: scope}
	L.SetGlobal("proxy", h.buildProxyTable(L, p))

	if err := L.DoFile(manifest.MainPath()); err != nil {
		L.Close()
		return fmt.Errorf("load %s: %w", manifest.Name, err)
	}

	h.mu.Lock()
	h.plugins[manifest.Name] = p
	h.mu.Unlock()

	h.log.Infof("loaded %s", manifest)
	return nil
}

// Unload closes a plugin's state.
func (h *Host) Unload(name string) {
	h.mu.Lock()
	p, ok := h.plugins[name]
	delete(h.plugins, name)
	h.mu.Unlock()
	if ok {
		p.state.Close()
		h.log.Infof("unloaded %s", name)
	}
}

// Close unloads every plugin.
func (h *Host) Close() {
	h.mu.Lock()
	plugins := h.plugins
	h.plugins = make(map[string]*luaPlugin)
	h.mu.Unlock()
	for _, p := range plugins {
		p.state.Close()
	}
}

// Loaded returns whether a plugin is live.
func (h *Host) Loaded(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.plugins[name]
	return ok
}

// EmitEvent calls a plugin's global on_event handler, if it defines
// one. Errors are logged, never propagated: a broken handler must not
// take the proxy down.
func (h *Host) EmitEvent(name, event string, payload map[string]any) {
	h.mu.Lock()
	p, ok := h.plugins[name]
	h.mu.Unlock()
	if !ok {
		return
	}

	L := p.state
	handler := L.GetGlobal("on_event")
	if handler.Type() != lua.LTFunction {
		return
	}
	err := L.CallByParam(lua.P{Fn: handler, NRet: 0, Protect: true},
		lua.LString(event), toLua(L, payload))
	if err != nil {
		h.log.Warnf("%s on_event(%s): %v", name, event, err)
	}
}

// buildProxyTable assembles the capability-gated API surface.
func (h *Host) buildProxyTable(L *lua.LState, p *luaPlugin) *lua.LTable {
	t := L.NewTable()

	gated := func(cap Capability, fn lua.LGFunction) lua.LGFunction {
		return func(L *lua.LState) int {
			if !p.scope.Allows(methodForCap(cap)) {
				L.RaiseError("capability %s not granted", cap)
				return 0
			}
			return fn(L)
		}
	}

	L.SetField(t, "log", L.NewFunction(func(L *lua.LState) int {
		h.log.Infof("%s: %s", p.manifest.Name, L.CheckString(1))
		return 0
	}))

	L.SetField(t, "buffer_text", L.NewFunction(gated(CapBufferRead, func(L *lua.LState) int {
		uri := L.CheckString(1)
		if h.api.BufferText == nil {
			L.RaiseError("buffer_text unavailable")
			return 0
		}
		text, ok := h.api.BufferText(uri)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(text))
		return 1
	})))

	L.SetField(t, "buffer_edit", L.NewFunction(gated(CapBufferEdit, func(L *lua.LState) int {
		uri := L.CheckString(1)
		start := L.CheckInt(2)
		end := L.CheckInt(3)
		text := L.CheckString(4)
		if h.api.BufferEdit == nil {
			L.RaiseError("buffer_edit unavailable")
			return 0
		}
		if err := h.api.BufferEdit(uri, start, end, text); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	})))

	L.SetField(t, "config_get", L.NewFunction(gated(CapConfig, func(L *lua.LState) int {
		key := L.CheckString(1)
		if h.api.ConfigGet == nil {
			L.Push(lua.LNil)
			return 1
		}
		value, ok := h.api.ConfigGet(key)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(toLua(L, value))
		return 1
	})))

	L.SetField(t, "notify", L.NewFunction(func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)
		if h.api.Notify != nil {
			h.api.Notify(level, message)
		}
		return 0
	}))

	return t
}

// methodForCap picks a representative method so the Lua gate and the
// wire gate share one Allows implementation.
func methodForCap(cap Capability) string {
	if prefixes := methodNamespaces[cap]; len(prefixes) > 0 {
		return prefixes[0]
	}
	return string(cap)
}

// toLua converts a Go value to its Lua form.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for i, item := range val {
			L.RawSetInt(t, i+1, toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for key, item := range val {
			L.SetField(t, key, toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// fromLua converts a Lua value back to Go. Functions and userdata
// convert to nil.
func fromLua(lv lua.LValue) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		// Arrays are tables with contiguous 1-based integer keys.
		maxN := v.MaxN()
		if maxN > 0 {
			arr := make([]any, 0, maxN)
			for i := 1; i <= maxN; i++ {
				arr = append(arr, fromLua(v.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		v.ForEach(func(k, item lua.LValue) {
			m[k.String()] = fromLua(item)
		})
		return m
	default:
		return nil
	}
}
