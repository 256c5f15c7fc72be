// Package app wires the proxy together: configuration, the session
// manager, plugins, the file watcher, and the event bus, in dependency
// order.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/kspine/lapce/internal/buffer"
	"github.com/kspine/lapce/internal/config"
	"github.com/kspine/lapce/internal/event"
	"github.com/kspine/lapce/internal/logging"
	"github.com/kspine/lapce/internal/plugin"
	"github.com/kspine/lapce/internal/session"
	"github.com/kspine/lapce/internal/watch"
)

// Options come from the command line.
type Options struct {
	// ConfigPath points at the TOML settings file.
	ConfigPath string
	// CatalogPath points at the YAML language server catalog.
	CatalogPath string
	// WorkspacePath overrides the configured root.
	WorkspacePath string
	// LogLevel overrides the configured level when set.
	LogLevel string
	// Files are opened at startup.
	Files []string
	// NoWatch disables the file watcher.
	NoWatch bool
}

// App is the running proxy.
type App struct {
	cfg     config.Config
	log     *logging.Logger
	logFile *os.File

	bus      *event.Bus
	manager  *session.Manager
	registry *plugin.Registry
	host     *plugin.Host

	watcher   *watch.Watcher
	stopWatch func()

	cancel  context.CancelFunc
	stopped atomic.Bool
}

// New bootstraps the proxy. Component failures that leave the proxy
// usable (a plugin that will not load, a watcher the OS refuses) are
// logged and skipped; only configuration errors are fatal.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(&cfg)
	if opts.WorkspacePath != "" {
		cfg.RootPath = opts.WorkspacePath
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	a := &App{cfg: cfg}
	if err := a.openLog(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.bus = event.NewBus(a.log)

	rootURI := session.PathToURI(cfg.RootPath)
	a.manager = session.NewManager(session.ManagerConfig{
		RootURI: rootURI,
		Folders: []session.WorkspaceFolder{{
			URI:  rootURI,
			Name: filepath.Base(cfg.RootPath),
		}},
		Backoff: cfg.Restart.Backoff(),
		Log:     a.log,
	})
	go event.ForwardSupervisor(ctx, a.bus, a.manager.Events())

	if err := a.startServers(ctx, opts.CatalogPath); err != nil {
		a.Shutdown()
		return nil, err
	}

	a.registry = plugin.NewRegistry(cfg.Plugins, a.log)
	a.host = plugin.NewHost(a.pluginAPI(), a.log)
	a.loadPlugins(ctx)

	if !opts.NoWatch {
		a.startWatcher()
	}

	for _, path := range opts.Files {
		if _, _, err := a.manager.OpenFile(path, LanguageForPath(path)); err != nil {
			a.log.Warnf("open %s: %v", path, err)
		}
	}

	return a, nil
}

// Manager exposes the session manager to the serving layer.
func (a *App) Manager() *session.Manager { return a.manager }

// Bus exposes the event bus.
func (a *App) Bus() *event.Bus { return a.bus }

// Config returns the effective configuration.
func (a *App) Config() config.Config { return a.cfg }

// Run blocks until ctx is cancelled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	<-ctx.Done()
	a.Shutdown()
	return nil
}

// Shutdown stops everything in reverse start order. Safe to call more
// than once.
func (a *App) Shutdown() {
	if a.stopped.Swap(true) {
		return
	}
	a.cancel()

	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.watcher != nil {
		_ = a.watcher.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.manager.Shutdown(ctx)

	if a.host != nil {
		a.host.Close()
	}
	a.bus.Close()

	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

func (a *App) openLog() error {
	level := logging.ParseLevel(a.cfg.Log.Level)
	out := os.Stderr
	if a.cfg.Log.Path != "" {
		f, err := os.OpenFile(a.cfg.Log.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		a.logFile = f
		out = f
	}
	a.log = logging.New(out, level)
	return nil
}

func (a *App) startServers(ctx context.Context, catalogPath string) error {
	catalog, err := config.LoadCatalog(catalogPath)
	if err != nil {
		return err
	}
	for _, def := range catalog.Servers {
		spec := session.ServerSpec{
			Name:             def.Name,
			Languages:        def.Languages,
			Command:          def.Command,
			Args:             def.Args,
			Env:              def.Env,
			InitOpts:         def.InitOpts,
			RequestTimeout:   a.cfg.Timeouts.Request(),
			HandshakeTimeout: a.cfg.Timeouts.Handshake(),
		}
		if len(def.Languages) == 1 {
			spec.LanguageID = def.Languages[0]
		}
		if err := a.manager.StartServer(ctx, spec); err != nil {
			// One broken server should not block the rest.
			a.log.Warnf("start %s: %v", def.Name, err)
		}
	}
	return nil
}

func (a *App) startWatcher() {
	patterns := append([]string{}, watch.DefaultIgnorePatterns...)
	patterns = append(patterns, a.cfg.Watch.IgnorePatterns...)

	w, err := watch.New(
		watch.WithIgnorePatterns(patterns),
		watch.WithIgnoreHidden(a.cfg.Watch.IgnoreHidden),
		watch.WithLogger(a.log),
	)
	if err != nil {
		a.log.Warnf("file watcher unavailable: %v", err)
		return
	}
	if err := w.WatchRecursive(a.cfg.RootPath); err != nil {
		a.log.Warnf("watch %s: %v", a.cfg.RootPath, err)
	}
	a.watcher = w
	isOpen := func(uri buffer.URI) bool {
		_, _, ok := a.manager.DocumentByURI(uri)
		return ok
	}
	a.stopWatch = watch.Pipe(w, a.cfg.Watch.Debounce(), a.manager, a.bus, isOpen, a.log)
}

// languagesByExt maps file extensions to LSP language identifiers.
var languagesByExt = map[string]string{
	".go":   "go",
	".rs":   "rust",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".java": "java",
	".rb":   "ruby",
	".lua":  "lua",
	".md":   "markdown",
	".toml": "toml",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
}

// LanguageForPath guesses the language identifier from the extension.
func LanguageForPath(path string) string {
	if lang, ok := languagesByExt[filepath.Ext(path)]; ok {
		return lang
	}
	return "plaintext"
}
