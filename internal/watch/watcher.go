// Package watch detects external file system changes and forwards them
// to language servers and plugins as watched-file notifications. Rapid
// bursts of writes to one path coalesce into a single notification.
package watch

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kspine/lapce/internal/logging"
)

var (
	ErrClosed          = errors.New("watcher is closed")
	ErrAlreadyWatching = errors.New("path is already being watched")
	ErrNotWatching     = errors.New("path is not being watched")
	ErrPathNotExist    = errors.New("path does not exist")
)

// Op is a bitmask of file system operations.
type Op uint32

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

func (op Op) Has(o Op) bool { return op&o == o }

func (op Op) String() string {
	switch {
	case op.Has(OpCreate):
		return "create"
	case op.Has(OpWrite):
		return "write"
	case op.Has(OpRemove):
		return "remove"
	case op.Has(OpRename):
		return "rename"
	case op.Has(OpChmod):
		return "chmod"
	default:
		return "unknown"
	}
}

// Event is one file system change.
type Event struct {
	Path string
	Op   Op
	Time time.Time
}

// Config holds watcher options.
type Config struct {
	// BufferSize is the event channel capacity. Default 100.
	BufferSize int
	// IgnorePatterns are gitignore-style patterns for paths to skip.
	IgnorePatterns []string
	// IgnoreHidden skips dotfiles and dot-directories.
	IgnoreHidden bool
	Log          *logging.Logger
}

// Option configures a Watcher.
type Option func(*Config)

func WithBufferSize(n int) Option { return func(c *Config) { c.BufferSize = n } }

func WithIgnorePatterns(patterns []string) Option {
	return func(c *Config) { c.IgnorePatterns = patterns }
}

func WithIgnoreHidden(ignore bool) Option { return func(c *Config) { c.IgnoreHidden = ignore } }

func WithLogger(log *logging.Logger) Option { return func(c *Config) { c.Log = log } }

// Stats is a snapshot of watcher counters.
type Stats struct {
	WatchedPaths int
	TotalEvents  int64
	Errors       int64
}

// Watcher monitors directories through fsnotify. Directories created
// under a watched directory are picked up automatically.
type Watcher struct {
	fs     *fsnotify.Watcher
	cfg    Config
	ignore *Matcher
	log    *logging.Logger

	mu     sync.RWMutex
	paths  map[string]bool
	closed bool

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	totalEvents atomic.Int64
	totalErrors atomic.Int64
}

// New creates a watcher. Close releases the underlying OS resources.
func New(opts ...Option) (*Watcher, error) {
	cfg := Config{BufferSize: 100}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.Log == nil {
		cfg.Log = logging.Nop()
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fs:     fs,
		cfg:    cfg,
		ignore: NewMatcher(cfg.IgnorePatterns, cfg.IgnoreHidden),
		log:    cfg.Log.WithPrefix("watch"),
		paths:  make(map[string]bool),
		events: make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Watch starts watching a single path.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return ErrPathNotExist
		}
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.paths[abs] {
		return ErrAlreadyWatching
	}
	if err := w.fs.Add(abs); err != nil {
		return err
	}
	w.paths[abs] = true
	return nil
}

// WatchRecursive watches a directory tree, skipping ignored subtrees.
func (w *Watcher) WatchRecursive(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrPathNotExist
		}
		return err
	}
	if !info.IsDir() {
		return w.Watch(abs)
	}

	return filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignore.Match(p, true) {
			return filepath.SkipDir
		}
		if watchErr := w.Watch(p); watchErr != nil && !errors.Is(watchErr, ErrAlreadyWatching) {
			w.totalErrors.Add(1)
			w.log.Warnf("watch %s: %v", p, watchErr)
		}
		return nil
	})
}

// Unwatch stops watching a path.
func (w *Watcher) Unwatch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if !w.paths[abs] {
		return ErrNotWatching
	}
	if err := w.fs.Remove(abs); err != nil {
		return err
	}
	delete(w.paths, abs)
	return nil
}

// Events returns the change channel. Closed when the watcher closes.
func (w *Watcher) Events() <-chan Event { return w.events }

// IsWatching reports whether a path has an active watch.
func (w *Watcher) IsWatching(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.paths[abs]
}

// Stats returns a counter snapshot.
func (w *Watcher) Stats() Stats {
	w.mu.RLock()
	watched := len(w.paths)
	w.mu.RUnlock()
	return Stats{
		WatchedPaths: watched,
		TotalEvents:  w.totalEvents.Load(),
		Errors:       w.totalErrors.Load(),
	}
}

// Close stops the watcher and closes the event channel.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()

	err := w.fs.Close()
	w.wg.Wait()
	close(w.events)
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case fsEvent, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(fsEvent)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.totalErrors.Add(1)
			w.log.Warnf("fsnotify: %v", err)
		}
	}
}

func (w *Watcher) handle(fsEvent fsnotify.Event) {
	op := convertOp(fsEvent.Op)
	if op == 0 {
		return
	}
	if w.ignore.Match(fsEvent.Name, false) {
		return
	}

	select {
	case w.events <- Event{Path: fsEvent.Name, Op: op, Time: time.Now()}:
		w.totalEvents.Add(1)
	default:
		w.totalErrors.Add(1)
		w.log.Debugf("event channel full, dropping %s %s", op, fsEvent.Name)
	}

	// A directory created under a watched directory joins the watch
	// set so changes inside it are seen too.
	if op.Has(OpCreate) {
		if info, err := os.Stat(fsEvent.Name); err == nil && info.IsDir() {
			if !w.ignore.Match(fsEvent.Name, true) {
				_ = w.Watch(fsEvent.Name)
			}
		}
	}
}

func convertOp(fsOp fsnotify.Op) Op {
	var op Op
	if fsOp.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if fsOp.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if fsOp.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if fsOp.Has(fsnotify.Rename) {
		op |= OpRename
	}
	if fsOp.Has(fsnotify.Chmod) {
		op |= OpChmod
	}
	return op
}
