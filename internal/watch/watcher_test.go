package watch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitEvent(t *testing.T, w *Watcher, path string) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-w.Events():
			if !ok {
				t.Fatal("event channel closed")
			}
			if event.Path == path {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event on %s", path)
		}
	}
}

func TestWatcherSeesFileCreation(t *testing.T) {
	dir := t.TempDir()
	w, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Watch(dir); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(dir, "new.go")
	if err := os.WriteFile(target, []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}

	event := waitEvent(t, w, target)
	if !event.Op.Has(OpCreate) && !event.Op.Has(OpWrite) {
		t.Errorf("op = %v, want create or write", event.Op)
	}
	if w.Stats().TotalEvents == 0 {
		t.Error("stats did not record the event")
	}
}

func TestWatcherIgnoresFilteredPaths(t *testing.T) {
	dir := t.TempDir()
	w, err := New(WithIgnorePatterns([]string{"*.log"}))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Watch(dir); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "noise.log"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	wanted := filepath.Join(dir, "kept.go")
	if err := os.WriteFile(wanted, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The kept file arrives; the log file must not precede it.
	event := waitEvent(t, w, wanted)
	if event.Path != wanted {
		t.Errorf("path = %q", event.Path)
	}
}

func TestWatcherRecursivePicksUpSubdirs(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "pkg")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	w, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.WatchRecursive(dir); err != nil {
		t.Fatal(err)
	}
	if !w.IsWatching(sub) {
		t.Fatal("subdirectory not watched")
	}

	target := filepath.Join(sub, "deep.go")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, w, target)
}

func TestWatcherWatchErrors(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Watch("/does/not/exist"); !errors.Is(err, ErrPathNotExist) {
		t.Errorf("err = %v, want ErrPathNotExist", err)
	}

	dir := t.TempDir()
	if err := w.Watch(dir); err != nil {
		t.Fatal(err)
	}
	if err := w.Watch(dir); !errors.Is(err, ErrAlreadyWatching) {
		t.Errorf("err = %v, want ErrAlreadyWatching", err)
	}
	if err := w.Unwatch(dir); err != nil {
		t.Fatal(err)
	}
	if err := w.Unwatch(dir); !errors.Is(err, ErrNotWatching) {
		t.Errorf("err = %v, want ErrNotWatching", err)
	}
}

func TestWatcherCloseIdempotent(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if err := w.Watch(t.TempDir()); !errors.Is(err, ErrClosed) {
		t.Errorf("watch after close = %v, want ErrClosed", err)
	}
}
