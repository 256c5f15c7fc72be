package watch

import (
	"sync"
	"time"
)

// Debouncer coalesces rapid changes to the same path into one event.
// Each path gets its own delay window; a new change within the window
// merges its operation bits and restarts the timer. Distinct paths
// never delay each other.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEvent
	closed  bool

	events chan Event
	done   chan struct{}
}

type pendingEvent struct {
	event Event
	timer *time.Timer
}

// NewDebouncer creates a debouncer with the given window. A delay of
// zero or less falls back to 100ms.
func NewDebouncer(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*pendingEvent),
		events:  make(chan Event, 100),
		done:    make(chan struct{}),
	}
}

// Add feeds a raw event in. The coalesced event surfaces on Events
// after the window elapses without further changes to the path.
func (d *Debouncer) Add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if p, live := d.pending[event.Path]; live {
		p.event.Op |= event.Op
		p.event.Time = event.Time
		p.timer.Reset(d.delay)
		return
	}

	path := event.Path
	p := &pendingEvent{event: event}
	p.timer = time.AfterFunc(d.delay, func() { d.fire(path) })
	d.pending[path] = p
}

// Events returns the coalesced event channel.
func (d *Debouncer) Events() <-chan Event { return d.events }

// Flush fires every pending event immediately.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for path, p := range d.pending {
		p.timer.Stop()
		paths = append(paths, path)
	}
	d.mu.Unlock()

	for _, path := range paths {
		d.fire(path)
	}
}

// Pending returns the number of paths waiting out their window.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close drops pending events and closes the event channel.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	for path, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, path)
	}
	d.mu.Unlock()

	close(d.events)
}

func (d *Debouncer) fire(path string) {
	d.mu.Lock()
	p, live := d.pending[path]
	if !live || d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	event := p.event
	d.mu.Unlock()

	select {
	case d.events <- event:
	case <-d.done:
	}
}
