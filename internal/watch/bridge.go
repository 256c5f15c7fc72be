package watch

import (
	"context"
	"time"

	"github.com/kspine/lapce/internal/buffer"
	"github.com/kspine/lapce/internal/event"
	"github.com/kspine/lapce/internal/logging"
	"github.com/kspine/lapce/internal/session"
)

// Notifier receives batches of watched-file changes. *session.Manager
// satisfies it.
type Notifier interface {
	NotifyWatchedFiles(changes []session.FileEvent)
}

// Bridge drains debounced file events and forwards them as
// workspace/didChangeWatchedFiles batches. Events already queued when
// one arrives join the same batch.
type Bridge struct {
	source   <-chan Event
	notifier Notifier
	log      *logging.Logger

	bus    *event.Bus
	isOpen func(buffer.URI) bool
}

// NewBridge wires an event source to a notifier.
func NewBridge(source <-chan Event, notifier Notifier, log *logging.Logger) *Bridge {
	if log == nil {
		log = logging.Nop()
	}
	return &Bridge{source: source, notifier: notifier, log: log.WithPrefix("watch")}
}

// PublishTo additionally publishes each change on the bus: changes to
// open documents as invalidations, everything else as tree changes.
func (b *Bridge) PublishTo(bus *event.Bus, isOpen func(buffer.URI) bool) *Bridge {
	b.bus = bus
	b.isOpen = isOpen
	return b
}

// Run forwards events until ctx is cancelled or the source closes.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-b.source:
			if !ok {
				return
			}
			batch := []session.FileEvent{toFileEvent(event)}
			batch = b.drain(batch)
			b.log.Debugf("forwarding %d watched-file change(s)", len(batch))
			b.notifier.NotifyWatchedFiles(batch)
			b.publish(batch)
		}
	}
}

// drain collects whatever else is immediately available.
func (b *Bridge) drain(batch []session.FileEvent) []session.FileEvent {
	for {
		select {
		case event, ok := <-b.source:
			if !ok {
				return batch
			}
			batch = append(batch, toFileEvent(event))
		default:
			return batch
		}
	}
}

// publish classifies each change for editor-side subscribers.
func (b *Bridge) publish(batch []session.FileEvent) {
	if b.bus == nil {
		return
	}
	for _, fe := range batch {
		topic := event.TopicFileTree
		if b.isOpen != nil && b.isOpen(fe.URI) {
			topic = event.TopicFileInvalidate
		}
		_ = b.bus.Publish(topic, fe)
	}
}

// toFileEvent maps a change to its wire representation. Removes and
// renames both report as deletions: after a rename the old path no
// longer holds the file.
func toFileEvent(event Event) session.FileEvent {
	kind := session.FileChanged
	switch {
	case event.Op.Has(OpRemove) || event.Op.Has(OpRename):
		kind = session.FileDeleted
	case event.Op.Has(OpCreate):
		kind = session.FileCreated
	}
	return session.FileEvent{URI: session.PathToURI(event.Path), Type: kind}
}

// Pipe runs a watcher-to-notifier pipeline: raw watcher events feed a
// debouncer, the bridge drains it. When bus is non-nil, changes are
// also published there, classified by isOpen. Returns a stop function.
func Pipe(w *Watcher, delay time.Duration, notifier Notifier, bus *event.Bus, isOpen func(buffer.URI) bool, log *logging.Logger) (stop func()) {
	deb := NewDebouncer(delay)
	bridge := NewBridge(deb.Events(), notifier, log)
	if bus != nil {
		bridge.PublishTo(bus, isOpen)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for event := range w.Events() {
			deb.Add(event)
		}
	}()
	go bridge.Run(ctx)

	return func() {
		cancel()
		deb.Close()
	}
}
