// Package event carries proxy-side happenings (server crashes,
// recoveries, diagnostics activity) to in-process subscribers without
// coupling producers to consumers.
package event

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kspine/lapce/internal/logging"
)

var (
	ErrBusClosed  = errors.New("event bus is closed")
	ErrNilHandler = errors.New("handler must not be nil")
)

// Topic names a class of events, slash-separated. A subscription
// pattern is either a literal topic, a prefix followed by "/*", or
// "*" for everything.
type Topic string

// Matches reports whether the topic falls under the pattern.
func (t Topic) Matches(pattern Topic) bool {
	if pattern == "*" || pattern == t {
		return true
	}
	if prefix, ok := strings.CutSuffix(string(pattern), "/*"); ok {
		return strings.HasPrefix(string(t), prefix+"/")
	}
	return false
}

// Event is one published happening.
type Event struct {
	Topic   Topic
	Payload any
	Time    time.Time
}

// Handler consumes events. Handlers run on the bus dispatch goroutine;
// slow handlers delay delivery to everyone behind them.
type Handler func(Event)

// Subscription is a live registration. Its ID is the caller's token
// for Unsubscribe.
type Subscription struct {
	id      string
	pattern Topic
	handler Handler
	once    bool
	active  atomic.Bool
}

// ID returns the subscription token.
func (s *Subscription) ID() string { return s.id }

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.active.Load() }

// Stats is a snapshot of bus counters.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Panics      uint64
	Subscribers int
}

// Bus fans events out to pattern-matched subscribers. Publish is
// asynchronous; a single goroutine drains the queue in publish order.
type Bus struct {
	log *logging.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription

	queue  chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

// NewBus creates a running bus.
func NewBus(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Nop()
	}
	b := &Bus{
		log:   log.WithPrefix("bus"),
		subs:  make(map[string]*Subscription),
		queue: make(chan Event, 256),
		done:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Subscribe registers a handler for topics matching the pattern.
func (b *Bus) Subscribe(pattern Topic, handler Handler) (*Subscription, error) {
	return b.subscribe(pattern, handler, false)
}

// SubscribeOnce registers a handler that is removed after its first
// delivery.
func (b *Bus) SubscribeOnce(pattern Topic, handler Handler) (*Subscription, error) {
	return b.subscribe(pattern, handler, true)
}

func (b *Bus) subscribe(pattern Topic, handler Handler, once bool) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	sub := &Subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
		once:    once,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes a subscription by token. Reports whether the
// token was live.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.active.Store(false)
	}
	return ok
}

// Publish enqueues an event for asynchronous delivery. A full queue
// drops the event rather than blocking the producer.
func (b *Bus) Publish(topic Topic, payload any) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	b.published.Add(1)
	select {
	case b.queue <- Event{Topic: topic, Payload: payload, Time: time.Now()}:
		return nil
	case <-b.done:
		return ErrBusClosed
	default:
		b.dropped.Add(1)
		b.log.Debugf("queue full, dropping %s", topic)
		return nil
	}
}

// PublishSync delivers an event to every matching subscriber before
// returning.
func (b *Bus) PublishSync(topic Topic, payload any) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	b.published.Add(1)
	b.dispatch(Event{Topic: topic, Payload: payload, Time: time.Now()})
	return nil
}

// Stats returns a counter snapshot.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subscribers := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Panics:      b.panics.Load(),
		Subscribers: subscribers,
	}
}

// Close stops dispatch. Queued but undelivered events are dropped.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	close(b.done)
	b.wg.Wait()
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case event := <-b.queue:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	matched := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		if sub.active.Load() && event.Topic.Matches(sub.pattern) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.deliver(event, sub)
		if sub.once {
			b.Unsubscribe(sub.id)
		}
	}
}

// deliver runs one handler, containing panics: a broken subscriber
// must not take the dispatch loop down.
func (b *Bus) deliver(event Event, sub *Subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.log.Warnf("handler panic on %s: %v", event.Topic, r)
		}
	}()
	sub.handler(event)
	b.delivered.Add(1)
}
