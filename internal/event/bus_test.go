package event

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		topic   Topic
		pattern Topic
		want    bool
	}{
		{"server/crash", "server/crash", true},
		{"server/crash", "server/*", true},
		{"server/crash", "*", true},
		{"server/crash", "session/*", false},
		{"server/crash", "server", false},
		{"serverx/crash", "server/*", false},
		{"server", "server/*", false},
	}
	for _, tt := range tests {
		if got := tt.topic.Matches(tt.pattern); got != tt.want {
			t.Errorf("%q.Matches(%q) = %v, want %v", tt.topic, tt.pattern, got, tt.want)
		}
	}
}

func TestBusPublishSync(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var got []Event
	sub, err := b.Subscribe("server/*", func(ev Event) { got = append(got, ev) })
	if err != nil {
		t.Fatal(err)
	}
	if sub.ID() == "" {
		t.Error("empty subscription token")
	}

	if err := b.PublishSync(TopicServerCrash, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := b.PublishSync("session/open", nil); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Topic != TopicServerCrash || got[0].Payload != "boom" {
		t.Errorf("event = %+v", got[0])
	}

	stats := b.Stats()
	if stats.Published != 2 || stats.Delivered != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestBusAsyncDelivery(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	arrived := make(chan Event, 1)
	if _, err := b.Subscribe(TopicServerRecovered, func(ev Event) { arrived <- ev }); err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(TopicServerRecovered, 7); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-arrived:
		if ev.Payload != 7 {
			t.Errorf("payload = %v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async event never delivered")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var calls int
	sub, _ := b.Subscribe("*", func(Event) { calls++ })

	if !b.Unsubscribe(sub.ID()) {
		t.Fatal("live token reported missing")
	}
	if b.Unsubscribe(sub.ID()) {
		t.Error("dead token reported live")
	}
	if sub.Active() {
		t.Error("cancelled subscription still active")
	}

	b.PublishSync("server/crash", nil)
	if calls != 0 {
		t.Errorf("handler ran %d times after unsubscribe", calls)
	}
}

func TestBusSubscribeOnce(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var calls int
	sub, _ := b.SubscribeOnce("server/*", func(Event) { calls++ })

	b.PublishSync(TopicServerCrash, nil)
	b.PublishSync(TopicServerCrash, nil)

	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
	if sub.Active() {
		t.Error("once subscription still active after delivery")
	}
}

func TestBusHandlerPanicContained(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var after int
	b.Subscribe(TopicServerCrash, func(Event) { panic("broken subscriber") })

	b.PublishSync(TopicServerCrash, nil)
	// Dispatch still works for later events and other handlers.
	b.Subscribe(TopicServerCrash, func(Event) { after++ })
	b.PublishSync(TopicServerCrash, nil)

	if after != 1 {
		t.Errorf("healthy handler ran %d times, want 1", after)
	}
	if b.Stats().Panics == 0 {
		t.Error("panic not counted")
	}
}

func TestBusClosed(t *testing.T) {
	b := NewBus(nil)
	b.Close()
	b.Close() // idempotent

	if err := b.Publish("x", nil); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Publish after close = %v, want ErrBusClosed", err)
	}
	if _, err := b.Subscribe("x", func(Event) {}); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Subscribe after close = %v, want ErrBusClosed", err)
	}
}

func TestBusNilHandler(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()
	if _, err := b.Subscribe("x", nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("err = %v, want ErrNilHandler", err)
	}
}

func TestBusConcurrentPublish(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var mu sync.Mutex
	seen := 0
	done := make(chan struct{})
	b.Subscribe("*", func(Event) {
		mu.Lock()
		seen++
		if seen == 50 {
			close(done)
		}
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Publish("load/test", j)
			}
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		mu.Lock()
		t.Fatalf("delivered %d of 50", seen)
	}
}
