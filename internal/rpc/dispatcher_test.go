package rpc

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDispatcherResolve(t *testing.T) {
	d := NewDispatcher(nil)

	id, ch := d.Register("textDocument/hover", 0)
	d.Resolve(&Response{ID: id, Result: json.RawMessage(`{"ok":true}`)})

	res := <-ch
	if res.Err != nil {
		t.Fatalf("err = %v", res.Err)
	}
	if string(res.Payload) != `{"ok":true}` {
		t.Errorf("payload = %s", res.Payload)
	}
	if d.Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", d.Outstanding())
	}
}

func TestDispatcherMonotonicIDs(t *testing.T) {
	d := NewDispatcher(nil)
	var prev uint64
	for i := 0; i < 100; i++ {
		id, _ := d.Register("m", 0)
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestDispatcherErrorResponse(t *testing.T) {
	d := NewDispatcher(nil)
	id, ch := d.Register("m", 0)
	d.Resolve(&Response{ID: id, Error: &Error{Code: CodeInvalidParams, Message: "bad"}})

	res := <-ch
	var rpcErr *Error
	if !errors.As(res.Err, &rpcErr) || rpcErr.Code != CodeInvalidParams {
		t.Errorf("err = %v, want code %d", res.Err, CodeInvalidParams)
	}
}

// A request with a 50ms deadline fails with ErrTimeout; the response
// that shows up 200ms later is recognized as late and discarded without
// settling anything twice.
func TestDispatcherTimeoutThenLateResponse(t *testing.T) {
	d := NewDispatcher(nil)
	id, ch := d.Register("slow/method", 50*time.Millisecond)

	start := time.Now()
	res := <-ch
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", res.Err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("settled after %v, before the deadline", elapsed)
	}

	time.Sleep(150 * time.Millisecond)
	d.Resolve(&Response{ID: id, Result: json.RawMessage(`1`)})

	select {
	case extra := <-ch:
		t.Fatalf("late response settled the channel again: %+v", extra)
	default:
	}

	stats := d.Stats()
	if stats.TimedOut != 1 {
		t.Errorf("TimedOut = %d, want 1", stats.TimedOut)
	}
	if stats.LateDiscarded != 1 {
		t.Errorf("LateDiscarded = %d, want 1", stats.LateDiscarded)
	}
}

func TestDispatcherCancel(t *testing.T) {
	d := NewDispatcher(nil)
	id, ch := d.Register("m", 0)

	if !d.Cancel(id) {
		t.Fatal("Cancel reported not pending")
	}
	if res := <-ch; !errors.Is(res.Err, ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", res.Err)
	}
	// Second cancel is a no-op.
	if d.Cancel(id) {
		t.Error("second Cancel reported pending")
	}
}

func TestDispatcherFailAll(t *testing.T) {
	d := NewDispatcher(nil)

	var chans []<-chan Result
	for i := 0; i < 5; i++ {
		_, ch := d.Register("m", 0)
		chans = append(chans, ch)
	}

	d.FailAll(ErrSessionLost)

	for i, ch := range chans {
		if res := <-ch; !errors.Is(res.Err, ErrSessionLost) {
			t.Errorf("call %d: err = %v, want ErrSessionLost", i, res.Err)
		}
	}

	// The table is dead: new registrations settle immediately.
	_, ch := d.Register("m", 0)
	if res := <-ch; !errors.Is(res.Err, ErrSessionLost) {
		t.Errorf("post-FailAll err = %v, want ErrSessionLost", res.Err)
	}
}

func TestDispatcherNeverIssuedID(t *testing.T) {
	d := NewDispatcher(nil)
	// Must not panic or settle anything.
	d.Resolve(&Response{ID: 9999, Result: json.RawMessage(`1`)})
	if d.Stats().LateDiscarded != 1 {
		t.Errorf("LateDiscarded = %d, want 1", d.Stats().LateDiscarded)
	}
}
