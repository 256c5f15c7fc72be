package rpc

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/kspine/lapce/internal/logging"
)

// Result settles an outstanding request: exactly one of Payload (raw
// result bytes) or Err is meaningful. A Response carrying a JSON-RPC
// error object arrives as Err = *Error.
type Result struct {
	Payload json.RawMessage
	Err     error
}

type pendingCall struct {
	method string
	ch     chan Result
	timer  *time.Timer
}

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	Issued        uint64
	Resolved      uint64
	TimedOut      uint64
	Cancelled     uint64
	Failed        uint64
	LateDiscarded uint64
	Outstanding   int
}

// Dispatcher owns the correlation table for one transport. Ids are
// issued from a strictly increasing counter and never reused for the
// dispatcher's lifetime, so a response whose id is below the counter but
// absent from the table is known to be late rather than bogus.
//
// Each pending entry settles exactly once: first of response, timeout,
// cancellation, or transport failure wins, the rest are discarded.
type Dispatcher struct {
	log *logging.Logger

	mu      sync.Mutex
	next    uint64
	pending map[uint64]*pendingCall
	dead    error // terminal cause after FailAll

	stats DispatcherStats
}

// NewDispatcher creates an empty correlation table.
func NewDispatcher(log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{
		log:     log,
		next:    1,
		pending: make(map[uint64]*pendingCall),
	}
}

// Register reserves the next id and returns a channel that settles
// exactly once. A timeout of zero means no local deadline. After FailAll
// the channel settles immediately with the terminal cause.
func (d *Dispatcher) Register(method string, timeout time.Duration) (uint64, <-chan Result) {
	ch := make(chan Result, 1)

	d.mu.Lock()
	id := d.next
	d.next++
	if d.dead != nil {
		dead := d.dead
		d.mu.Unlock()
		ch <- Result{Err: dead}
		return id, ch
	}
	call := &pendingCall{method: method, ch: ch}
	d.pending[id] = call
	d.stats.Issued++
	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			d.settle(id, Result{Err: ErrTimeout})
		})
	}
	d.mu.Unlock()

	return id, ch
}

// Resolve settles the request matching the response id. Late and
// duplicate responses are logged and discarded; a response for an id
// that was never issued is a peer bug worth a louder warning.
func (d *Dispatcher) Resolve(resp *Response) {
	res := Result{Payload: resp.Result}
	if resp.Error != nil {
		res = Result{Err: resp.Error}
	}
	if d.settle(resp.ID, res) {
		return
	}

	d.mu.Lock()
	issued := resp.ID < d.next
	d.stats.LateDiscarded++
	d.mu.Unlock()
	if issued {
		d.log.Debugf("dispatcher: discarding late response for id %d", resp.ID)
	} else {
		d.log.Warnf("dispatcher: response for never-issued id %d", resp.ID)
	}
}

// Fail settles a single request with err. Reports whether it was still
// pending.
func (d *Dispatcher) Fail(id uint64, err error) bool {
	return d.settle(id, Result{Err: err})
}

// Cancel settles a request with ErrCancelled, reporting whether it was
// still pending so the caller knows to send the advisory cancel
// notification. The id stays burned; a response that arrives anyway is
// discarded as late.
func (d *Dispatcher) Cancel(id uint64) bool {
	return d.settle(id, Result{Err: ErrCancelled})
}

// FailAll settles every outstanding request with err and marks the
// dispatcher dead: subsequent Registers settle immediately. Used when
// the transport reaches its terminal state.
func (d *Dispatcher) FailAll(err error) {
	d.mu.Lock()
	if d.dead != nil {
		d.mu.Unlock()
		return
	}
	d.dead = err
	calls := d.pending
	d.pending = make(map[uint64]*pendingCall)
	d.stats.Failed += uint64(len(calls))
	d.mu.Unlock()

	for id, call := range calls {
		if call.timer != nil {
			call.timer.Stop()
		}
		d.log.Debugf("dispatcher: failing id %d (%s): %v", id, call.method, err)
		call.ch <- Result{Err: err}
	}
}

// Outstanding returns the number of unsettled requests.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Outstanding = len(d.pending)
	return s
}

// settle removes and resolves one pending entry. Returns false if the
// id was not pending, which covers late responses, duplicates, and
// entries already claimed by a competing timeout.
func (d *Dispatcher) settle(id uint64, res Result) bool {
	d.mu.Lock()
	call, ok := d.pending[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.pending, id)
	switch {
	case res.Err == nil:
		d.stats.Resolved++
	case res.Err == ErrTimeout:
		d.stats.TimedOut++
	case res.Err == ErrCancelled:
		d.stats.Cancelled++
	default:
		if _, isRemote := res.Err.(*Error); isRemote {
			d.stats.Resolved++
		} else {
			d.stats.Failed++
		}
	}
	d.mu.Unlock()

	if call.timer != nil {
		call.timer.Stop()
	}
	call.ch <- res
	return true
}
