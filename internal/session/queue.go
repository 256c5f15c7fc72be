package session

import (
	"sync"

	"github.com/kspine/lapce/internal/buffer"
	"github.com/kspine/lapce/internal/logging"
)

// notifier is the slice of the connection the queue needs.
type notifier interface {
	Notify(method string, params any) error
}

// snapshotFunc returns the full current state of a document, used when a
// revision gap forces a full resync. ok is false if the document is no
// longer registered.
type snapshotFunc func(uri buffer.URI) (TextDocumentItem, bool)

type syncOp struct {
	method    string
	uri       buffer.URI
	params    any
	revBefore uint64
	revAfter  uint64
}

// syncQueue serializes document-sync traffic for one session. A single
// sender goroutine drains a FIFO, so didOpen/didChange/didClose for any
// one document leave in submission order even when several documents
// interleave. The sender tracks the last revision shipped per document;
// a didChange whose base revision does not match falls back to a full
// didOpen at the document's current revision instead of shipping a
// change the peer cannot apply.
type syncQueue struct {
	conn     notifier
	log      *logging.Logger
	snapshot snapshotFunc

	ops  chan syncOp
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu      sync.Mutex
	lastRev map[buffer.URI]uint64
}

func newSyncQueue(conn notifier, snapshot snapshotFunc, log *logging.Logger) *syncQueue {
	if log == nil {
		log = logging.Nop()
	}
	q := &syncQueue{
		conn:     conn,
		log:      log,
		snapshot: snapshot,
		ops:      make(chan syncOp, 128),
		done:     make(chan struct{}),
		lastRev:  make(map[buffer.URI]uint64),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// enqueue blocks while the queue is full and fails once the queue is
// closed.
func (q *syncQueue) enqueue(op syncOp) error {
	select {
	case <-q.done:
		return ErrDead
	default:
	}
	select {
	case q.ops <- op:
		return nil
	case <-q.done:
		return ErrDead
	}
}

// close stops the sender. Pending ops are dropped; the caller re-syncs
// from document state on recovery, so nothing is lost.
func (q *syncQueue) close() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}

// shippedRevision returns the last revision sent for a document.
func (q *syncQueue) shippedRevision(uri buffer.URI) (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rev, ok := q.lastRev[uri]
	return rev, ok
}

func (q *syncQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case op := <-q.ops:
			q.send(op)
		}
	}
}

func (q *syncQueue) send(op syncOp) {
	switch op.method {
	case MethodDidOpen:
		q.setRev(op.uri, op.revAfter)
		q.notify(op.method, op.params)

	case MethodDidChange:
		q.mu.Lock()
		last, open := q.lastRev[op.uri]
		q.mu.Unlock()
		if !open || last != op.revBefore {
			// Revision gap: the peer's view is stale, ship the whole
			// document instead.
			q.resync(op.uri)
			return
		}
		q.setRev(op.uri, op.revAfter)
		q.notify(op.method, op.params)

	case MethodDidClose:
		q.mu.Lock()
		delete(q.lastRev, op.uri)
		q.mu.Unlock()
		q.notify(op.method, op.params)

	default:
		q.notify(op.method, op.params)
	}
}

// resync ships a full didOpen at the document's current revision.
func (q *syncQueue) resync(uri buffer.URI) {
	item, ok := q.snapshot(uri)
	if !ok {
		q.log.Warnf("sync: resync of unregistered document %s", uri)
		return
	}
	q.log.Infof("sync: revision gap on %s, full resync at revision %d", uri, item.Version)
	q.setRev(uri, item.Version)
	q.notify(MethodDidOpen, DidOpenParams{TextDocument: item})
}

func (q *syncQueue) setRev(uri buffer.URI, rev uint64) {
	q.mu.Lock()
	q.lastRev[uri] = rev
	q.mu.Unlock()
}

func (q *syncQueue) notify(method string, params any) {
	if err := q.conn.Notify(method, params); err != nil {
		q.log.Warnf("sync: %s failed: %v", method, err)
	}
}
