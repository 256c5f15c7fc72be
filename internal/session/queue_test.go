package session

import (
	"sync"
	"testing"
	"time"

	"github.com/kspine/lapce/internal/buffer"
	"github.com/kspine/lapce/internal/delta"
)

type sentMsg struct {
	method string
	params any
}

// recordingNotifier captures outbound traffic in order.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMsg
	ch   chan sentMsg
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan sentMsg, 64)}
}

func (r *recordingNotifier) Notify(method string, params any) error {
	r.mu.Lock()
	r.sent = append(r.sent, sentMsg{method, params})
	r.mu.Unlock()
	r.ch <- sentMsg{method, params}
	return nil
}

func (r *recordingNotifier) next(t *testing.T) sentMsg {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message sent")
		return sentMsg{}
	}
}

func testSnapshot(rev uint64, text string) snapshotFunc {
	return func(uri buffer.URI) (TextDocumentItem, bool) {
		return TextDocumentItem{URI: uri, LanguageID: "go", Version: rev, Text: text}, true
	}
}

func openOp(uri buffer.URI, rev uint64, text string) syncOp {
	return syncOp{
		method:   MethodDidOpen,
		uri:      uri,
		params:   DidOpenParams{TextDocument: TextDocumentItem{URI: uri, Version: rev, Text: text}},
		revAfter: rev,
	}
}

func changeOp(uri buffer.URI, before, after uint64, text string) syncOp {
	return syncOp{
		method: MethodDidChange,
		uri:    uri,
		params: DidChangeParams{
			TextDocument: VersionedTextDocumentIdentifier{
				TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
				Version:                after,
			},
			ContentChanges: []delta.ContentChange{{Text: text}},
		},
		revBefore: before,
		revAfter:  after,
	}
}

func TestSyncQueueOrdering(t *testing.T) {
	rec := newRecordingNotifier()
	q := newSyncQueue(rec, testSnapshot(0, ""), nil)
	defer q.close()

	a := buffer.URI("file:///a.go")
	b := buffer.URI("file:///b.go")

	// Interleave two documents; per-document order must survive.
	ops := []syncOp{
		openOp(a, 0, ""),
		openOp(b, 0, ""),
		changeOp(a, 0, 1, "x"),
		changeOp(b, 0, 1, "y"),
		changeOp(a, 1, 2, "xx"),
		{method: MethodDidClose, uri: a, params: DidCloseParams{TextDocument: TextDocumentIdentifier{URI: a}}},
	}
	for _, op := range ops {
		if err := q.enqueue(op); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var aSeen, bSeen []string
	for i := 0; i < len(ops); i++ {
		msg := rec.next(t)
		switch p := msg.params.(type) {
		case DidOpenParams:
			if p.TextDocument.URI == a {
				aSeen = append(aSeen, msg.method)
			} else {
				bSeen = append(bSeen, msg.method)
			}
		case DidChangeParams:
			if p.TextDocument.URI == a {
				aSeen = append(aSeen, msg.method)
			} else {
				bSeen = append(bSeen, msg.method)
			}
		case DidCloseParams:
			aSeen = append(aSeen, msg.method)
		}
	}

	wantA := []string{MethodDidOpen, MethodDidChange, MethodDidChange, MethodDidClose}
	wantB := []string{MethodDidOpen, MethodDidChange}
	if len(aSeen) != len(wantA) {
		t.Fatalf("a traffic = %v, want %v", aSeen, wantA)
	}
	for i := range wantA {
		if aSeen[i] != wantA[i] {
			t.Errorf("a[%d] = %s, want %s", i, aSeen[i], wantA[i])
		}
	}
	for i := range wantB {
		if bSeen[i] != wantB[i] {
			t.Errorf("b[%d] = %s, want %s", i, bSeen[i], wantB[i])
		}
	}
}

// A didChange whose base revision does not match the last shipped one
// must not reach the peer; the queue ships a full didOpen at the
// document's current revision instead.
func TestSyncQueueRevisionGapResync(t *testing.T) {
	rec := newRecordingNotifier()
	q := newSyncQueue(rec, testSnapshot(7, "current content"), nil)
	defer q.close()

	uri := buffer.URI("file:///gap.go")
	if err := q.enqueue(openOp(uri, 0, "")); err != nil {
		t.Fatal(err)
	}
	rec.next(t) // didOpen

	// Base revision 3 does not match shipped revision 0.
	if err := q.enqueue(changeOp(uri, 3, 4, "skipped")); err != nil {
		t.Fatal(err)
	}

	msg := rec.next(t)
	if msg.method != MethodDidOpen {
		t.Fatalf("method = %s, want didOpen resync", msg.method)
	}
	open := msg.params.(DidOpenParams)
	if open.TextDocument.Version != 7 || open.TextDocument.Text != "current content" {
		t.Errorf("resync item = %+v, want version 7 with full text", open.TextDocument)
	}

	// The resync realigns the revision tracking: a change based on the
	// snapshot revision now flows through.
	if err := q.enqueue(changeOp(uri, 7, 8, "next")); err != nil {
		t.Fatal(err)
	}
	if msg := rec.next(t); msg.method != MethodDidChange {
		t.Errorf("method = %s, want didChange after realignment", msg.method)
	}
}

func TestSyncQueueChangeBeforeOpenResyncs(t *testing.T) {
	rec := newRecordingNotifier()
	q := newSyncQueue(rec, testSnapshot(2, "text"), nil)
	defer q.close()

	uri := buffer.URI("file:///never-opened.go")
	if err := q.enqueue(changeOp(uri, 1, 2, "x")); err != nil {
		t.Fatal(err)
	}
	if msg := rec.next(t); msg.method != MethodDidOpen {
		t.Errorf("method = %s, want didOpen for never-opened document", msg.method)
	}
}

func TestSyncQueueClosedRejects(t *testing.T) {
	rec := newRecordingNotifier()
	q := newSyncQueue(rec, testSnapshot(0, ""), nil)
	q.close()

	err := q.enqueue(openOp("file:///a.go", 0, ""))
	if err != ErrDead {
		t.Errorf("err = %v, want ErrDead", err)
	}
}
