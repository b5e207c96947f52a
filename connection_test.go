package netcore

import (
	"errors"
	"net"
	"testing"
	"time"
)

// fakeDemux drives a Connection's send/recv state machine directly,
// without real sockets, the same way the teacher's aio_test.go drives
// its watcher through an in-process echo rather than a second process.
// armRecv/armSend just record that arming happened; tests advance state
// by calling handleRecvProgress/handleSendProgress themselves.
type fakeDemux struct {
	associated   map[*Connection]bool
	recvArmed    map[*Connection]bool
	sendArmed    map[*Connection]bool
	wakeupCalled int
}

func newFakeDemux() *fakeDemux {
	return &fakeDemux{
		associated: make(map[*Connection]bool),
		recvArmed:  make(map[*Connection]bool),
		sendArmed:  make(map[*Connection]bool),
	}
}

func (f *fakeDemux) associate(c *Connection) error   { f.associated[c] = true; c.fd = 1; return nil }
func (f *fakeDemux) dissociate(c *Connection) error   { delete(f.associated, c); return nil }
func (f *fakeDemux) armRecv(c *Connection) error      { f.recvArmed[c] = true; return nil }
func (f *fakeDemux) armSend(c *Connection) error      { f.sendArmed[c] = true; return nil }
func (f *fakeDemux) disarmSend(c *Connection)         { f.sendArmed[c] = false }
func (f *fakeDemux) disarmRecv(c *Connection)         { f.recvArmed[c] = false }
func (f *fakeDemux) poll(timeoutMS int) (bool, error) { return false, nil }
func (f *fakeDemux) wakeup()                          { f.wakeupCalled++ }
func (f *fakeDemux) close() error                     { return nil }

func newAttachedConn(t *testing.T, cb *Callbacks) (*Connection, *Loop, *fakeDemux) {
	t.Helper()
	d := newFakeDemux()
	l := NewLoop(0, d, nil)

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	c := newConnection(server, cb, 0, nil)

	l.goroutineID.Store(getGoroutineID())
	if err := c.attach(l); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return c, l, d
}

func TestConnectionSendFiresOnComplete(t *testing.T) {
	var gotCtx interface{}
	complete := make(chan struct{}, 1)
	cb := &Callbacks{
		OnSendComplete: func(c *Connection, ctx interface{}) {
			gotCtx = ctx
			complete <- struct{}{}
		},
	}
	c, _, d := newAttachedConn(t, cb)

	c.doSend([]byte("hello"), "ctx1", -1)
	if !d.sendArmed[c] {
		t.Fatalf("expected send armed after doSend")
	}

	c.handleSendProgress(5, nil)
	select {
	case <-complete:
	default:
		t.Fatalf("expected OnSendComplete to fire synchronously")
	}
	if gotCtx != "ctx1" {
		t.Fatalf("expected ctx1, got %v", gotCtx)
	}
	if d.sendArmed[c] {
		t.Fatalf("expected send disarmed once buffer drained")
	}
}

func TestConnectionRecvFramesBySplitter(t *testing.T) {
	var packets [][]byte
	cb := &Callbacks{
		OnRecvComplete: func(c *Connection, buf []byte, size int, _ interface{}) {
			packets = append(packets, append([]byte(nil), buf...))
		},
	}
	c, _, _ := newAttachedConn(t, cb)

	c.doRecv(SplitByNull, nil, -1)
	c.handleRecvProgress([]byte("A\x00BB\x00CCC\x00"), nil)

	if len(packets) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(packets))
	}
	if string(packets[0]) != "A\x00" || string(packets[1]) != "BB\x00" || string(packets[2]) != "CCC\x00" {
		t.Fatalf("unexpected packet contents: %q", packets)
	}
}

func TestConnectionBackpressurePausesAndResumes(t *testing.T) {
	cb := &Callbacks{}
	c, _, d := newAttachedConn(t, cb)
	c.SetMaxRecvBacklog(8)

	// No recv task posted: accumulate past the backlog threshold.
	c.handleRecvProgress([]byte("0123456789"), nil)
	if !c.recvPaused {
		t.Fatalf("expected recv paused once backlog exceeded with empty queue")
	}
	if d.recvArmed[c] {
		t.Fatalf("expected recv disarmed while paused")
	}

	// Posting a task drains the buffer and should resume arming.
	var delivered []byte
	cb.OnRecvComplete = func(_ *Connection, buf []byte, _ int, _ interface{}) {
		delivered = append(delivered, buf...)
	}
	c.doRecv(SplitAny, nil, -1)
	if c.recvPaused {
		t.Fatalf("expected recv resumed after task drained backlog")
	}
	if len(delivered) != 10 {
		t.Fatalf("expected all 10 buffered bytes delivered, got %d", len(delivered))
	}
}

func TestConnectionTimeoutFiresOnDisconnected(t *testing.T) {
	discCh := make(chan struct{}, 1)
	cb := &Callbacks{
		OnDisconnected: func(c *Connection) { discCh <- struct{}{} },
	}
	c, l, _ := newAttachedConn(t, cb)

	c.doRecv(SplitAny, nil, 50) // 50ms timeout

	now := time.Now()
	c.checkTimeout(now) // first sweep: only sets start_ticks, per spec.md §9
	if c.errorFlag {
		t.Fatalf("expected no timeout on first sweep")
	}

	c.checkTimeout(now.Add(60 * time.Millisecond))
	if !c.errorFlag {
		t.Fatalf("expected timeout to trip error flag")
	}

	l.drainDelegated()
	select {
	case <-discCh:
	default:
		t.Fatalf("expected OnDisconnected to be delegated")
	}
}

func TestConnectionErrorOccurredIsIdempotent(t *testing.T) {
	calls := 0
	cb := &Callbacks{OnDisconnected: func(c *Connection) { calls++ }}
	c, l, _ := newAttachedConn(t, cb)

	c.errorOccurred(errors.New("boom"))
	c.errorOccurred(errors.New("boom again"))

	l.drainDelegated()
	if calls != 1 {
		t.Fatalf("expected exactly one OnDisconnected, got %d", calls)
	}
}
