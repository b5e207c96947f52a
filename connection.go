package netcore

import (
	"container/list"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lattice-io/netcore/internal/coremetrics"
	"github.com/lattice-io/netcore/internal/corelog"
	"github.com/lattice-io/netcore/internal/iobuf"
	"github.com/lattice-io/netcore/internal/netaddr"
)

// maxSendChunk is MAX_SEND_CHUNK of spec.md §4.3: the largest slice of
// the send buffer posted/attempted per send operation.
const maxSendChunk = 32 * 1024

// defaultMaxRecvBacklog is the default back-pressure threshold of
// spec.md §4.3 point 1: with an empty recv queue, receiving pauses once
// the recv buffer holds at least this many bytes.
const defaultMaxRecvBacklog = 16 * 1024 * 1024

// DefaultHeartbeatTimeoutMS mirrors the original's DEF_HEART_BEAT_TIME
// (60s idle timeout), supplemented from original_source/ per
// SPEC_FULL.md. The core itself only ever enforces per-task timeouts
// (spec.md §4.3); this constant is the default cmd/echoserver (and any
// caller that wants the original's idle-connection behavior) applies to
// a Recv call when it has no more specific timeout of its own.
const DefaultHeartbeatTimeoutMS = 60_000

var connSerial int64

// Callbacks are the four user-facing hooks of spec.md §6 that an
// application must implement. A Callbacks value is normally shared by
// every Connection produced by one Acceptor (the "owner_server" case of
// spec.md §3) or supplied individually to a Connector/Client-made
// Connection.
type Callbacks struct {
	// OnConnected fires once attachment completes; safe to post recv.
	OnConnected func(c *Connection)
	// OnDisconnected fires exactly once, terminally; no further
	// callbacks for this Connection follow it.
	OnDisconnected func(c *Connection)
	// OnRecvComplete delivers one framed packet.
	OnRecvComplete func(c *Connection, buffer []byte, size int, context interface{})
	// OnSendComplete fires once all bytes of one prior Send call have
	// left the send buffer.
	OnSendComplete func(c *Connection, context interface{})
}

// sendTask is spec.md §3's Send task.
type sendTask struct {
	bytes      int
	context    interface{}
	timeoutMS  int
	startTicks int64 // unix-nano; 0 means "not yet checked by the sweep"
}

// recvTask is spec.md §3's Recv task.
type recvTask struct {
	splitter   Splitter
	context    interface{}
	timeoutMS  int
	startTicks int64
}

// Connection is spec.md §4.3's TCP Connection: per-socket state, its
// send/recv task queues, and the framing machinery. All mutation of its
// queues and buffers happens on the owning loop's thread; calls from any
// other goroutine are delegated onto that thread (spec.md §4.3 internal
// contracts).
type Connection struct {
	fd   int // raw descriptor (duplicated on Linux) or socket handle; -1 once released
	conn net.Conn

	localAddr netaddr.Addr
	peerAddr  netaddr.Addr
	serial    int64

	nameOnce sync.Once
	name     string

	sendBuf   *iobuf.Buffer
	recvBuf   *iobuf.Buffer
	sendQueue *list.List // of *sendTask
	recvQueue *list.List // of *recvTask

	loop   *Loop    // owning loop; raw back-pointer, cleared on detach
	server *Acceptor // optional; set when produced by an Acceptor

	userContextMu sync.Mutex
	userContext   interface{}

	connected int32 // atomic bool
	errorFlag bool  // loop-thread only

	bytesSent int64 // accumulator consumed against sendQueue.Front().bytes

	sendInFlight bool
	recvPaused   bool

	maxBufferSize  int64 // absolute resource cap (spec.md §6 max_buffer_size)
	maxRecvBacklog int64 // back-pressure threshold (spec.md §4.3)

	callbacks *Callbacks
	metrics   *coremetrics.Counters

	halfClosed bool
}

func newConnection(conn net.Conn, cb *Callbacks, maxBufferSize int64, metrics *coremetrics.Counters) *Connection {
	if maxBufferSize <= 0 {
		maxBufferSize = 64 * 1024 * 1024
	}
	c := &Connection{
		fd:             -1,
		conn:           conn,
		serial:         atomic.AddInt64(&connSerial, 1),
		sendBuf:        iobuf.New(),
		recvBuf:        iobuf.New(),
		sendQueue:      list.New(),
		recvQueue:      list.New(),
		maxBufferSize:  maxBufferSize,
		maxRecvBacklog: defaultMaxRecvBacklog,
		callbacks:      cb,
		metrics:        metrics,
	}
	if conn != nil {
		c.localAddr = netaddr.FromNetAddr(conn.LocalAddr())
		c.peerAddr = netaddr.FromNetAddr(conn.RemoteAddr())
	}
	return c
}

// NewClient wraps an already-connected net.Conn as a user-constructed
// Connection (the "user-constructed Client" producer role named by
// spec.md §3, detailed in SPEC_FULL.md's original_source supplement).
// The caller must still call SetEventLoop on the loop's own thread (or
// via a loop it owns) to attach it.
func NewClient(conn net.Conn, cb *Callbacks) *Connection {
	return newConnection(conn, cb, 0, nil)
}

// SetMaxRecvBacklog overrides the per-connection back-pressure
// threshold of spec.md §4.3 point 1 ("configurable per connection").
func (c *Connection) SetMaxRecvBacklog(n int64) {
	if n > 0 {
		c.maxRecvBacklog = n
	}
}

// Name returns "<local>-<peer>#<serial>", lazily computed on first
// access per spec.md §3.
func (c *Connection) Name() string {
	c.nameOnce.Do(func() {
		c.name = fmt.Sprintf("%s-%s#%d", c.localAddr.String(), c.peerAddr.String(), c.serial)
	})
	return c.name
}

// LocalAddr returns the connection's local endpoint.
func (c *Connection) LocalAddr() netaddr.Addr { return c.localAddr }

// PeerAddr returns the connection's remote endpoint.
func (c *Connection) PeerAddr() netaddr.Addr { return c.peerAddr }

// IsConnected reports whether the connection is currently attached and
// error-free. Safe from any thread.
func (c *Connection) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// UserContext returns the user-defined value attached to this
// connection, safe from any thread.
func (c *Connection) UserContext() interface{} {
	c.userContextMu.Lock()
	defer c.userContextMu.Unlock()
	return c.userContext
}

// SetUserContext sets the user-defined value, safe from any thread.
func (c *Connection) SetUserContext(v interface{}) {
	c.userContextMu.Lock()
	c.userContext = v
	c.userContextMu.Unlock()
}

// SetEventLoop attaches (loop != nil) or detaches (loop == nil) the
// connection. Per spec.md §4.3 this must be called on the target loop's
// own thread.
func (c *Connection) SetEventLoop(l *Loop) error {
	if l == nil {
		return c.detach()
	}
	return c.attach(l)
}

func (c *Connection) attach(l *Loop) error {
	if !l.IsInLoopThread() {
		return ErrWrongThread
	}
	if c.loop != nil {
		return ErrAlreadyAttached
	}
	c.loop = l
	l.registerConnection(c)

	if err := l.demux.associate(c); err != nil {
		l.unregisterConnection(c)
		c.loop = nil
		return err
	}

	atomic.StoreInt32(&c.connected, 1)
	if c.metrics != nil {
		c.metrics.ConnectionsCreated.Inc()
		c.metrics.ConnectionsActive.Inc()
	}

	corelog.Conn(c.Name()).Debug("attached")

	if c.callbacks != nil && c.callbacks.OnConnected != nil {
		safeCall(c.Name(), "OnConnected", func() { c.callbacks.OnConnected(c) })
	}

	// Immediately upon attachment, arm a receive (spec.md §4.3 recv
	// lifecycle step 1).
	if err := l.demux.armRecv(c); err != nil {
		c.errorOccurred(err)
	}
	return nil
}

func (c *Connection) detach() error {
	if c.loop == nil {
		return nil
	}
	if !c.loop.IsInLoopThread() {
		return ErrWrongThread
	}
	l := c.loop
	l.demux.dissociate(c)
	l.unregisterConnection(c)
	c.loop = nil
	atomic.StoreInt32(&c.connected, 0)
	if c.metrics != nil {
		c.metrics.ConnectionsDestroyed.Inc()
		c.metrics.ConnectionsActive.Dec()
	}
	corelog.Conn(c.Name()).Debug("detached")
	return nil
}

// Send appends size bytes to the send buffer and enqueues a SendTask;
// once all bytes leave the buffer, context is delivered via
// OnSendComplete. Safe from any thread.
func (c *Connection) Send(buf []byte, context interface{}, timeoutMS int) error {
	if len(buf) == 0 {
		return nil // spec.md §8 boundary: send of 0 bytes is a no-op
	}
	l := c.loop
	if l == nil {
		return ErrNotAttached
	}
	data := append([]byte(nil), buf...) // own copy for the delegation closure
	l.ExecuteInLoop(func() { c.doSend(data, context, timeoutMS) })
	return nil
}

func (c *Connection) doSend(buf []byte, context interface{}, timeoutMS int) {
	if c.errorFlag || atomic.LoadInt32(&c.connected) == 0 {
		return
	}
	c.sendBuf.Append(buf)
	c.sendQueue.PushBack(&sendTask{bytes: len(buf), context: context, timeoutMS: timeoutMS})
	c.trySend()
}

// trySend implements spec.md §4.3's try_send: if a send is already in
// flight, do nothing; otherwise arm one.
func (c *Connection) trySend() {
	if c.errorFlag || c.sendBuf.Readable() == 0 || c.sendInFlight {
		return
	}
	c.sendInFlight = true
	if err := c.loop.demux.armSend(c); err != nil {
		c.errorOccurred(err)
	}
}

// nextSendChunk returns up to maxSendChunk readable bytes to post/write.
func (c *Connection) nextSendChunk() []byte {
	data := c.sendBuf.Peek()
	if len(data) > maxSendChunk {
		data = data[:maxSendChunk]
	}
	return data
}

// handleSendProgress is the shared tail of both demux variants' send
// completion path: spec.md §4.3 step 3 (retrieve bytes, fire completed
// send tasks, repeat try_send) and step 4 (error -> error_occurred).
func (c *Connection) handleSendProgress(n int, err error) {
	if err != nil {
		c.errorOccurred(err)
		return
	}
	c.sendInFlight = false
	if n > 0 {
		c.sendBuf.Retrieve(n)
		c.bytesSent += int64(n)
		c.fireSendCompletions()
	}
	if c.sendBuf.Readable() > 0 {
		c.trySend()
	} else {
		c.loop.demux.disarmSend(c)
	}
}

func (c *Connection) fireSendCompletions() {
	for c.sendQueue.Len() > 0 {
		front := c.sendQueue.Front()
		task := front.Value.(*sendTask)
		if c.bytesSent < int64(task.bytes) {
			break
		}
		c.bytesSent -= int64(task.bytes)
		c.sendQueue.Remove(front)
		if c.callbacks != nil && c.callbacks.OnSendComplete != nil {
			ctx := task.context
			safeCall(c.Name(), "OnSendComplete", func() { c.callbacks.OnSendComplete(c, ctx) })
		}
	}
}

// Recv enqueues a RecvTask; as data accumulates, the head task's
// splitter is invoked on the readable window and, once it returns N>0,
// exactly N bytes are delivered via OnRecvComplete. Safe from any
// thread.
func (c *Connection) Recv(splitter Splitter, context interface{}, timeoutMS int) error {
	if splitter == nil {
		return ErrEmptyBuffer
	}
	l := c.loop
	if l == nil {
		return ErrNotAttached
	}
	l.ExecuteInLoop(func() { c.doRecv(splitter, context, timeoutMS) })
	return nil
}

func (c *Connection) doRecv(splitter Splitter, context interface{}, timeoutMS int) {
	if c.errorFlag {
		return
	}
	c.recvQueue.PushBack(&recvTask{splitter: splitter, context: context, timeoutMS: timeoutMS})
	c.drainRecv()
}

// drainRecv implements spec.md §4.3 recv lifecycle step 2: repeatedly
// frame and deliver packets while the queue is non-empty and the
// splitter keeps returning N>0.
func (c *Connection) drainRecv() {
	for c.recvQueue.Len() > 0 {
		front := c.recvQueue.Front()
		task := front.Value.(*recvTask)
		window := c.recvBuf.Peek()

		n := task.splitter(window)
		if n <= 0 {
			break
		}
		if n > len(window) {
			// Framing error: the splitter is trusted per spec.md §7;
			// an implausible return value is the caller's bug, but we
			// still fail the connection instead of reading OOB.
			c.errorOccurred(fmt.Errorf("netcore: splitter returned %d bytes, only %d readable", n, len(window)))
			return
		}

		packet := append([]byte(nil), window[:n]...)
		c.recvBuf.Retrieve(n)
		c.recvQueue.Remove(front)

		if c.callbacks != nil && c.callbacks.OnRecvComplete != nil {
			ctx := task.context
			safeCall(c.Name(), "OnRecvComplete", func() { c.callbacks.OnRecvComplete(c, packet, n, ctx) })
		}
	}
	c.updateRecvArmState()
}

// updateRecvArmState implements the back-pressure boundary behavior of
// spec.md §8: pause receive once the queue is empty and the buffer
// already holds >= maxRecvBacklog bytes; resume once a task is posted
// (drainRecv -> here runs on every doRecv too).
func (c *Connection) updateRecvArmState() {
	if c.loop == nil || c.errorFlag {
		return
	}
	backlogged := c.recvQueue.Len() == 0 && int64(c.recvBuf.Readable()) >= c.maxRecvBacklog
	if backlogged {
		if !c.recvPaused {
			c.recvPaused = true
			c.loop.demux.disarmRecv(c)
		}
		return
	}
	if c.recvPaused {
		c.recvPaused = false
		if err := c.loop.demux.armRecv(c); err != nil {
			c.errorOccurred(err)
		}
	}
}

// handleRecvProgress appends freshly-read bytes to the recv buffer,
// enforces the absolute max_buffer_size ceiling, drains the queue, and
// re-arms for the next round — spec.md §4.3 recv lifecycle steps 2-3.
func (c *Connection) handleRecvProgress(data []byte, err error) {
	if len(data) > 0 {
		if int64(c.recvBuf.Readable()+len(data)) > c.maxBufferSize {
			c.errorOccurred(ErrMaxBufferExceeded)
			return
		}
		c.recvBuf.Append(data)
	}
	if err != nil {
		c.errorOccurred(err)
		return
	}
	c.drainRecv()
	if !c.recvPaused {
		if aerr := c.loop.demux.armRecv(c); aerr != nil {
			c.errorOccurred(aerr)
		}
	}
}

// Disconnect half-closes the send direction and marks the connection
// for teardown once pending I/O drains (spec.md §4.3).
func (c *Connection) Disconnect() {
	l := c.loop
	if l == nil {
		return
	}
	l.ExecuteInLoop(func() {
		c.halfClosed = true
		c.doShutdown(true, false)
	})
}

// Shutdown applies OS shutdown() in the requested direction(s).
func (c *Connection) Shutdown(closeSend, closeRecv bool) {
	l := c.loop
	if l == nil {
		return
	}
	l.ExecuteInLoop(func() { c.doShutdown(closeSend, closeRecv) })
}

func (c *Connection) doShutdown(closeSend, closeRecv bool) {
	if c.fd < 0 {
		return
	}
	if err := shutdownSocket(c.fd, closeSend, closeRecv); err != nil {
		corelog.Conn(c.Name()).WithError(err).Debug("shutdown")
	}
}

// errorOccurred implements spec.md §4.3/§7's error path: idempotent,
// forces a full shutdown, clears both task queues, posts
// OnDisconnected onto the loop's delegated queue (so it never runs
// re-entrantly inside the caller's own event dispatch), and schedules a
// finalizer that detaches the connection — releasing the loop's shared
// reference, the last step before the Connection can be collected.
func (c *Connection) errorOccurred(err error) {
	if c.errorFlag {
		return
	}
	c.errorFlag = true
	atomic.StoreInt32(&c.connected, 0)

	if c.metrics != nil {
		c.metrics.ConnectionsErrored.Inc()
	}
	corelog.Conn(c.Name()).WithError(err).Warn("connection error")

	c.doShutdown(true, true)
	c.sendQueue.Init()
	c.recvQueue.Init()

	l := c.loop
	l.delegateToLoop(func() {
		if c.callbacks != nil && c.callbacks.OnDisconnected != nil {
			safeCall(c.Name(), "OnDisconnected", func() { c.callbacks.OnDisconnected(c) })
		}
	})
	l.addFinalizer(func() {
		c.detach()
	})
}

// checkTimeout is invoked by the loop's 5-second sweep timer (spec.md
// §4.3 Timeout enforcement) for every connection it owns.
func (c *Connection) checkTimeout(now time.Time) {
	if c.errorFlag {
		return
	}
	timedOut := false
	if c.sendQueue.Len() > 0 {
		task := c.sendQueue.Front().Value.(*sendTask)
		if taskExpired(task.timeoutMS, &task.startTicks, now) {
			timedOut = true
		}
	}
	if c.recvQueue.Len() > 0 {
		task := c.recvQueue.Front().Value.(*recvTask)
		if taskExpired(task.timeoutMS, &task.startTicks, now) {
			timedOut = true
		}
	}
	if timedOut {
		c.errorOccurred(fmt.Errorf("netcore: task timeout exceeded"))
	}
}

// taskExpired implements spec.md §4.3/§9: start_ticks is set on first
// sweep rather than at submission time, so a task's effective timeout
// window is [timeout, timeout+sweep_interval]. timeout_ms == -1 disables
// the check.
func taskExpired(timeoutMS int, startTicks *int64, now time.Time) bool {
	if timeoutMS < 0 {
		return false
	}
	if *startTicks == 0 {
		*startTicks = now.UnixNano()
		return false
	}
	elapsedMS := (now.UnixNano() - *startTicks) / int64(time.Millisecond)
	return elapsedMS > int64(timeoutMS)
}

// safeCall invokes fn, recovering and logging any panic so a user
// callback can never terminate the loop (spec.md §7's "User callback
// exception" kind).
func safeCall(connName, callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			corelog.Conn(connName).Errorf("netcore: %s panicked: %v", callback, r)
		}
	}()
	fn()
}
