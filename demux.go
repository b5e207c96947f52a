package netcore

// demux is the OS demultiplexer abstraction of spec.md §4.2: one
// implementation wraps IOCP's completion semantics, the other wraps
// epoll's readiness semantics, but both present this same contract to
// the Loop and to Connection. The Connection hides which variant is in
// play from user code entirely, per spec.md §4.2's closing paragraph.
//
// Every method here runs on, or is synchronized onto, the owning loop's
// thread; demux implementations do not need their own locking for the
// association table, only for the cross-thread wakeup signal.
type demux interface {
	// associate registers a freshly accepted/connected socket with the
	// demux. The readiness variant duplicates its file descriptor so the
	// demux's lifecycle is independent of the original net.Conn (mirrors
	// the teacher's dupconn pattern: once duplicated, the original
	// net.Conn is closed and all I/O proceeds against the duplicate); the
	// completion variant binds the net.Conn's own socket handle to its
	// completion port without duplicating it.
	associate(c *Connection) error

	// dissociate removes c from the demux and closes the descriptor or
	// socket handle stored in c.fd. Loop-thread only.
	dissociate(c *Connection) error

	// armRecv arranges for a future receive notification: enables recv
	// interest for the readiness variant, or posts the first overlapped
	// recv for the completion variant.
	armRecv(c *Connection) error

	// armSend arranges for a future send notification or attempts the
	// next send chunk, depending on variant. Called whenever the send
	// buffer transitions from empty to non-empty, or a send completes
	// and more remains.
	armSend(c *Connection) error

	// disarmSend is called once the send buffer empties; no-op for the
	// completion variant (nothing left to disable).
	disarmSend(c *Connection)

	// disarmRecv pauses receive once back-pressure triggers (spec.md
	// §4.3 point 1): disables recv interest for the readiness variant,
	// or simply withholds the next repost for the completion variant.
	disarmRecv(c *Connection)

	// poll blocks up to timeoutMS milliseconds (no timeout if < 0),
	// dispatching any ready events/completions by invoking the bound
	// Connection callbacks synchronously. wokeByWakeup reports whether
	// poll returned because of an explicit wakeup() call; Loop.run does
	// not act on it and processes expired timers, delegated work and
	// finalizers after every poll.
	poll(timeoutMS int) (wokeByWakeup bool, err error)

	// wakeup unblocks a concurrent poll() call; safe from any thread.
	wakeup()

	// close releases demux-wide OS resources (epoll fd / IOCP handle).
	close() error
}
