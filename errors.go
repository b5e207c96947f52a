package netcore

import "errors"

// Sentinel errors surfaced by the core. Transport-level causes are
// wrapped with github.com/pkg/errors at the syscall boundary; these are
// the stable values callers can compare against with errors.Is.
var (
	// ErrClosed names the closed state for callers' own use; no operation
	// in this package returns it.
	ErrClosed = errors.New("netcore: closed")

	// ErrNotAttached is returned when an operation requires an attached
	// loop (e.g. recv-arming) but the connection has none.
	ErrNotAttached = errors.New("netcore: connection not attached to a loop")

	// ErrAlreadyAttached is returned by SetEventLoop when the connection
	// already has an owning loop.
	ErrAlreadyAttached = errors.New("netcore: connection already attached")

	// ErrWrongThread is returned when a loop-thread-only method is
	// called from a goroutine other than the loop's own.
	ErrWrongThread = errors.New("netcore: method must run on the loop thread")

	// ErrEmptyBuffer is returned by Recv when called with a nil splitter.
	// Send with an empty buffer is a no-op and returns nil.
	ErrEmptyBuffer = errors.New("netcore: empty buffer")

	// ErrUnsupportedConn is returned when a net.Conn cannot yield a raw
	// file descriptor (i.e. does not implement syscall.Conn).
	ErrUnsupportedConn = errors.New("netcore: connection type unsupported")

	// ErrBacklogFull is returned by the Connector when more connect
	// tasks are submitted than it can track.
	ErrBacklogFull = errors.New("netcore: connector backlog full")

	// ErrMaxBufferExceeded marks a resource-exhaustion error per
	// spec.md §7 ("buffer grow failure"); surfaces as on_disconnected.
	ErrMaxBufferExceeded = errors.New("netcore: recv buffer exceeded max_buffer_size")
)
