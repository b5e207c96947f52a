package netcore

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lattice-io/netcore/internal/corelog"
	"github.com/lattice-io/netcore/internal/coremetrics"
)

// acceptPollInterval is the C++ original's 100ms select() timeout on the
// listen socket (spec.md §4.4); Go's net.Listener has no select, so the
// listener goroutine instead re-arms a 100ms accept deadline every pass,
// giving the same "periodically wake up and check for shutdown" behavior
// without needing a raw select loop of our own.
const acceptPollInterval = 100 * time.Millisecond

// Acceptor is spec.md §4.4's TCP Acceptor: a listening socket with a
// fixed backlog, handing every accepted connection to an assignment
// function (normally IOService.assign) for round-robin pool placement.
type Acceptor struct {
	ln net.Listener

	callbacks *Callbacks
	assign    func(conn net.Conn, cb *Callbacks)

	connCount int64 // atomic, spec.md §4.4 per-server connection count

	metrics *coremetrics.Counters

	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
	lastErr atomic.Value // error; set when the accept loop exits on a non-transient failure
}

// NewAcceptor binds port through the platform listenTCP: on Linux with
// SO_REUSEADDR and the fixed listen backlog, elsewhere through net.Listen
// with the OS default backlog. assign
// is called once per accepted connection, on the acceptor's own
// goroutine.
func NewAcceptor(port int, cb *Callbacks, metrics *coremetrics.Counters, assign func(conn net.Conn, cb *Callbacks)) (*Acceptor, error) {
	ln, err := listenTCP(port)
	if err != nil {
		return nil, fmt.Errorf("netcore: listen :%d: %w", port, err)
	}
	return &Acceptor{
		ln:        ln,
		callbacks: cb,
		assign:    assign,
		metrics:   metrics,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// ConnectionCount returns the number of connections currently produced
// by this acceptor and not yet destroyed.
func (a *Acceptor) ConnectionCount() int64 { return atomic.LoadInt64(&a.connCount) }

// Addr returns the bound listen address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// onConnectionDestroyed is wired by IOService into every Connection this
// acceptor produces, decrementing the atomic counter on teardown.
func (a *Acceptor) onConnectionDestroyed() { atomic.AddInt64(&a.connCount, -1) }

// Err returns the non-transient error that stopped the accept loop, if
// any. A nil return means the acceptor is still running or was stopped
// deliberately via Stop.
func (a *Acceptor) Err() error {
	if v := a.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Start runs the accept loop in a dedicated goroutine (the "listener
// thread" of spec.md §4.4).
func (a *Acceptor) Start() {
	go a.run()
}

// Stop terminates the accept loop and closes the listen socket.
func (a *Acceptor) Stop() {
	a.once.Do(func() {
		close(a.stopCh)
		a.ln.Close()
	})
	<-a.doneCh
}

func (a *Acceptor) run() {
	defer close(a.doneCh)
	log := corelog.Accept(a.ln.Addr().(*net.TCPAddr).Port)
	log.Debug("accept loop started")

	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		if tl, ok := a.ln.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(acceptPollInterval))
		}

		conn, err := a.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue // spec.md §4.4: periodic wakeup, not a failure
			}
			select {
			case <-a.stopCh:
				return
			default:
			}
			// spec.md §4.4: only EINTR/EINPROGRESS-equivalent transient
			// conditions are retried; anything else (EMFILE, ENFILE, a
			// torn-down interface, ...) breaks the loop instead of
			// spinning forever on a listener that cannot recover.
			log.WithError(err).Error("accept failed, stopping acceptor")
			a.lastErr.Store(err)
			a.ln.Close()
			return
		}

		atomic.AddInt64(&a.connCount, 1)
		if a.metrics != nil {
			a.metrics.Accepted.Inc()
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		a.assign(conn, a.callbacks)
	}
}
