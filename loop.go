package netcore

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lattice-io/netcore/internal/corelog"
	"github.com/lattice-io/netcore/internal/coremetrics"
)

// defaultSweepInterval is the 5-second timeout-enforcement sweep period
// of spec.md §4.3.
const defaultSweepInterval = 5 * time.Second

// Loop is spec.md §4.1's Event Loop: a single OS thread (modeled here as
// one dedicated goroutine, identified by its goroutine id; it is not
// locked to an OS thread) running the poll/dispatch cycle.
type Loop struct {
	id    int
	demux demux

	goroutineID atomic.Uint64 // 0 when not running, mirrors thread_id_of_loop

	delegatedMu sync.Mutex
	delegated   []func()

	finalizerMu sync.Mutex
	finalizers  []func()

	timers *TimerQueue

	conns map[*Connection]struct{}

	stopRequested atomic.Bool
	forceStop     atomic.Bool
	doneCh        chan struct{}
	startOnce     sync.Once

	sweepInterval time.Duration
	metrics       *coremetrics.Counters
}

// NewLoop constructs a Loop around the given demux. id is used only for
// logging/metrics labels.
func NewLoop(id int, d demux, metrics *coremetrics.Counters) *Loop {
	return &Loop{
		id:            id,
		demux:         d,
		timers:        NewTimerQueue(),
		conns:         make(map[*Connection]struct{}),
		sweepInterval: defaultSweepInterval,
		metrics:       metrics,
	}
}

// SetSweepInterval overrides the timeout-check period; used by tests so
// they need not wait on the real 5s default (spec.md §4.3).
func (l *Loop) SetSweepInterval(d time.Duration) {
	if d > 0 {
		l.sweepInterval = d
	}
}

// Start spawns the loop's goroutine; idempotent.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		l.doneCh = make(chan struct{})
		go l.run()
	})
}

// Stop requests termination. If force, the loop thread abandons its
// clean-shutdown pass (spec.md's "finalizers may not run" — Go cannot
// forcibly kill a goroutine, so this is approximated by skipping the
// connection-drain tail and returning once the in-flight iteration —
// its poll, expired timers, delegated functions and finalizers —
// completes). If wait, blocks until the loop goroutine has exited. Any
// Connection still registered is disconnected before exit, unless
// force was set.
func (l *Loop) Stop(force, wait bool) {
	if force {
		l.forceStop.Store(true)
	}
	l.stopRequested.Store(true)
	if l.demux != nil {
		l.demux.wakeup()
	}
	if wait && l.doneCh != nil {
		<-l.doneCh
	}
}

// IsInLoopThread returns true iff the calling goroutine is the loop's
// own, per spec.md §4.1.
func (l *Loop) IsInLoopThread() bool {
	id := l.goroutineID.Load()
	if id == 0 {
		return false
	}
	return getGoroutineID() == id
}

// ExecuteInLoop runs fn synchronously if already on the loop thread,
// else delegates it.
func (l *Loop) ExecuteInLoop(fn func()) {
	if l.IsInLoopThread() {
		safeCall(l.label(), "ExecuteInLoop", fn)
		return
	}
	l.DelegateToLoop(fn)
}

// DelegateToLoop appends fn to the delegated queue and wakes the demux;
// fn runs on the loop thread after the current poll returns, in
// insertion order. Safe from any thread.
func (l *Loop) DelegateToLoop(fn func()) {
	l.delegatedMu.Lock()
	l.delegated = append(l.delegated, fn)
	l.delegatedMu.Unlock()
	if l.demux != nil {
		l.demux.wakeup()
	}
}

func (l *Loop) delegateToLoop(fn func()) { l.DelegateToLoop(fn) }

// AddFinalizer appends a one-shot fn run at the tail of the current
// loop iteration — used to safely drop the loop's reference to a dead
// Connection once its error path has posted OnDisconnected.
func (l *Loop) AddFinalizer(fn func()) {
	l.finalizerMu.Lock()
	l.finalizers = append(l.finalizers, fn)
	l.finalizerMu.Unlock()
}

func (l *Loop) addFinalizer(fn func()) { l.AddFinalizer(fn) }

// ExecuteAt schedules fn to run once at the given time.
func (l *Loop) ExecuteAt(at time.Time, fn func()) TimerID {
	return l.scheduleTimer(at, 0, false, fn)
}

// ExecuteAfter schedules fn to run once after delayMS milliseconds.
func (l *Loop) ExecuteAfter(delayMS int64, fn func()) TimerID {
	return l.scheduleTimer(time.Now().Add(time.Duration(delayMS)*time.Millisecond), 0, false, fn)
}

// ExecuteEvery schedules fn to run every intervalMS milliseconds,
// starting intervalMS from now. intervalMS<=0 behaves as one-shot, per
// spec.md §8's boundary behavior.
func (l *Loop) ExecuteEvery(intervalMS int64, fn func()) TimerID {
	interval := time.Duration(intervalMS) * time.Millisecond
	return l.scheduleTimer(time.Now().Add(interval), interval, true, fn)
}

func (l *Loop) scheduleTimer(at time.Time, interval time.Duration, repeat bool, fn func()) TimerID {
	id := nextTimerID()
	add := func() { l.timers.AddWithID(id, at, interval, repeat, fn) }
	l.ExecuteInLoop(add)
	return id
}

// CancelTimer is safe from any thread; delegates onto the loop thread
// when called from elsewhere.
func (l *Loop) CancelTimer(id TimerID) {
	l.ExecuteInLoop(func() { l.timers.Cancel(id) })
}

// registerConnection and unregisterConnection are loop-thread-only;
// callers (Connection.attach/detach) already assert this.
func (l *Loop) registerConnection(c *Connection) {
	l.conns[c] = struct{}{}
}

func (l *Loop) unregisterConnection(c *Connection) {
	delete(l.conns, c)
}

// ConnectionCount returns the number of connections currently owned by
// this loop. Safe to call only from the loop thread (matches the rest
// of the connection-table access contract); callers from elsewhere
// should go through IOService's aggregate counters instead.
func (l *Loop) ConnectionCount() int { return len(l.conns) }

func (l *Loop) label() string { return fmt.Sprintf("loop-%d", l.id) }

// run is the loop body: spec.md §4.1's one-iteration algorithm repeated
// until stop, followed by the termination pass.
func (l *Loop) run() {
	l.goroutineID.Store(getGoroutineID())
	defer l.goroutineID.Store(0)
	defer close(l.doneCh)

	log := corelog.Loop(l.id)
	log.Debug("loop started")

	sweepID := l.timers.AddWithID(nextTimerID(), time.Now().Add(l.sweepInterval), l.sweepInterval, true, l.checkAllTimeouts)
	_ = sweepID

	for !l.stopRequested.Load() {
		if l.forceStop.Load() {
			log.Debug("loop force-stopped, skipping drain")
			return
		}

		timeoutMS := l.calcWaitTimeout()
		if _, err := l.demux.poll(timeoutMS); err != nil {
			log.WithError(err).Error("demux poll error")
		}

		l.timers.ProcessExpired(time.Now(), func() {
			if l.metrics != nil {
				l.metrics.TimerFires.Inc()
			}
		})
		l.drainDelegated()
		l.drainFinalizers()
	}

	if l.forceStop.Load() {
		return
	}

	l.terminate(log)
}

func (l *Loop) checkAllTimeouts() {
	now := time.Now()
	for c := range l.conns {
		c.checkTimeout(now)
	}
}

func (l *Loop) calcWaitTimeout() int {
	if at, ok := l.timers.NearestExpiration(); ok {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		ms := int(d / time.Millisecond)
		return ms
	}
	return -1 // infinite wait, no timers pending
}

func (l *Loop) drainDelegated() {
	l.delegatedMu.Lock()
	batch := l.delegated
	l.delegated = nil
	l.delegatedMu.Unlock()
	for _, fn := range batch {
		safeCall(l.label(), "delegated function", fn)
	}
}

func (l *Loop) drainFinalizers() {
	l.finalizerMu.Lock()
	batch := l.finalizers
	l.finalizers = nil
	l.finalizerMu.Unlock()
	for _, fn := range batch {
		safeCall(l.label(), "finalizer", fn)
	}
}

// terminate implements spec.md §4.1's termination semantics: disconnect
// every registered Connection, then loop until the connection table is
// empty, then exit.
func (l *Loop) terminate(log interface{ Debug(...interface{}) }) {
	for c := range l.conns {
		if !c.errorFlag {
			c.errorOccurred(fmt.Errorf("netcore: loop stopping"))
		}
	}
	for len(l.conns) > 0 {
		l.demux.poll(50)
		l.timers.ProcessExpired(time.Now(), nil)
		l.drainDelegated()
		l.drainFinalizers()
	}
	if err := l.demux.close(); err != nil {
		corelog.Loop(l.id).WithError(err).Warn("demux close")
	}
	log.Debug("loop terminated")
}

// getGoroutineID returns the current goroutine's numeric id, parsed out
// of runtime.Stack's "goroutine N [...]" header — the standard
// lightweight technique for loop-thread-affinity checks in pure-Go
// event loops (no syscall, no cgo).
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
