package netcore

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lattice-io/netcore/internal/coreconfig"
	"github.com/lattice-io/netcore/internal/coremetrics"
)

// Pool is spec.md §4.1's Event Loop Pool (C4): a fixed-size set of
// loops, one goroutine each, assigned round-robin. MAX_LOOP_COUNT of the
// original (64) is not enforced here — Go goroutines are cheap enough
// that an operator-configured LoopCount is trusted directly.
type Pool struct {
	loops []*Loop
	next  int64 // atomic round-robin cursor
}

// NewPool constructs cfg.LoopCount loops, each with its own demux
// instance and the configured timeout-sweep interval.
func NewPool(cfg coreconfig.ServerConfig, metrics *coremetrics.Counters) (*Pool, error) {
	count := cfg.LoopCount
	if count <= 0 {
		count = coreconfig.Default().LoopCount
	}
	sweep := time.Duration(cfg.SweepIntervalMS) * time.Millisecond

	p := &Pool{loops: make([]*Loop, count)}
	for i := 0; i < count; i++ {
		d, err := newDemux()
		if err != nil {
			return nil, err
		}
		l := NewLoop(i, d, metrics)
		l.SetSweepInterval(sweep)
		p.loops[i] = l
	}
	return p, nil
}

// Start launches every loop's goroutine concurrently, via errgroup so a
// failure to start any one loop is reported coherently (loops
// themselves never return an error from Start, so in practice this
// always succeeds, but it keeps pool startup/shutdown symmetric with
// Stop's errgroup-coordinated drain).
func (p *Pool) Start() error {
	g, _ := errgroup.WithContext(context.Background())
	for _, l := range p.loops {
		l := l
		g.Go(func() error {
			l.Start()
			return nil
		})
	}
	return g.Wait()
}

// Stop requests every loop to terminate and waits for all of them to
// exit, coordinated with errgroup so the slowest loop's drain gates
// Pool.Stop's return exactly once.
func (p *Pool) Stop(force bool) error {
	g, _ := errgroup.WithContext(context.Background())
	for _, l := range p.loops {
		l := l
		g.Go(func() error {
			l.Stop(force, true)
			return nil
		})
	}
	return g.Wait()
}

// Next returns the next loop in round-robin order (spec.md §4.1: "new
// connections assigned round-robin across the pool").
func (p *Pool) Next() *Loop {
	n := atomic.AddInt64(&p.next, 1) - 1
	return p.loops[int(uint64(n)%uint64(len(p.loops)))]
}

// Loops returns every loop in the pool, in assignment order.
func (p *Pool) Loops() []*Loop { return p.loops }

// ConnectionCount sums every loop's connection count. Each loop's count
// is only safe to read from its own thread, so this delegates onto each
// and blocks until all have replied.
func (p *Pool) ConnectionCount() int {
	total := int64(0)
	done := make(chan struct{}, len(p.loops))
	for _, l := range p.loops {
		l := l
		l.ExecuteInLoop(func() {
			atomic.AddInt64(&total, int64(l.ConnectionCount()))
			done <- struct{}{}
		})
	}
	for range p.loops {
		<-done
	}
	return int(total)
}
