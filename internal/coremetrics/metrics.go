// Package coremetrics backs the "Inspect counters" of spec.md §5 with
// Prometheus instruments, grounded on nabbar-golib/prometheus. Core
// code only ever calls Inc/Dec on the instruments below; the netcore
// package itself does not import prometheus (cmd/echoserver does, to
// register and serve them).
package coremetrics

import "github.com/prometheus/client_golang/prometheus"

// Counters aggregates every counter/gauge the core touches. A process
// normally has one Counters, created via NewCounters and registered
// once with a prometheus.Registerer (e.g. prometheus.DefaultRegisterer)
// by the program that owns the IO Service; cmd/echoserver does this with
// the set returned by IOService.Metrics.
type Counters struct {
	ConnectionsCreated   prometheus.Counter
	ConnectionsDestroyed prometheus.Counter
	ConnectionsErrored   prometheus.Counter
	ConnectionsActive    prometheus.Gauge
	Accepted             prometheus.Counter
	ConnectSuccess       prometheus.Counter
	ConnectFailure       prometheus.Counter
	TimerFires           prometheus.Counter
}

// NewCounters builds a fresh, unregistered Counters set.
func NewCounters(namespace string) *Counters {
	f := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}
	return &Counters{
		ConnectionsCreated:   f("connections_created_total", "connections created by acceptor, connector or client"),
		ConnectionsDestroyed: f("connections_destroyed_total", "connections fully released"),
		ConnectionsErrored:   f("connections_errored_total", "connections that transitioned through error_occurred"),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "connections currently attached to a loop",
		}),
		Accepted:       f("accepted_total", "sockets produced by the acceptor"),
		ConnectSuccess: f("connect_success_total", "outbound connects that completed successfully"),
		ConnectFailure: f("connect_failure_total", "outbound connects that failed"),
		TimerFires:     f("timer_fires_total", "timer callbacks invoked across all loops"),
	}
}

// Register registers every instrument with r. Safe to call once per
// Counters instance.
func (c *Counters) Register(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		c.ConnectionsCreated, c.ConnectionsDestroyed, c.ConnectionsErrored,
		c.ConnectionsActive, c.Accepted, c.ConnectSuccess, c.ConnectFailure,
		c.TimerFires,
	}
	for _, coll := range collectors {
		if err := r.Register(coll); err != nil {
			return err
		}
	}
	return nil
}
