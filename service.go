package netcore

import (
	"net"
	"sync"

	"github.com/lattice-io/netcore/internal/coreconfig"
	"github.com/lattice-io/netcore/internal/corelog"
	"github.com/lattice-io/netcore/internal/coremetrics"
)

// IOService is spec.md §4's top-level facade (C9): owns the loop pool,
// every Acceptor and Connector created through it, and the ambient
// config/metrics/logging wiring. Application code talks to IOService,
// never to a Loop or demux directly.
type IOService struct {
	cfgMu sync.RWMutex
	cfg   coreconfig.ServerConfig

	metrics *coremetrics.Counters
	pool    *Pool

	mu         sync.Mutex
	acceptors  []*Acceptor
	connectors []*Connector
}

// NewIOService builds the loop pool from cfg and creates metrics
// counters under the given namespace (pass "" to run without metrics).
// The counters are not registered with any prometheus.Registerer here;
// the caller does that through Metrics(). The loop pool's topology (LoopCount) and
// sweep interval are fixed at construction time; use WatchConfig to let
// a subset of cfg (connection defaults) change afterward.
func NewIOService(cfg coreconfig.ServerConfig, namespace string) (*IOService, error) {
	var counters *coremetrics.Counters
	if namespace != "" {
		counters = coremetrics.NewCounters(namespace)
	}
	pool, err := NewPool(cfg, counters)
	if err != nil {
		return nil, err
	}
	return &IOService{cfg: cfg, metrics: counters, pool: pool}, nil
}

// WatchConfig loads a ServerConfig from path via coreconfig.NewLoader
// and enables fsnotify-driven hot reload (coreconfig.Loader.Watch):
// whenever the file changes, connections assigned after that point pick
// up the new TCPNoDelay/SOKeepAlive/MaxBufferSize values.
// HeartbeatTimeoutMS is stored with the rest but assign does not read
// it. Per coreconfig.Loader.Watch's documented contract, LoopCount
// and Port are read once and never re-applied to the already-running
// pool/acceptors.
func (s *IOService) WatchConfig(path string) error {
	loader, err := coreconfig.NewLoader(path)
	if err != nil {
		return err
	}
	s.setConfig(loader.Current())
	loader.Watch(func(cfg coreconfig.ServerConfig) {
		corelog.Logger().Info("netcore: configuration reloaded")
		s.setConfig(cfg)
	})
	return nil
}

// currentConfig returns the most recently applied ServerConfig, safe
// for concurrent use with WatchConfig's reload callback.
func (s *IOService) currentConfig() coreconfig.ServerConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *IOService) setConfig(cfg coreconfig.ServerConfig) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

// Metrics exposes the registered counters, if any, for the caller to
// hand to a prometheus.Registerer.
func (s *IOService) Metrics() *coremetrics.Counters { return s.metrics }

// Start launches every loop in the pool.
func (s *IOService) Start() error { return s.pool.Start() }

// Stop tears down every acceptor and connector, then every loop.
func (s *IOService) Stop(force bool) error {
	s.mu.Lock()
	acceptors := append([]*Acceptor(nil), s.acceptors...)
	connectors := append([]*Connector(nil), s.connectors...)
	s.mu.Unlock()

	for _, a := range acceptors {
		a.Stop()
	}
	for _, c := range connectors {
		c.Stop()
	}
	return s.pool.Stop(force)
}

// Listen starts an Acceptor on port, assigning every accepted
// connection round-robin across the pool. cb is shared by every
// Connection the acceptor produces, per spec.md §3's "owner_server"
// role.
func (s *IOService) Listen(port int, cb *Callbacks) (*Acceptor, error) {
	var acc *Acceptor
	acc, err := NewAcceptor(port, cb, s.metrics, func(conn net.Conn, cb *Callbacks) {
		s.assign(conn, cb, acc, nil)
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.acceptors = append(s.acceptors, acc)
	s.mu.Unlock()
	acc.Start()
	corelog.Logger().Infof("netcore: listening on %s", acc.Addr())
	return acc, nil
}

// NewConnector starts a Connector whose successful connects are
// assigned round-robin across the pool, per spec.md §4.5.
func (s *IOService) NewConnector(cb *Callbacks) *Connector {
	cn := NewConnector(cb, s.metrics, func(conn net.Conn, cb *Callbacks, onAttached func(*Connection)) {
		s.assign(conn, cb, nil, onAttached)
	})
	s.mu.Lock()
	s.connectors = append(s.connectors, cn)
	s.mu.Unlock()
	cn.Start()
	return cn
}

// AttachClient attaches a Connection built by NewClient to the next
// loop in the pool's round-robin order, for the user-constructed Client
// producer role of spec.md §3.
func (s *IOService) AttachClient(c *Connection) {
	l := s.pool.Next()
	l.ExecuteInLoop(func() { c.SetEventLoop(l) })
}

// assign applies the connection's TCPNoDelay/SOKeepAlive config,
// constructs a Connection, and attaches it to the next loop in the
// pool's round-robin order.
func (s *IOService) assign(conn net.Conn, cb *Callbacks, server *Acceptor, onAttached func(*Connection)) {
	cfg := s.currentConfig()

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(cfg.TCPNoDelay)
		tc.SetKeepAlive(cfg.SOKeepAlive)
	}

	effective := cb
	if server != nil {
		effective = chainOnDisconnected(cb, server.onConnectionDestroyed)
	}

	c := newConnection(conn, effective, cfg.MaxBufferSize, s.metrics)
	c.server = server

	l := s.pool.Next()
	l.ExecuteInLoop(func() {
		if err := c.SetEventLoop(l); err != nil {
			corelog.Logger().WithError(err).Error("netcore: attach failed")
			return
		}
		if onAttached != nil {
			onAttached(c)
		}
	})
}

// chainOnDisconnected returns a Callbacks copy whose OnDisconnected
// runs the original handler (if any) followed by extra, used to keep
// an Acceptor's atomic connection count accurate without requiring
// every user-supplied Callbacks to remember to maintain it themselves.
func chainOnDisconnected(cb *Callbacks, extra func()) *Callbacks {
	if cb == nil {
		return &Callbacks{OnDisconnected: func(*Connection) { extra() }}
	}
	orig := cb.OnDisconnected
	out := *cb
	out.OnDisconnected = func(c *Connection) {
		if orig != nil {
			orig(c)
		}
		extra()
	}
	return &out
}
