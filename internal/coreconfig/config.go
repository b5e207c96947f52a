// Package coreconfig loads the IO service/server/connection configuration
// surface of spec.md §6 via viper, with optional fsnotify-driven hot
// reload for connection defaults, grounded on nabbar-golib/config.
package coreconfig

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Fixed per spec.md §4.4: listen backlog is not configurable.
const ListenBacklog = 30

// ServerConfig is the typed configuration surface of spec.md §6.
type ServerConfig struct {
	// io_service.loop_count: number of loops (1-64).
	LoopCount int `mapstructure:"loop_count"`

	// server.port
	Port int `mapstructure:"port"`

	// server.max_buffer_size: default cap on recv buffer (bytes).
	MaxBufferSize int64 `mapstructure:"max_buffer_size"`

	// connection.heartbeat/timeout_ms default, e.g. 60s WebSocket idle.
	HeartbeatTimeoutMS int64 `mapstructure:"heartbeat_timeout_ms"`

	TCPNoDelay  bool `mapstructure:"tcp_nodelay"`
	SOKeepAlive bool `mapstructure:"so_keepalive"`

	// SweepIntervalMS is the period of the timeout-enforcement sweep of
	// spec.md §4.3, default 5000 (5s); overridable so tests need not
	// wait on the real-time default.
	SweepIntervalMS int64 `mapstructure:"sweep_interval_ms"`
}

// Default returns the documented defaults of spec.md §6 and §9.
func Default() ServerConfig {
	return ServerConfig{
		LoopCount:          4,
		Port:               0,
		MaxBufferSize:      64 * 1024 * 1024,
		HeartbeatTimeoutMS: 60_000,
		TCPNoDelay:         true,
		SOKeepAlive:        true,
		SweepIntervalMS:    5000,
	}
}

// Loader reads a ServerConfig from a file and optionally watches it for
// changes, invoking onChange with the freshly re-decoded config.
type Loader struct {
	v        *viper.Viper
	mu       sync.Mutex
	current  ServerConfig
	onChange func(ServerConfig)
}

// NewLoader creates a Loader seeded with Default(), optionally reading
// path (if non-empty) to override it. path may be yaml/json/toml, as
// accepted by viper.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	d := Default()
	v.SetDefault("loop_count", d.LoopCount)
	v.SetDefault("port", d.Port)
	v.SetDefault("max_buffer_size", d.MaxBufferSize)
	v.SetDefault("heartbeat_timeout_ms", d.HeartbeatTimeoutMS)
	v.SetDefault("tcp_nodelay", d.TCPNoDelay)
	v.SetDefault("so_keepalive", d.SOKeepAlive)
	v.SetDefault("sweep_interval_ms", d.SweepIntervalMS)

	l := &Loader{v: v, current: d}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "coreconfig: read config file")
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

func (l *Loader) decode() (ServerConfig, error) {
	var cfg ServerConfig
	if err := l.v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, errors.Wrap(err, "coreconfig: unmarshal")
	}
	return cfg, nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() ServerConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Watch enables fsnotify-driven hot reload: whenever the backing file
// changes, the config is re-decoded, stored, and onChange is invoked on
// a new goroutine-free call (synchronous, from viper's watch goroutine).
// Only connection defaults are meant to be mutated live; LoopCount and
// Port changes are observed but have no effect on an already-running
// IOService (per spec.md, loop topology and listen port are fixed at
// open()).
func (l *Loader) Watch(onChange func(ServerConfig)) {
	l.onChange = onChange
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			return
		}
		l.mu.Lock()
		l.current = cfg
		cb := l.onChange
		l.mu.Unlock()
		if cb != nil {
			cb(cfg)
		}
	})
	l.v.WatchConfig()
}
