package netcore

import (
	"net"
	"testing"
	"time"

	"github.com/lattice-io/netcore/internal/coreconfig"
)

// TestIOServiceConfigUpdateAffectsSubsequentConnections exercises the
// reload path WatchConfig wires up (setConfig -> currentConfig, read by
// assign on every new connection) without depending on real fsnotify
// timing: it calls setConfig directly, the same call coreconfig.Loader's
// OnConfigChange callback makes.
func TestIOServiceConfigUpdateAffectsSubsequentConnections(t *testing.T) {
	cfg := coreconfig.Default()
	cfg.LoopCount = 1
	svc, err := NewIOService(cfg, "")
	if err != nil {
		t.Fatalf("NewIOService: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(true)

	updated := svc.currentConfig()
	updated.MaxBufferSize = 12345
	svc.setConfig(updated)

	server, client := net.Pipe()
	defer client.Close()

	attached := make(chan *Connection, 1)
	svc.assign(server, &Callbacks{}, nil, func(c *Connection) { attached <- c })

	select {
	case c := <-attached:
		if c.maxBufferSize != 12345 {
			t.Fatalf("expected newly-assigned connection to see reloaded MaxBufferSize, got %d", c.maxBufferSize)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for assign to attach the connection")
	}
}
