//go:build linux

package netcore_test

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lattice-io/netcore"
	"github.com/lattice-io/netcore/internal/coreconfig"
)

func newTestService() *netcore.IOService {
	cfg := coreconfig.Default()
	cfg.LoopCount = 2
	cfg.SweepIntervalMS = 50 // keep the Timeout scenario within the test budget
	svc, err := netcore.NewIOService(cfg, "")
	Expect(err).NotTo(HaveOccurred())
	Expect(svc.Start()).To(Succeed())
	DeferCleanup(func() { svc.Stop(true) })
	return svc
}

var _ = Describe("Echo scenario", func() {
	It("echoes a line-framed packet back to its sender", func() {
		svc := newTestService()

		cb := &netcore.Callbacks{
			OnConnected: func(c *netcore.Connection) {
				c.Recv(netcore.SplitByLine, nil, -1)
			},
			OnRecvComplete: func(c *netcore.Connection, buf []byte, size int, _ interface{}) {
				echo := append([]byte(nil), buf...)
				c.Send(echo, nil, -1)
				c.Recv(netcore.SplitByLine, nil, -1)
			},
		}

		acc, err := svc.Listen(0, cb)
		Expect(err).NotTo(HaveOccurred())

		conn, err := net.Dial("tcp4", acc.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		_, err = conn.Write([]byte("hello world\n"))
		Expect(err).NotTo(HaveOccurred())

		reply, err := bufio.NewReader(conn).ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		Expect(reply).To(Equal("hello world\n"))
	})
})

var _ = Describe("Framing scenario", func() {
	It("splits a null-delimited stream into its constituent packets", func() {
		svc := newTestService()

		var mu sync.Mutex
		var received []string
		done := make(chan struct{})

		cb := &netcore.Callbacks{
			OnConnected: func(c *netcore.Connection) {
				c.Recv(netcore.SplitByNull, nil, -1)
			},
			OnRecvComplete: func(c *netcore.Connection, buf []byte, size int, _ interface{}) {
				mu.Lock()
				received = append(received, string(buf))
				n := len(received)
				mu.Unlock()
				if n == 3 {
					close(done)
					return
				}
				c.Recv(netcore.SplitByNull, nil, -1)
			},
		}

		acc, err := svc.Listen(0, cb)
		Expect(err).NotTo(HaveOccurred())

		conn, err := net.Dial("tcp4", acc.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		_, err = conn.Write([]byte("A\x00BB\x00CCC\x00"))
		Expect(err).NotTo(HaveOccurred())

		Eventually(done, eventually, pollInterval).Should(BeClosed())
		Expect(received).To(Equal([]string{"A\x00", "BB\x00", "CCC\x00"}))
	})
})

var _ = Describe("Connector batch scenario", func() {
	It("fires on_complete exactly once per task for a mix of reachable and unreachable peers", func() {
		svc := newTestService()

		// One real listener to be the "reachable" half of the mix.
		acc, err := svc.Listen(0, &netcore.Callbacks{})
		Expect(err).NotTo(HaveOccurred())

		const total = 40
		var successCount, failureCount int64
		var wg sync.WaitGroup
		wg.Add(total)

		cn := svc.NewConnector(&netcore.Callbacks{})
		for i := 0; i < total; i++ {
			addr := acc.Addr().String()
			if i%2 == 1 {
				// Port 1 is reserved and never accepts on a loopback
				// test host, standing in for "unreachable peer".
				addr = "127.0.0.1:1"
			}
			err := cn.Submit(netcore.ConnectTask{
				Addr:      addr,
				TimeoutMS: 500,
				Context:   i,
				OnComplete: func(r netcore.ConnectResult) {
					defer wg.Done()
					if r.Success {
						atomic.AddInt64(&successCount, 1)
					} else {
						atomic.AddInt64(&failureCount, 1)
					}
				},
			})
			Expect(err).NotTo(HaveOccurred())
		}

		waitDone := make(chan struct{})
		go func() { wg.Wait(); close(waitDone) }()
		Eventually(waitDone, eventually, pollInterval).Should(BeClosed())

		Expect(successCount + failureCount).To(Equal(int64(total)))
		Expect(successCount).To(Equal(int64(total / 2)))
	})
})

var _ = Describe("Back-pressure scenario", func() {
	It("stalls the writer once the peer stops draining past max_recv_backlog", func() {
		svc := newTestService()

		attached := make(chan *netcore.Connection, 1)
		cb := &netcore.Callbacks{
			OnConnected: func(c *netcore.Connection) {
				c.SetMaxRecvBacklog(4096)
				attached <- c
				// deliberately never call Recv: the peer's writes should
				// back up against TCP flow control once the kernel
				// socket buffers fill, independent of our own recv
				// queue/backlog bookkeeping.
			},
		}

		acc, err := svc.Listen(0, cb)
		Expect(err).NotTo(HaveOccurred())

		conn, err := net.Dial("tcp4", acc.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		Eventually(attached, eventually, pollInterval).Should(Receive())

		chunk := make([]byte, 64*1024)
		wroteAll := make(chan struct{})
		go func() {
			for i := 0; i < 64; i++ { // 4MB total, far past any socket buffer
				if _, err := conn.Write(chunk); err != nil {
					return
				}
			}
			close(wroteAll)
		}()

		// The write goroutine must NOT finish quickly: with nobody
		// draining the server side, TCP flow control stalls it.
		Consistently(wroteAll, 200*pollInterval, pollInterval).ShouldNot(BeClosed())
	})
})

var _ = Describe("Timeout scenario", func() {
	It("disconnects a connection whose recv task exceeds its timeout", func() {
		svc := newTestService()

		disc := make(chan struct{})
		cb := &netcore.Callbacks{
			OnConnected: func(c *netcore.Connection) {
				c.Recv(netcore.SplitByLine, nil, 50) // 50ms timeout, no data ever sent
			},
			OnDisconnected: func(c *netcore.Connection) {
				close(disc)
			},
		}

		acc, err := svc.Listen(0, cb)
		Expect(err).NotTo(HaveOccurred())

		conn, err := net.Dial("tcp4", acc.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		Eventually(disc, eventually, pollInterval).Should(BeClosed())
	})
})
