// Command echoserver is a runnable demonstration of spec.md §8 scenario
// 1 (Echo): every received packet, framed by a line splitter, is sent
// back to its originator unchanged.
package main

import (
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lattice-io/netcore"
	"github.com/lattice-io/netcore/internal/coreconfig"
	"github.com/lattice-io/netcore/internal/corelog"
)

func main() {
	var (
		port       int
		loops      int
		metricAddr string
		verbose    bool
		configPath string
	)

	root := &cobra.Command{
		Use:   "echoserver",
		Short: "netcore echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				corelog.SetLevel(logrus.DebugLevel)
			}

			cfg := coreconfig.Default()
			cfg.LoopCount = loops

			heartbeatMS := int(cfg.HeartbeatTimeoutMS)
			if heartbeatMS <= 0 {
				heartbeatMS = netcore.DefaultHeartbeatTimeoutMS
			}

			svc, err := netcore.NewIOService(cfg, "echoserver")
			if err != nil {
				return err
			}

			if configPath != "" {
				if err := svc.WatchConfig(configPath); err != nil {
					return err
				}
				corelog.Logger().WithField("path", configPath).Info("watching config file for connection-default reload")
			}

			if metricAddr != "" {
				if m := svc.Metrics(); m != nil {
					m.Register(prometheus.DefaultRegisterer)
				}
				go func() {
					http.Handle("/metrics", promhttp.Handler())
					corelog.Logger().WithField("addr", metricAddr).Info("metrics listening")
					http.ListenAndServe(metricAddr, nil)
				}()
			}

			if err := svc.Start(); err != nil {
				return err
			}

			cb := &netcore.Callbacks{
				OnConnected: func(c *netcore.Connection) {
					corelog.Conn(c.Name()).Info("connected")
					c.Recv(netcore.SplitByLine, nil, heartbeatMS)
				},
				OnDisconnected: func(c *netcore.Connection) {
					corelog.Conn(c.Name()).Info("disconnected")
				},
				OnRecvComplete: func(c *netcore.Connection, buf []byte, size int, _ interface{}) {
					echo := append([]byte(nil), buf...)
					c.Send(echo, nil, -1)
					c.Recv(netcore.SplitByLine, nil, heartbeatMS)
				},
			}

			if _, err := svc.Listen(port, cb); err != nil {
				return err
			}

			select {}
		},
	}

	root.Flags().IntVar(&port, "port", 9000, "listen port")
	root.Flags().IntVar(&loops, "loops", 0, "event loop count (0 = config default)")
	root.Flags().StringVar(&metricAddr, "metrics-addr", "", "prometheus /metrics listen address, empty to disable")
	root.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	root.Flags().StringVar(&configPath, "config", "", "path to a yaml/json/toml config file, watched for hot-reloadable connection defaults")

	if err := root.Execute(); err != nil {
		corelog.Logger().WithError(err).Error("echoserver exited with error")
		os.Exit(1)
	}
}
