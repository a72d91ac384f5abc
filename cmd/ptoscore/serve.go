package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"ptoscore/internal/cache"
	"ptoscore/internal/device"
	"ptoscore/internal/metrics"
)

var serveMetricsAddr string

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics <disk-image>",
	Short: "Boot the buffer cache over a disk image and serve its Prometheus metrics",
	Long: `serve-metrics boots just the buffer cache (no FUSE mount) against a disk
image and exposes its counters on /metrics, for exercising the cache's
background flush and read-ahead daemons in isolation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServeMetrics(args[0])
	},
}

func init() {
	serveMetricsCmd.Flags().StringVar(&serveMetricsAddr, "addr", ":9400", "address to serve /metrics on")
}

func runServeMetrics(diskPath string) error {
	dev, err := device.Open(diskPath)
	if err != nil {
		return fmt.Errorf("open disk image: %w", err)
	}
	defer dev.Close()

	m := metrics.New()
	c := cache.New(dev, m)
	defer c.Shutdown()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	log.Printf("ptoscore: serving metrics for %s on %s/metrics", diskPath, serveMetricsAddr)
	return http.ListenAndServe(serveMetricsAddr, mux)
}
