package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"ptoscore/internal/cache"
	"ptoscore/internal/defs"
	"ptoscore/internal/device"
	"ptoscore/internal/fdtable"
	"ptoscore/internal/frame"
	"ptoscore/internal/freemap"
	"ptoscore/internal/fuseadapter"
	"ptoscore/internal/inode"
	"ptoscore/internal/metrics"
	"ptoscore/internal/proc"
	"ptoscore/internal/spt"
	"ptoscore/internal/swap"
)

var (
	swapImagePath string
	numFrames     int
	metricsAddr   string
)

var mountCmd = &cobra.Command{
	Use:   "mount <disk-image> <mountpoint>",
	Short: "Mount the indexed file system at mountpoint via FUSE",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMount(args[0], args[1])
	},
}

func init() {
	mountCmd.Flags().StringVar(&swapImagePath, "swap-image", "", "path to a swap device image (default: an in-memory device)")
	mountCmd.Flags().IntVar(&numFrames, "frames", 256, "number of physical page frames simulated by the allocator")
	mountCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address while mounted")
}

func runMount(diskPath, mountpoint string) error {
	dev, err := device.Open(diskPath)
	if err != nil {
		return fmt.Errorf("open disk image: %w", err)
	}
	defer dev.Close()

	m := metrics.New()
	c := cache.New(dev, m)
	defer c.Shutdown()

	free := freemap.New(dev.NumSectors(), reservedSectors)
	fsys := inode.New(c, free)

	var swapDev device.SectorDevice
	if swapImagePath != "" {
		sd, err := device.Open(swapImagePath)
		if err != nil {
			return fmt.Errorf("open swap image: %w", err)
		}
		defer sd.Close()
		swapDev = sd
	} else {
		swapDev = device.NewMemDevice(uint32(numFrames) * defs.SectorsPerPage)
	}
	sw := swap.New(swapDev, m)
	frames := frame.New(frame.NewSimpleAllocator(numFrames), m)

	root := fsys.Open(defs.RootDirSector)
	defer fsys.Close(root)

	sptTable := spt.New(1, frames, sw)
	fds := fdtable.New(fsys, sptTable)
	thread := proc.NewThread("mount", root, sptTable, fds, 0)
	defer thread.Exit(0)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Printf("ptoscore: metrics server stopped: %v", err)
			}
		}()
		log.Printf("ptoscore: serving metrics on %s/metrics", metricsAddr)
	}

	fuseRoot := fuseadapter.NewRoot(fsys, free, thread)
	server, err := fs.Mount(mountpoint, fuseRoot, &fs.Options{})
	if err != nil {
		return fmt.Errorf("fuse mount: %w", err)
	}
	log.Printf("ptoscore: mounted %s at %s", diskPath, mountpoint)
	server.Wait()
	return nil
}
