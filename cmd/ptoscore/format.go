package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ptoscore/internal/cache"
	"ptoscore/internal/defs"
	"ptoscore/internal/device"
	"ptoscore/internal/freemap"
	"ptoscore/internal/inode"
	"ptoscore/internal/metrics"
)

var formatCmd = &cobra.Command{
	Use:   "format <disk-image> <nsectors>",
	Short: "Create and initialize a fresh disk image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		nsectors, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid sector count: %w", err)
		}
		return runFormat(args[0], uint32(nsectors))
	},
}

// reservedSectors covers sector 0 (boot/free-map convention, spec §6)
// and the fixed root directory inode sector.
const reservedSectors = defs.RootDirSector + 1

func runFormat(path string, nsectors uint32) error {
	dev, err := device.Create(path, nsectors)
	if err != nil {
		return fmt.Errorf("create disk image: %w", err)
	}
	defer dev.Close()

	m := metrics.New()
	c := cache.New(dev, m)
	defer c.Shutdown()

	free := freemap.New(nsectors, reservedSectors)
	fs := inode.New(c, free)

	if err := fs.Create(defs.RootDirSector, defs.TypeDirectory); err != 0 {
		return fmt.Errorf("create root directory: %w", err)
	}
	root := fs.Open(defs.RootDirSector)
	defer fs.Close(root)
	if err := fs.Link(root, ".", defs.RootDirSector); err != 0 {
		return fmt.Errorf("link root '.': %w", err)
	}
	if err := fs.Link(root, "..", defs.RootDirSector); err != 0 {
		return fmt.Errorf("link root '..': %w", err)
	}

	fmt.Printf("formatted %s: %d sectors, %d free\n", path, nsectors, free.FreeCount())
	return nil
}
