package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ptoscore/internal/cache"
	"ptoscore/internal/defs"
	"ptoscore/internal/device"
	"ptoscore/internal/freemap"
	"ptoscore/internal/inode"
	"ptoscore/internal/metrics"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck <disk-image>",
	Short: "Check the free-sector accounting invariant against a disk image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFsck(args[0])
	},
}

// runFsck walks the whole directory tree from the root and sums the
// sectors reachable from every live inode's index tree (the root
// directory inode included) with the sector reserved by convention
// (sector 0). The free map is not stored on the image, so the free count
// printed is the one this sum implies; the only failure reported is a
// sum larger than the device.
func runFsck(diskPath string) error {
	dev, err := device.Open(diskPath)
	if err != nil {
		return fmt.Errorf("open disk image: %w", err)
	}
	defer dev.Close()

	m := metrics.New()
	c := cache.New(dev, m)
	defer c.Shutdown()

	free := freemap.New(dev.NumSectors(), 0)
	fsys := inode.New(c, free)

	root := fsys.Open(defs.RootDirSector)
	defer fsys.Close(root)

	visited := make(map[uint32]bool)
	reachable, err2 := walkReachable(fsys, root, visited)
	if err2 != nil {
		return err2
	}

	total := dev.NumSectors()
	accounted := uint32(reachable) + uint32(reservedSectors-defs.RootDirSector)
	freeCount := total - accounted

	fmt.Printf("ptoscore fsck: %s\n", diskPath)
	fmt.Printf("  total sectors:      %d\n", total)
	fmt.Printf("  reachable sectors:  %d\n", reachable)
	fmt.Printf("  reserved sectors:   %d\n", reservedSectors-defs.RootDirSector)
	fmt.Printf("  implied free:       %d\n", freeCount)

	if accounted > total {
		return fmt.Errorf("fsck: reachable+reserved sectors (%d) exceed device capacity (%d): corrupt index tree", accounted, total)
	}
	return nil
}

// walkReachable opens and recursively descends dir, summing
// FS.ReachableSectors across every live entry. Entries already in
// visited are skipped so a malformed "." / ".." cycle cannot loop
// forever.
func walkReachable(fsys *inode.FS, dir *inode.Inode, visited map[uint32]bool) (int, error) {
	sector := dir.Sector()
	if visited[sector] {
		return 0, nil
	}
	visited[sector] = true

	total := fsys.ReachableSectors(dir)

	names, errc := fsys.List(dir)
	if errc != 0 {
		return 0, fmt.Errorf("list sector %d: %v", sector, errc)
	}
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		childSector, errc := fsys.Lookup(dir, name)
		if errc != 0 {
			return 0, fmt.Errorf("lookup %q in sector %d: %v", name, sector, errc)
		}
		child := fsys.Open(childSector)
		if child.IsDir() {
			n, err := walkReachable(fsys, child, visited)
			fsys.Close(child)
			if err != nil {
				return 0, err
			}
			total += n
		} else {
			if !visited[childSector] {
				visited[childSector] = true
				total += fsys.ReachableSectors(child)
			}
			fsys.Close(child)
		}
	}
	return total, nil
}
