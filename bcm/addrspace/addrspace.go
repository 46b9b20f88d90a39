// Package addrspace describes the three address spaces a userspace DMA driver
// juggles on a BCM2835-family SoC and converts between them.
//
// The ARM sees peripherals and RAM at physical addresses.  The DMA controller
// and the VideoCore see the same things at bus addresses, which differ from
// the physical ones by an alias bit for RAM and by a fixed base for MMIO.
// A process sees everything at virtual addresses, which are resolved to
// physical frames through /proc/self/pagemap.
//
// The ranges are read from the device tree once, at startup, and the
// resulting Info is passed by pointer to every driver that needs it.
package addrspace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/pkg/errors"
)

const (
	// DefaultRoot is where the kernel exposes the flattened device tree
	DefaultRoot = "/proc/device-tree"

	// DefaultPagemap is the page table introspection file of this process
	DefaultPagemap = "/proc/self/pagemap"

	defaultCacheLine = 64

	pfnMask = (uint64(1) << 55) - 1
)

// Info is the immutable description of the platform address map
type Info struct {
	// BusMMIOBase is the bus address of the peripheral block
	BusMMIOBase uint32

	// PhysMMIOBase is the ARM physical address of the peripheral block
	PhysMMIOBase uintptr

	// MMIOSize is the length of the peripheral block in bytes
	MMIOSize uint32

	// BusAlias is the bus address that physical address 0 maps to,
	// it is or'd into a physical address to make a bus address
	BusAlias uint32

	// BusMemSize is the size of RAM visible to DMA
	BusMemSize uint32

	// PageSize is the MMU page size
	PageSize int

	// CacheLineSize is the L1 data cache line size
	CacheLineSize int

	// Pagemap is the path to the pagemap file used by VirtToPhys
	Pagemap string
}

// Load reads the soc/ranges and soc/dma-ranges descriptors under root.
// An empty root means DefaultRoot.
func Load(root string) (*Info, error) {
	if root == "" {
		root = DefaultRoot
	}
	rng, err := readTriple(filepath.Join(root, "soc", "ranges"))
	if err != nil {
		return nil, err
	}
	dma, err := readTriple(filepath.Join(root, "soc", "dma-ranges"))
	if err != nil {
		return nil, err
	}
	return &Info{
		BusMMIOBase:   rng[0],
		PhysMMIOBase:  uintptr(rng[1]),
		MMIOSize:      rng[2],
		BusAlias:      dma[0],
		BusMemSize:    dma[2],
		PageSize:      os.Getpagesize(),
		CacheLineSize: cacheLineSize(),
		Pagemap:       DefaultPagemap,
	}, nil
}

// readTriple reads three big-endian words from a device tree property
func readTriple(fn string) ([3]uint32, error) {
	var out [3]uint32
	f, err := os.Open(fn)
	if err != nil {
		return out, fmt.Errorf("opening device tree ranges %s: %v: %w", fn, err, bcm.ErrConfig)
	}
	defer f.Close()
	err = binary.Read(f, binary.BigEndian, &out)
	if err != nil {
		return out, fmt.Errorf("reading device tree ranges %s: %v: %w", fn, err, bcm.ErrConfig)
	}
	return out, nil
}

func cacheLineSize() int {
	b, err := os.ReadFile("/sys/devices/system/cpu/cpu0/cache/index0/coherency_line_size")
	if err != nil {
		return defaultCacheLine
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || n <= 0 {
		return defaultCacheLine
	}
	return n
}

// BusToPhys strips the bus alias from a bus address
func (i *Info) BusToPhys(bus uint32) uintptr {
	return uintptr(bus &^ i.BusAlias)
}

// PhysToBus applies the bus alias to a physical address
func (i *Info) PhysToBus(phys uintptr) uint32 {
	return uint32(phys) | i.BusAlias
}

// MMIOPhys returns the physical address of a peripheral register offset
func (i *Info) MMIOPhys(ofs uint32) uintptr {
	return i.PhysMMIOBase + uintptr(ofs)
}

// MMIOBus returns the bus address of a peripheral register offset
func (i *Info) MMIOBus(ofs uint32) uint32 {
	return i.BusMMIOBase + ofs
}

// VirtToPhys resolves the physical address backing a virtual address in
// this process.  The page must be resident (locked memory is).
func (i *Info) VirtToPhys(addr uintptr) (uintptr, error) {
	page := uintptr(i.PageSize)
	fn := i.Pagemap
	if fn == "" {
		fn = DefaultPagemap
	}
	f, err := os.Open(fn)
	if err != nil {
		return 0, errors.Wrapf(bcm.ErrPermission, "opening %s: %v", fn, err)
	}
	defer f.Close()

	var buf [8]byte
	ofs := int64(addr/page) * 8
	_, err = f.ReadAt(buf[:], ofs)
	if err != nil && err != io.EOF {
		return 0, errors.Wrapf(bcm.ErrPermission, "reading %s at %d: %v", fn, ofs, err)
	}
	if err == io.EOF {
		return 0, errors.Wrapf(bcm.ErrPermission, "no pagemap entry at %d in %s", ofs, fn)
	}
	pfn := binary.LittleEndian.Uint64(buf[:]) & pfnMask
	if pfn == 0 {
		// the kernel zeroes PFNs for readers without CAP_SYS_ADMIN
		return 0, errors.Wrapf(bcm.ErrPermission, "page frame of %#x hidden, are you root?", addr)
	}
	return uintptr(pfn)*page + addr%page, nil
}

// VirtToBus is PhysToBus(VirtToPhys(addr))
func (i *Info) VirtToBus(addr uintptr) (uint32, error) {
	phys, err := i.VirtToPhys(addr)
	if err != nil {
		return 0, err
	}
	return i.PhysToBus(phys), nil
}
