package mmio

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	perrors "github.com/pkg/errors"

	"github.com/nasa-jpl/piscope/bcm"
)

// DevMemPath is the privileged physical memory device
const DevMemPath = "/dev/mem"

// ErrOverlap is returned when a physical range is mapped twice at once
var ErrOverlap = errors.New("physical range already mapped")

// Mapper maps ranges of physical memory into the process
type Mapper interface {
	// Map returns size bytes of physical memory starting at phys.
	// phys need not be page aligned.
	Map(phys uintptr, size int) ([]byte, error)

	// Unmap releases a slice returned by Map
	Unmap([]byte) error
}

type claim struct {
	phys uintptr
	size int
}

// claims tracks the live physical ranges of one Mapper
type claims struct {
	mu   sync.Mutex
	live map[uintptr]claim // keyed by the address of the returned slice
}

func (c *claims) add(key uintptr, phys uintptr, size int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == nil {
		c.live = make(map[uintptr]claim)
	}
	for _, l := range c.live {
		if phys < l.phys+uintptr(l.size) && l.phys < phys+uintptr(size) {
			return fmt.Errorf("%#x+%d overlaps %#x+%d: %w", phys, size, l.phys, l.size, ErrOverlap)
		}
	}
	c.live[key] = claim{phys: phys, size: size}
	return nil
}

func (c *claims) check(phys uintptr, size int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.live {
		if phys < l.phys+uintptr(l.size) && l.phys < phys+uintptr(size) {
			return fmt.Errorf("%#x+%d overlaps %#x+%d: %w", phys, size, l.phys, l.size, ErrOverlap)
		}
	}
	return nil
}

func (c *claims) remove(key uintptr) (claim, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.live[key]
	delete(c.live, key)
	return cl, ok
}

func sliceKey(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// DevMem maps physical memory through /dev/mem.  The zero value is ready to
// use; it must not be copied after first use.
type DevMem struct {
	// Path overrides DevMemPath
	Path string

	claims
	regions map[uintptr]mmap.MMap
}

// Map opens the device with O_SYNC, which makes the mapping uncached, and
// maps the page-aligned range covering [phys, phys+size) shared read/write
func (d *DevMem) Map(phys uintptr, size int) ([]byte, error) {
	if err := d.check(phys, size); err != nil {
		return nil, err
	}
	fn := d.Path
	if fn == "" {
		fn = DevMemPath
	}
	f, err := os.OpenFile(fn, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, perrors.Wrapf(bcm.ErrPermission, "opening %s, run as root: %v", fn, err)
	}
	// the mapping outlives the descriptor
	defer f.Close()

	page := uintptr(os.Getpagesize())
	inPage := phys % page
	m, err := mmap.MapRegion(f, size+int(inPage), mmap.RDWR, 0, int64(phys-inPage))
	if err != nil {
		return nil, perrors.Wrapf(err, "mapping %d bytes of physical memory at %#x", size, phys)
	}
	out := m[inPage : int(inPage)+size]
	key := sliceKey(out)
	if err := d.add(key, phys, size); err != nil {
		m.Unmap()
		return nil, err
	}
	d.mu.Lock()
	if d.regions == nil {
		d.regions = make(map[uintptr]mmap.MMap)
	}
	d.regions[key] = m
	d.mu.Unlock()
	return out, nil
}

// Unmap releases a mapping made by Map
func (d *DevMem) Unmap(b []byte) error {
	key := sliceKey(b)
	if _, ok := d.remove(key); !ok {
		return fmt.Errorf("unmap of a slice not mapped by this DevMem")
	}
	d.mu.Lock()
	m := d.regions[key]
	delete(d.regions, key)
	d.mu.Unlock()
	return m.Unmap()
}
