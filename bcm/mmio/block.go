package mmio

import (
	"fmt"
	"sync"
	"unsafe"

	perrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
)

// Block is one physically contiguous allocation seen at its three addresses.
// Blocks are owned by exactly one user and freed through the Allocator that
// made them.  A freed block has a zero Handle; freeing it again is a no-op.
type Block struct {
	// Virt is the process mapping of the block
	Virt []byte

	// Phys is the ARM physical address of Virt[0]
	Phys uintptr

	// Bus is the VideoCore bus address of Virt[0]
	Bus uint32

	// Handle identifies the allocation to its allocator, 0 when freed
	Handle uint32

	// Coherent is true when CPU writes reach memory without a cache clean
	Coherent bool
}

// Size returns the length of the block in bytes
func (b *Block) Size() int {
	return len(b.Virt)
}

// BusAt returns the bus address ofs bytes into the block
func (b *Block) BusAt(ofs int) uint32 {
	return b.Bus + uint32(ofs)
}

// Words views the block as little-endian 32-bit words
func (b *Block) Words() []uint32 {
	if len(b.Virt) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b.Virt[0])), len(b.Virt)/4)
}

// Allocator hands out DMA-visible memory
type Allocator interface {
	// AllocBlock returns a zeroed block of at least size bytes whose bus
	// address is a multiple of align
	AllocBlock(size, align int) (Block, error)

	// FreeBlock releases a block and zeroes its Handle
	FreeBlock(*Block) error
}

// Locked allocates DMA-visible memory from the process heap: anonymous pages
// locked into RAM and resolved to physical addresses through the pagemap.
// Locked memory is cached, so DMA users must clean the cache before the
// controller reads it.  Blocks larger than a page are only usable when the
// kernel happened to hand out physically contiguous frames; AllocBlock checks.
type Locked struct {
	Info *addrspace.Info

	mu   sync.Mutex
	next uint32
}

// AllocBlock maps, locks and zeroes size bytes
func (l *Locked) AllocBlock(size, align int) (Block, error) {
	page := l.Info.PageSize
	if size <= 0 || align <= 0 || align > page || page%align != 0 {
		return Block{}, fmt.Errorf("locked block of %d bytes aligned to %d: %w", size, align, bcm.ErrConfig)
	}
	n := (size + page - 1) / page * page
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Block{}, perrors.Wrapf(bcm.ErrAllocation, "mapping %d anonymous bytes: %v", n, err)
	}
	if err = unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return Block{}, perrors.Wrapf(bcm.ErrPermission, "locking %d bytes: %v", n, err)
	}
	for i := range mem {
		mem[i] = 0
	}

	base := uintptr(unsafe.Pointer(&mem[0]))
	phys, err := l.Info.VirtToPhys(base)
	if err != nil {
		unix.Munlock(mem)
		unix.Munmap(mem)
		return Block{}, err
	}
	for ofs := page; ofs < n; ofs += page {
		p, err := l.Info.VirtToPhys(base + uintptr(ofs))
		if err != nil || p != phys+uintptr(ofs) {
			unix.Munlock(mem)
			unix.Munmap(mem)
			return Block{}, fmt.Errorf("locked block of %d bytes is not physically contiguous: %w", n, bcm.ErrAllocation)
		}
	}

	l.mu.Lock()
	l.next++
	h := l.next
	l.mu.Unlock()
	return Block{
		Virt:   mem[:size],
		Phys:   phys,
		Bus:    l.Info.PhysToBus(phys),
		Handle: h,
	}, nil
}

// FreeBlock unlocks and unmaps a block
func (l *Locked) FreeBlock(b *Block) error {
	if b.Handle == 0 {
		return nil
	}
	mem := b.Virt[:cap(b.Virt)]
	*b = Block{}
	unix.Munlock(mem)
	return unix.Munmap(mem)
}

// CleanCache writes back and invalidates the data cache lines covering b, so
// that a bus master reading physical memory sees the CPU's writes
func CleanCache(b []byte, line int) {
	if len(b) == 0 {
		return
	}
	if line <= 0 {
		line = 64
	}
	cleanCache(b, line)
}
