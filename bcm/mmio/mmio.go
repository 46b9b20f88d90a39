// Package mmio maps peripheral register blocks and DMA-visible memory into
// the process.
//
// Registers are accessed through Register handles, which use atomic 32-bit
// loads and stores so the compiler never caches, merges or reorders them.
// Bitfields are described with Field (shift and width) rather than any
// language-level layout, so the encoding is identical on every target.
//
//	spi, err := mmio.Open(info, &mmio.DevMem{}, 0x204000, 0x18)
//	if err != nil {
//		return err
//	}
//	defer spi.Close()
//	cs := spi.Reg(0x00)
//	cs.Put(mmio.Field{Shift: 0, Width: 2}, 1) // chip select 1
//	fifo := spi.BusAddr(0x04)                 // for a DMA control block
package mmio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
)

// Field is a contiguous run of bits within a 32-bit register
type Field struct {
	Shift uint
	Width uint
}

// Mask returns the in-place mask of the field
func (f Field) Mask() uint32 {
	return uint32((uint64(1)<<f.Width)-1) << f.Shift
}

// Get extracts the field from a register value
func (f Field) Get(v uint32) uint32 {
	return (v & f.Mask()) >> f.Shift
}

// Put returns v with the field replaced by x.  Excess bits of x are dropped.
func (f Field) Put(v, x uint32) uint32 {
	return (v &^ f.Mask()) | f.Val(x)
}

// Val places x at the field's position, for or-ing several fields together
func (f Field) Val(x uint32) uint32 {
	return (x << f.Shift) & f.Mask()
}

// Register is a live handle to one 32-bit hardware register
type Register struct {
	p *uint32
}

// Read loads the register
func (r Register) Read() uint32 {
	return atomic.LoadUint32(r.p)
}

// Write stores the register
func (r Register) Write(v uint32) {
	atomic.StoreUint32(r.p, v)
}

// CompareAndSwap writes v if the register still holds old
func (r Register) CompareAndSwap(old, v uint32) bool {
	return atomic.CompareAndSwapUint32(r.p, old, v)
}

// Set ors mask into the register (read-modify-write)
func (r Register) Set(mask uint32) {
	r.Write(r.Read() | mask)
}

// Clear clears the bits of mask in the register (read-modify-write)
func (r Register) Clear(mask uint32) {
	r.Write(r.Read() &^ mask)
}

// IsSet returns true if all bits of mask are set
func (r Register) IsSet(mask uint32) bool {
	return r.Read()&mask == mask
}

// Get reads a field of the register
func (r Register) Get(f Field) uint32 {
	return f.Get(r.Read())
}

// Put writes a field of the register, leaving the other bits untouched
func (r Register) Put(f Field, x uint32) {
	r.Write(f.Put(r.Read(), x))
}

// Window is one peripheral register block mapped into the process
type Window struct {
	sync.Mutex

	info   *addrspace.Info
	mapper Mapper
	base   uint32
	mem    []byte
	saved  map[uint32]uint32
	order  []uint32
}

// Open maps length bytes of the peripheral block starting base bytes past
// the MMIO base
func Open(info *addrspace.Info, mapper Mapper, base, length uint32) (*Window, error) {
	if length == 0 || length%4 != 0 {
		return nil, fmt.Errorf("register window length %d must be a nonzero multiple of 4: %w", length, bcm.ErrConfig)
	}
	mem, err := mapper.Map(info.MMIOPhys(base), int(length))
	if err != nil {
		return nil, err
	}
	return &Window{info: info, mapper: mapper, base: base, mem: mem}, nil
}

// Reg returns a handle to the register at ofs bytes into the window.
// It panics if ofs is misaligned or past the end of the window.
func (w *Window) Reg(ofs uint32) Register {
	if ofs%4 != 0 || int(ofs)+4 > len(w.mem) {
		panic(fmt.Sprintf("mmio: register offset %#x outside window of %d bytes", ofs, len(w.mem)))
	}
	return Register{p: (*uint32)(unsafe.Pointer(&w.mem[ofs]))}
}

// BusAddr returns the bus address of the register at ofs, for use as the
// source or destination of a DMA control block
func (w *Window) BusAddr(ofs uint32) uint32 {
	return w.info.MMIOBus(w.base + ofs)
}

// Base returns the offset of the window from the MMIO base
func (w *Window) Base() uint32 {
	return w.base
}

// Len returns the length of the window in bytes
func (w *Window) Len() int {
	return len(w.mem)
}

// Snapshot records the current value of the registers at offsets, to be
// written back by Restore or Close
func (w *Window) Snapshot(offsets ...uint32) {
	w.Lock()
	defer w.Unlock()
	if w.saved == nil {
		w.saved = make(map[uint32]uint32, len(offsets))
	}
	for _, ofs := range offsets {
		if _, ok := w.saved[ofs]; !ok {
			w.order = append(w.order, ofs)
		}
		w.saved[ofs] = w.Reg(ofs).Read()
	}
}

// Restore writes back every snapshotted register, in snapshot order
func (w *Window) Restore() {
	w.Lock()
	defer w.Unlock()
	if w.mem == nil {
		return
	}
	for _, ofs := range w.order {
		w.Reg(ofs).Write(w.saved[ofs])
	}
}

// Close restores any snapshot and unmaps the window.  Closing twice is a no-op.
func (w *Window) Close() error {
	w.Restore()
	w.Lock()
	defer w.Unlock()
	if w.mem == nil {
		return nil
	}
	err := w.mapper.Unmap(w.mem)
	w.mem = nil
	return err
}
