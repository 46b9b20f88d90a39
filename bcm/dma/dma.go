// Package dma drives the BCM2835 DMA controller.
//
// An Engine owns one pool of control blocks in DMA-visible memory and starts,
// waits on and resets channels.  Control blocks are linked by bus address;
// a terminal block has NextCB == 0 and a block may point at itself to repeat
// forever.
package dma

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

// Register block layout
const (
	BaseOffset uint32 = 0x7000
	Length     uint32 = 0xFF4

	// Channels is the number of channels sharing the register block.
	// Channel 15 lives elsewhere and is not driven.
	Channels = 15

	ChannelStride uint32 = 0x100

	RegCS        uint32 = 0x00
	RegConblkAd  uint32 = 0x04
	RegTI        uint32 = 0x08
	RegSourceAd  uint32 = 0x0C
	RegDestAd    uint32 = 0x10
	RegTxfrLen   uint32 = 0x14
	RegStride    uint32 = 0x18
	RegNextConbk uint32 = 0x1C
	RegDebug     uint32 = 0x20

	RegEnable uint32 = 0xFF0
)

// CS bits
const (
	CSActive           uint32 = 1 << 0
	CSEnd              uint32 = 1 << 1
	CSInt              uint32 = 1 << 2
	CSDReq             uint32 = 1 << 3
	CSPaused           uint32 = 1 << 4
	CSDReqStopsDMA     uint32 = 1 << 5
	CSWaitingForWrites uint32 = 1 << 6
	CSError            uint32 = 1 << 8
	CSWaitForWrites    uint32 = 1 << 28
	CSDisDebug         uint32 = 1 << 29
	CSAbort            uint32 = 1 << 30
	CSReset            uint32 = 1 << 31
)

// TI bits
const (
	TIIntEnable    uint32 = 1 << 0
	TITDMode       uint32 = 1 << 1
	TIWaitResp     uint32 = 1 << 3
	TIDestInc      uint32 = 1 << 4
	TIDestWidth    uint32 = 1 << 5
	TIDestDReq     uint32 = 1 << 6
	TIDestIgnore   uint32 = 1 << 7
	TISrcInc       uint32 = 1 << 8
	TISrcWidth     uint32 = 1 << 9
	TISrcDReq      uint32 = 1 << 10
	TISrcIgnore    uint32 = 1 << 11
	TINoWideBursts uint32 = 1 << 26
)

var (
	FieldPriority      = mmio.Field{Shift: 16, Width: 4}
	FieldPanicPriority = mmio.Field{Shift: 20, Width: 4}

	FieldBurstLength = mmio.Field{Shift: 12, Width: 4}
	FieldPermap      = mmio.Field{Shift: 16, Width: 5}
	FieldWaits       = mmio.Field{Shift: 21, Width: 5}
)

// Peripheral DREQ numbers for FieldPermap
const (
	PermapNone  uint32 = 0
	PermapSMI   uint32 = 4
	PermapPWM   uint32 = 5
	PermapSPITX uint32 = 6
	PermapSPIRX uint32 = 7
)

// DebugClear clears the read-last-not-set, FIFO and read error flags
const DebugClear uint32 = 7

// CBSize is the size and required alignment of a control block
const CBSize = 32

const (
	// DefaultRetries is the number of polls Wait makes by default
	DefaultRetries = 1000

	// DefaultDelay is the interval between polls in Wait by default
	DefaultDelay = 100 * time.Microsecond
)

// ControlBlock is the hardware descriptor of one transfer, read by the
// controller directly from memory
type ControlBlock struct {
	TI     uint32
	Src    uint32
	Dst    uint32
	Len    uint32
	Stride uint32
	NextCB uint32
	Debug  uint32
	_      uint32
}

// TimeoutError is returned by Wait when a channel is still busy after the
// retry budget is spent
type TimeoutError struct {
	Channel   int
	Remaining uint32
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dma channel %d: wait timed out with %d bytes remaining", e.Channel, e.Remaining)
}

// Unwrap makes a TimeoutError match bcm.ErrTimeout
func (e *TimeoutError) Unwrap() error {
	return bcm.ErrTimeout
}

// Engine owns the DMA register window and one pool of control blocks
type Engine struct {
	sync.Mutex

	info  *addrspace.Info
	regs  *mmio.Window
	alloc mmio.Allocator
	pool  mmio.Block
	n     int
	max   int
}

// Open maps the DMA registers.  Control blocks are allocated from alloc by
// Resize.
func Open(info *addrspace.Info, mapper mmio.Mapper, alloc mmio.Allocator) (*Engine, error) {
	regs, err := mmio.Open(info, mapper, BaseOffset, Length)
	if err != nil {
		return nil, err
	}
	return &Engine{info: info, regs: regs, alloc: alloc}, nil
}

// Resize ensures a pool of at least n control blocks.  n == 0 frees the pool.
// Growing past the current capacity allocates a fresh zeroed pool before
// freeing the old one, which invalidates every bus address taken from it.
// Shrinking keeps the content of the surviving blocks.
func (e *Engine) Resize(n int) error {
	e.Lock()
	defer e.Unlock()
	if n < 0 {
		return fmt.Errorf("resize to %d control blocks: %w", n, bcm.ErrConfig)
	}
	if n == 0 {
		err := e.alloc.FreeBlock(&e.pool)
		e.n, e.max = 0, 0
		return err
	}
	if n > e.max {
		page := e.info.PageSize
		size := (n*CBSize + page - 1) / page * page
		pool, err := e.alloc.AllocBlock(size, page)
		if err != nil {
			return err
		}
		old := e.pool
		e.pool = pool
		e.max = n
		if err := e.alloc.FreeBlock(&old); err != nil {
			e.n = n
			return err
		}
	}
	e.n = n
	return nil
}

// Len returns the number of usable control blocks
func (e *Engine) Len() int {
	e.Lock()
	defer e.Unlock()
	return e.n
}

func (e *Engine) check(i int) error {
	if i < 0 || i >= e.n {
		return fmt.Errorf("control block %d of %d: %w", i, e.n, bcm.ErrIndex)
	}
	return nil
}

// CB returns the i-th control block in place.  The pointer is valid until the
// next Resize that grows the pool.
func (e *Engine) CB(i int) (*ControlBlock, error) {
	e.Lock()
	defer e.Unlock()
	if err := e.check(i); err != nil {
		return nil, err
	}
	return (*ControlBlock)(unsafe.Pointer(&e.pool.Virt[i*CBSize])), nil
}

// BusAddr returns the bus address of the i-th control block, for NextCB
// fields and the CONBLK_AD register
func (e *Engine) BusAddr(i int) (uint32, error) {
	e.Lock()
	defer e.Unlock()
	if err := e.check(i); err != nil {
		return 0, err
	}
	return e.pool.BusAt(i * CBSize), nil
}

func (e *Engine) reg(ch int, ofs uint32) mmio.Register {
	if ch < 0 || ch >= Channels {
		panic(fmt.Sprintf("dma: channel %d out of range", ch))
	}
	return e.regs.Reg(uint32(ch)*ChannelStride + ofs)
}

func checkChannel(ch int) error {
	if ch < 0 || ch >= Channels {
		return fmt.Errorf("dma channel %d: %w", ch, bcm.ErrIndex)
	}
	return nil
}

// Start launches channel ch at control block first.  When the pool is not
// coherent the CPU cache over it is cleaned first, as the controller reads
// physical memory.
func (e *Engine) Start(ch, first int) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	e.Lock()
	if err := e.check(first); err != nil {
		e.Unlock()
		return err
	}
	bus := e.pool.BusAt(first * CBSize)
	if !e.pool.Coherent {
		mmio.CleanCache(e.pool.Virt[:e.n*CBSize], e.info.CacheLineSize)
	}
	e.Unlock()

	e.Enable(ch)
	e.Reset(ch)
	e.reg(ch, RegConblkAd).Write(bus)
	cs := e.reg(ch, RegCS)
	cs.Set(CSEnd)
	e.reg(ch, RegDebug).Write(DebugClear)
	cs.Set(CSActive)
	return nil
}

// Wait polls channel ch every delay until it is idle with nothing left to
// transfer.  After maxRetries polls it returns a *TimeoutError.  Zero
// arguments select DefaultRetries and DefaultDelay.
func (e *Engine) Wait(ch, maxRetries int, delay time.Duration) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	if maxRetries <= 0 {
		maxRetries = DefaultRetries
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	cs, length := e.reg(ch, RegCS), e.reg(ch, RegTxfrLen)
	op := func() error {
		if !cs.IsSet(CSActive) && length.Read() == 0 {
			return nil
		}
		return bcm.ErrTimeout
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(maxRetries-1))
	if err := backoff.Retry(op, b); err != nil {
		return &TimeoutError{Channel: ch, Remaining: length.Read()}
	}
	return nil
}

// Remaining returns the bytes left in the current control block of ch
func (e *Engine) Remaining(ch int) uint32 {
	return e.reg(ch, RegTxfrLen).Read()
}

// Reset resets channel ch
func (e *Engine) Reset(ch int) {
	e.reg(ch, RegCS).Set(CSReset)
}

// Abort abandons the current control block of ch and moves to the next
func (e *Engine) Abort(ch int) {
	e.reg(ch, RegCS).Set(CSAbort)
}

// Enable sets the global enable bit of ch
func (e *Engine) Enable(ch int) {
	if err := checkChannel(ch); err != nil {
		panic(err)
	}
	e.regs.Reg(RegEnable).Set(1 << uint(ch))
}

// Disable clears the global enable bit of ch
func (e *Engine) Disable(ch int) {
	if err := checkChannel(ch); err != nil {
		panic(err)
	}
	e.regs.Reg(RegEnable).Clear(1 << uint(ch))
}

// Error reports the error flag of ch
func (e *Engine) Error(ch int) bool {
	return e.reg(ch, RegCS).IsSet(CSError)
}

// Active returns the channels that are globally enabled and have a source or
// destination programmed, which hints at another user of the controller
func (e *Engine) Active() []int {
	en := e.regs.Reg(RegEnable).Read()
	var out []int
	for ch := 0; ch < Channels; ch++ {
		if en&(1<<uint(ch)) == 0 {
			continue
		}
		if e.reg(ch, RegSourceAd).Read() != 0 || e.reg(ch, RegDestAd).Read() != 0 {
			out = append(out, ch)
		}
	}
	return out
}

// Close frees the pool and unmaps the registers
func (e *Engine) Close() error {
	e.Lock()
	err := e.alloc.FreeBlock(&e.pool)
	e.n, e.max = 0, 0
	e.Unlock()
	if err2 := e.regs.Close(); err == nil {
		err = err2
	}
	return err
}
