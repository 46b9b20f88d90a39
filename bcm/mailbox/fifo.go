package mailbox

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

// Mailbox peripheral layout.  Mailbox 0 carries VC to ARM traffic and
// mailbox 1 ARM to VC.
const (
	BaseOffset uint32 = 0xB880
	Length     uint32 = 0x40

	Mbox0FIFO   uint32 = 0x00
	Mbox0Status uint32 = 0x18
	Mbox1FIFO   uint32 = 0x20
	Mbox1Status uint32 = 0x38

	StatusEmpty uint32 = 1 << 30
	StatusFull  uint32 = 1 << 31
)

// FieldChannel is the channel nibble of a FIFO message reference
var FieldChannel = mmio.Field{Shift: 0, Width: 4}

const (
	// DefaultTimeout bounds each wait on the firmware
	DefaultTimeout = time.Second

	// DefaultPoll is the interval between polls of the mailbox status
	DefaultPoll = 10 * time.Microsecond
)

var errNotYet = errors.New("not yet")

// FIFO drives the mailbox registers directly, for systems without the vcio
// driver.  Messages are staged in a DMA-visible block since the firmware
// reads them by bus address.
type FIFO struct {
	// Timeout bounds each of the three waits in a transfer
	Timeout time.Duration

	// Poll is the constant interval between status polls
	Poll time.Duration

	// mu serializes transfers through the one staging block
	mu      sync.Mutex
	regs    *mmio.Window
	alloc   mmio.Allocator
	staging mmio.Block
	line    int
}

// OpenFIFO maps the mailbox registers and allocates a one page staging block
// from alloc
func OpenFIFO(info *addrspace.Info, mapper mmio.Mapper, alloc mmio.Allocator) (*FIFO, error) {
	regs, err := mmio.Open(info, mapper, BaseOffset, Length)
	if err != nil {
		return nil, err
	}
	staging, err := alloc.AllocBlock(info.PageSize, 16)
	if err != nil {
		regs.Close()
		return nil, err
	}
	return &FIFO{
		Timeout: DefaultTimeout,
		Poll:    DefaultPoll,
		regs:    regs,
		alloc:   alloc,
		staging: staging,
		line:    info.CacheLineSize,
	}, nil
}

// wait polls cond at a constant interval until it holds or Timeout elapses
func (f *FIFO) wait(what string, cond func() bool) error {
	poll := f.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     poll,
		RandomizationFactor: 0,
		Multiplier:          1,
		MaxInterval:         poll,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock}
	err := backoff.Retry(func() error {
		if cond() {
			return nil
		}
		return errNotYet
	}, b)
	if err != nil {
		return fmt.Errorf("mailbox: waiting %v for %s: %w", timeout, what, bcm.ErrTimeout)
	}
	return nil
}

// Xfer stages msg, posts its bus address on the property channel and waits
// for the firmware to answer
func (f *FIFO) Xfer(msg []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	words := f.staging.Words()
	if len(msg) > len(words) {
		return fmt.Errorf("message of %d words exceeds the staging block: %w", len(msg), bcm.ErrConfig)
	}
	copy(words, msg)
	if !f.staging.Coherent {
		mmio.CleanCache(f.staging.Virt[:4*len(msg)], f.line)
	}

	status1 := f.regs.Reg(Mbox1Status)
	err := f.wait("space in the request FIFO", func() bool { return !status1.IsSet(StatusFull) })
	if err != nil {
		return err
	}
	f.regs.Reg(Mbox1FIFO).Write(f.staging.Bus | FieldChannel.Val(ChannelProperty))

	status0 := f.regs.Reg(Mbox0Status)
	fifo0 := f.regs.Reg(Mbox0FIFO)
	// one entry is drained per poll; replies on other channels are dropped
	err = f.wait("a response on the property channel", func() bool {
		if status0.IsSet(StatusEmpty) {
			return false
		}
		return FieldChannel.Get(fifo0.Read()) == ChannelProperty
	})
	if err != nil {
		return err
	}

	err = f.wait("the response status", func() bool {
		if !f.staging.Coherent {
			mmio.CleanCache(f.staging.Virt[:4*len(msg)], f.line)
		}
		return atomic.LoadUint32(&words[1])&respBit != 0
	})
	if err != nil {
		return err
	}
	copy(msg, words[:len(msg)])
	return nil
}

// Close frees the staging block and unmaps the registers
func (f *FIFO) Close() error {
	err := f.alloc.FreeBlock(&f.staging)
	if err2 := f.regs.Close(); err == nil {
		err = err2
	}
	return err
}
