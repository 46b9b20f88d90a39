// Package pwm drives channel 1 of the BCM2835 PWM block in mark/space mode.
package pwm

import (
	"fmt"
	"sync"
	"time"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/clock"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

// Register block layout
const (
	BaseOffset uint32 = 0x20C000
	Length     uint32 = 0x28

	RegCTL  uint32 = 0x00
	RegSTA  uint32 = 0x04
	RegDMAC uint32 = 0x08
	RegRNG1 uint32 = 0x10
	RegDAT1 uint32 = 0x14
	RegFIF1 uint32 = 0x18
)

// CTL bits.  Channel 2 repeats the layout eight bits up, without a clear
// FIFO bit.
const (
	CtlPWEN1 uint32 = 1 << 0
	CtlMODE1 uint32 = 1 << 1
	CtlRPTL1 uint32 = 1 << 2
	CtlSBIT1 uint32 = 1 << 3
	CtlPOLA1 uint32 = 1 << 4
	CtlUSEF1 uint32 = 1 << 5
	CtlCLRF1 uint32 = 1 << 6
	CtlMSEN1 uint32 = 1 << 7
	CtlPWEN2 uint32 = 1 << 8
	CtlMSEN2 uint32 = 1 << 15
)

// DMAC fields
var (
	FieldDReq  = mmio.Field{Shift: 0, Width: 8}
	FieldPanic = mmio.Field{Shift: 8, Width: 8}
)

// DMACEnable turns on DMA requests
const DMACEnable uint32 = 1 << 31

// PWM is channel 1 of the PWM block, clocked from PLLD at half rate
type PWM struct {
	sync.Mutex

	// UseFIFO feeds the output from the FIFO, for DMA driven waveforms
	UseFIFO bool

	// Settle is the pause after each register write
	Settle time.Duration

	regs  *mmio.Window
	clk   *clock.Manager
	clkHz float64
}

// Open maps the PWM block.  The clock generator is started by Setup.
func Open(info *addrspace.Info, mapper mmio.Mapper, clk *clock.Manager) (*PWM, error) {
	regs, err := mmio.Open(info, mapper, BaseOffset, Length)
	if err != nil {
		return nil, err
	}
	return &PWM{regs: regs, clk: clk, Settle: 10 * time.Millisecond}, nil
}

func (p *PWM) write(ofs, v uint32) {
	p.regs.Reg(ofs).Write(v)
	if p.Settle > 0 {
		time.Sleep(p.Settle)
	}
}

// Setup stops the output, starts the PWM clock and programs a waveform of
// freq Hz high for duty of each period.  It returns the realized frequency.
func (p *PWM) Setup(duty, freq float64) (float64, error) {
	if duty < 0 || duty > 1 || freq <= 0 {
		return 0, fmt.Errorf("pwm duty %g at %g Hz: %w", duty, freq, bcm.ErrConfig)
	}
	p.Lock()
	defer p.Unlock()
	p.write(RegCTL, 0)
	hz, err := p.clk.Start(clock.PWM, clock.PLLD, bcm.PLLDHz/2)
	if err != nil {
		return 0, err
	}
	rng := uint32(hz / freq)
	if rng < 1 {
		return 0, fmt.Errorf("pwm at %g Hz exceeds the %g Hz clock: %w", freq, hz, bcm.ErrRange)
	}
	p.clkHz = hz
	p.write(RegSTA, ^uint32(0))
	p.write(RegDAT1, uint32(duty*hz/freq))
	p.write(RegRNG1, rng)
	return hz / float64(rng), nil
}

// Start resets the block and enables channel 1 in mark/space mode
func (p *PWM) Start() {
	p.Lock()
	defer p.Unlock()
	p.write(RegCTL, 0)
	p.write(RegSTA, ^uint32(0))
	ctl := CtlPWEN1 | CtlMSEN1
	if p.UseFIFO {
		ctl |= CtlUSEF1
	}
	p.write(RegCTL, ctl)
}

// Stop disables both channels
func (p *PWM) Stop() {
	p.Lock()
	defer p.Unlock()
	p.write(RegCTL, 0)
}

// EnableDMA requests DMA when the FIFO holds fewer than dreq words and
// raises the panic signal below panicLevel
func (p *PWM) EnableDMA(dreq, panicLevel uint32) {
	p.Lock()
	defer p.Unlock()
	p.write(RegDMAC, FieldDReq.Val(dreq)|FieldPanic.Val(panicLevel)|DMACEnable)
}

// DisableDMA stops DMA requests
func (p *PWM) DisableDMA() {
	p.Lock()
	defer p.Unlock()
	p.write(RegDMAC, 0)
}

// FIFOBus returns the bus address of the channel 1 FIFO, a DMA destination
func (p *PWM) FIFOBus() uint32 {
	return p.regs.BusAddr(RegFIF1)
}

// ClockHz returns the PWM clock frequency after Setup
func (p *PWM) ClockHz() float64 {
	p.Lock()
	defer p.Unlock()
	return p.clkHz
}

// Close disables the output and unmaps the block.  The clock generator is
// left to its Manager.
func (p *PWM) Close() error {
	p.Lock()
	defer p.Unlock()
	if p.regs.Len() > 0 {
		p.regs.Reg(RegCTL).Write(0)
	}
	return p.regs.Close()
}
