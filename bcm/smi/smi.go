// Package smi drives the secondary memory interface as a parallel input
// port, and picks its bus timing for a requested sample rate.
package smi

import (
	"fmt"
	"math"
	"sync"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/clock"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

// Register block layout
const (
	BaseOffset uint32 = 0x600000
	Length     uint32 = 0x100

	RegCS         uint32 = 0x00
	RegLen        uint32 = 0x04
	RegAddr       uint32 = 0x08
	RegData       uint32 = 0x0C
	RegDMACtl     uint32 = 0x30
	RegDirectCS   uint32 = 0x34
	RegDirectAddr uint32 = 0x38
	RegDirectData uint32 = 0x3C
	RegFIFODebug  uint32 = 0x40

	// Devices is the number of read/write configuration pairs
	Devices = 4
)

// ReadCfg returns the offset of the read configuration of device i
func ReadCfg(i int) uint32 { return 0x10 + 8*uint32(i) }

// WriteCfg returns the offset of the write configuration of device i
func WriteCfg(i int) uint32 { return 0x14 + 8*uint32(i) }

// CS bits
const (
	CsEnable uint32 = 1 << 0
	CsDone   uint32 = 1 << 1
	CsActive uint32 = 1 << 2
	CsStart  uint32 = 1 << 3
	CsClear  uint32 = 1 << 4
	CsWrite  uint32 = 1 << 5
	CsTEEN   uint32 = 1 << 8
	CsINTD   uint32 = 1 << 9
	CsINTT   uint32 = 1 << 10
	CsINTR   uint32 = 1 << 11
	CsPVMode uint32 = 1 << 12
	CsSetErr uint32 = 1 << 13
	CsPxlDat uint32 = 1 << 14
	CsEDReq  uint32 = 1 << 15
	CsAFErr  uint32 = 1 << 25
	CsTXW    uint32 = 1 << 26
	CsRXR    uint32 = 1 << 27
	CsTXD    uint32 = 1 << 28
	CsRXD    uint32 = 1 << 29
	CsTXE    uint32 = 1 << 30
	CsRXF    uint32 = 1 << 31
)

// ADDR fields
var (
	FieldAddr   = mmio.Field{Shift: 0, Width: 6}
	FieldDevice = mmio.Field{Shift: 8, Width: 2}
)

// DMA_CTL fields
var (
	FieldReqW   = mmio.Field{Shift: 0, Width: 6}
	FieldReqR   = mmio.Field{Shift: 6, Width: 6}
	FieldPanicW = mmio.Field{Shift: 12, Width: 6}
	FieldPanicR = mmio.Field{Shift: 18, Width: 6}
)

// DMA_CTL bits
const (
	DMACtlDMAP   uint32 = 1 << 24
	DMACtlEnable uint32 = 1 << 28
)

// Read and write configuration fields.  The two layouts differ only in
// bits 22 and 23.
var (
	FieldStrobe  = mmio.Field{Shift: 0, Width: 7}
	FieldPace    = mmio.Field{Shift: 8, Width: 7}
	FieldHold    = mmio.Field{Shift: 16, Width: 6}
	FieldSetup   = mmio.Field{Shift: 24, Width: 6}
	FieldWidth   = mmio.Field{Shift: 30, Width: 2}
	FieldDReq    = mmio.Field{Shift: 7, Width: 1}
	FieldPaceAll = mmio.Field{Shift: 15, Width: 1}
)

// Configuration bits
const (
	ReadFSetup uint32 = 1 << 22
	ReadMode68 uint32 = 1 << 23
	WriteSwap  uint32 = 1 << 22
	WriteFmt   uint32 = 1 << 23
)

// Direct mode CS bits
const (
	DirectEnable uint32 = 1 << 0
	DirectStart  uint32 = 1 << 1
	DirectDone   uint32 = 1 << 2
	DirectWrite  uint32 = 1 << 3
)

// FIFO debug fields
var (
	FieldFIFOCount = mmio.Field{Shift: 0, Width: 6}
	FieldFIFOLevel = mmio.Field{Shift: 8, Width: 6}
)

// Width is a bus width code
type Width uint32

// Bus widths.  The codes are not in order of width.
const (
	Width8  Width = 0
	Width16 Width = 1
	Width18 Width = 2
	Width9  Width = 3
)

// Bytes returns the number of bytes one transfer of w occupies in memory
func (w Width) Bytes() int {
	if w == Width8 {
		return 1
	}
	if w == Width9 || w == Width16 {
		return 2
	}
	return 4
}

// Tolerance is the largest relative rate error Calibrate accepts
const Tolerance = 0.1

// Timing is one SMI read cycle: setup, strobe and hold counts of a clock
// whose period is PeriodNS
type Timing struct {
	PeriodNS uint32
	Setup    uint32
	Strobe   uint32
	Hold     uint32

	// ClockHz is the clock frequency the divider actually produces
	ClockHz float64

	// RateHz is the sample rate the realized clock produces
	RateHz float64
}

// Cycles returns the clock cycles per sample
func (t Timing) Cycles() uint32 {
	return t.Setup + t.Strobe + t.Hold
}

type score struct {
	period, duty, balance float64
}

func (a score) less(b score) bool {
	if a.period != b.period {
		return a.period < b.period
	}
	if a.duty != b.duty {
		return a.duty < b.duty
	}
	return a.balance < b.balance
}

func (a score) zero() bool {
	return a.period == 0 && a.duty == 0 && a.balance == 0
}

// Calibrate finds the clock period and setup, strobe and hold counts whose
// cycle comes closest to 1/rateHz, preferring a strobe of half the cycle and
// equal setup and hold.  Periods are tried from 30 ns down in 2 ns steps.
// The clock is then realized from src through table; ErrRange is returned
// when either the ideal or the realized rate is more than Tolerance from
// rateHz.
func Calibrate(rateHz float64, src clock.Source, table clock.Table) (Timing, error) {
	if rateHz <= 0 {
		return Timing{}, fmt.Errorf("smi rate %g Hz: %w", rateHz, bcm.ErrConfig)
	}
	srcHz, ok := table[src]
	if !ok {
		return Timing{}, fmt.Errorf("clock source %v has no known frequency: %w", src, bcm.ErrConfig)
	}
	target := 1e9 / rateHz
	var best Timing
	top := score{math.Inf(1), math.Inf(1), math.Inf(1)}
search:
	for p := uint32(30); p >= 2; p -= 2 {
		for s := uint32(1); s < 64; s++ {
			for t := uint32(1); t < 64; t++ {
				for h := uint32(1); h < 64; h++ {
					sum := float64(s + t + h)
					sc := score{
						period:  math.Abs(float64(p)*sum - target),
						duty:    math.Abs(float64(t)/sum - 0.5),
						balance: math.Abs(float64(s) - float64(h)),
					}
					if sc.less(top) {
						top = sc
						best = Timing{PeriodNS: p, Setup: s, Strobe: t, Hold: h}
					}
					if sc.zero() {
						break search
					}
				}
			}
		}
	}
	ideal := 1e9 / (float64(best.PeriodNS) * float64(best.Cycles()))
	if off(ideal, rateHz) > Tolerance {
		return best, fmt.Errorf("smi rate %g Hz, best timing gives %g Hz: %w", rateHz, ideal, bcm.ErrRange)
	}
	_, hz, err := clock.Realize(srcHz, 1e9/float64(best.PeriodNS))
	if err != nil {
		return best, err
	}
	best.ClockHz = hz
	best.RateHz = hz / float64(best.Cycles())
	if off(best.RateHz, rateHz) > Tolerance {
		return best, fmt.Errorf("smi rate %g Hz, %v clock gives %g Hz: %w", rateHz, src, best.RateHz, bcm.ErrRange)
	}
	return best, nil
}

func off(got, want float64) float64 {
	return math.Abs(got-want) / want
}

// SMI is the secondary memory interface, read by DMA from its DATA register
type SMI struct {
	sync.Mutex

	regs   *mmio.Window
	clk    *clock.Manager
	timing Timing
}

// Open maps the SMI block.  The SMI clock is started by SetupTiming.
func Open(info *addrspace.Info, mapper mmio.Mapper, clk *clock.Manager) (*SMI, error) {
	regs, err := mmio.Open(info, mapper, BaseOffset, Length)
	if err != nil {
		return nil, err
	}
	return &SMI{regs: regs, clk: clk}, nil
}

// SetupTiming calibrates for rateHz, starts the SMI clock from src and writes
// the timing into the read configuration of device 0
func (s *SMI) SetupTiming(rateHz float64, src clock.Source) (Timing, error) {
	t, err := Calibrate(rateHz, src, s.clk.Table)
	if err != nil {
		return t, err
	}
	s.Lock()
	defer s.Unlock()
	s.regs.Reg(RegCS).Write(0)
	hz, err := s.clk.Start(clock.SMI, src, 1e9/float64(t.PeriodNS))
	if err != nil {
		return t, err
	}
	t.ClockHz = hz
	t.RateHz = hz / float64(t.Cycles())
	cfg := s.regs.Reg(ReadCfg(0))
	v := cfg.Read()
	v = FieldSetup.Put(v, t.Setup)
	v = FieldStrobe.Put(v, t.Strobe)
	v = FieldHold.Put(v, t.Hold)
	v = FieldPace.Put(v, 0)
	cfg.Write(v)
	s.timing = t
	return t, nil
}

// Timing returns the timing last written by SetupTiming
func (s *SMI) Timing() Timing {
	s.Lock()
	defer s.Unlock()
	return s.timing
}

// SetupDevice sets the bus width of device 0, selects dev as the address
// to read and, with useDMA, has the FIFO raise DMA requests
func (s *SMI) SetupDevice(w Width, dev uint32, useDMA bool) {
	s.Lock()
	defer s.Unlock()
	cfg := s.regs.Reg(ReadCfg(0))
	v := FieldWidth.Put(cfg.Read(), uint32(w))
	var dreq uint32
	if useDMA {
		dreq = 1
	}
	v = FieldDReq.Put(v, dreq)
	cfg.Write(v)
	s.regs.Reg(RegAddr).Put(FieldDevice, dev)
	ctl := FieldReqW.Val(2) | FieldReqR.Val(2) | FieldPanicW.Val(8) | FieldPanicR.Val(8)
	if useDMA {
		ctl |= DMACtlEnable
	}
	s.regs.Reg(RegDMACtl).Write(ctl)
}

// StartXfer begins a read of n transfers.  With packed, consecutive narrow
// transfers are packed into 32-bit FIFO words.
func (s *SMI) StartXfer(n uint32, packed bool) {
	s.Lock()
	defer s.Unlock()
	s.regs.Reg(RegLen).Write(n)
	cs := CsEnable | CsClear
	if packed {
		cs |= CsPxlDat
	}
	s.regs.Reg(RegCS).Write(cs)
	s.regs.Reg(RegCS).Set(CsStart)
}

// StopXfer disables the interface and clears its FIFO
func (s *SMI) StopXfer() {
	s.Lock()
	defer s.Unlock()
	cs := s.regs.Reg(RegCS)
	cs.Write(cs.Read()&^CsEnable | CsClear)
}

// DataBus returns the bus address of the DATA register, the DMA source for
// a capture
func (s *SMI) DataBus() uint32 {
	return s.regs.BusAddr(RegData)
}

// Close disables the interface and unmaps it.  The clock generator is left
// to its Manager.
func (s *SMI) Close() error {
	s.Lock()
	defer s.Unlock()
	if s.regs.Len() > 0 {
		s.regs.Reg(RegCS).Write(0)
	}
	return s.regs.Close()
}
