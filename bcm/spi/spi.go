// Package spi drives SPI0, either byte at a time from the CPU or with the
// DMA controller feeding its FIFO.
package spi

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/gpio"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

// Register block layout
const (
	BaseOffset uint32 = 0x204000
	Length     uint32 = 0x18

	RegCS   uint32 = 0x00
	RegFIFO uint32 = 0x04
	RegCLK  uint32 = 0x08
	RegDLEN uint32 = 0x0C
	RegLTOH uint32 = 0x10
	RegDC   uint32 = 0x14
)

// CS bits
const (
	CsCPHA     uint32 = 1 << 2
	CsCPOL     uint32 = 1 << 3
	CsClearTX  uint32 = 1 << 4
	CsClearRX  uint32 = 1 << 5
	CsCSPOL    uint32 = 1 << 6
	CsTA       uint32 = 1 << 7
	CsDMAEN    uint32 = 1 << 8
	CsINTD     uint32 = 1 << 9
	CsINTR     uint32 = 1 << 10
	CsADCS     uint32 = 1 << 11
	CsREN      uint32 = 1 << 12
	CsLEN      uint32 = 1 << 13
	CsLMONO    uint32 = 1 << 14
	CsTEEN     uint32 = 1 << 15
	CsDone     uint32 = 1 << 16
	CsRXD      uint32 = 1 << 17
	CsTXD      uint32 = 1 << 18
	CsRXR      uint32 = 1 << 19
	CsRXF      uint32 = 1 << 20
	CsCSPOL0   uint32 = 1 << 21
	CsCSPOL1   uint32 = 1 << 22
	CsCSPOL2   uint32 = 1 << 23
	CsDMALen   uint32 = 1 << 24
	CsLenLong  uint32 = 1 << 25
	CsClearAll        = CsClearTX | CsClearRX
)

// Register fields
var (
	FieldCS = mmio.Field{Shift: 0, Width: 2}

	FieldTxReq   = mmio.Field{Shift: 0, Width: 8}
	FieldTxPanic = mmio.Field{Shift: 8, Width: 8}
	FieldRxReq   = mmio.Field{Shift: 16, Width: 8}
	FieldRxPanic = mmio.Field{Shift: 24, Width: 8}
)

// Header pins used by SPI0, all in ALT0
const (
	PinCE0  = 8
	PinCE1  = 7
	PinMISO = 9
	PinMOSI = 10
	PinSCLK = 11
)

// MaxDivider is the largest clock divider the driver programs
const MaxDivider = 32768

// SPI is the SPI0 master
type SPI struct {
	sync.Mutex

	// Timeout bounds each byte of a CPU driven transfer
	Timeout time.Duration

	regs *mmio.Window
	hz   float64
}

// Open maps SPI0, saves its CS register for Close, writes flags to CS and
// sets the clock as close to hz as the divider allows
func Open(info *addrspace.Info, mapper mmio.Mapper, hz float64, flags uint32) (*SPI, error) {
	regs, err := mmio.Open(info, mapper, BaseOffset, Length)
	if err != nil {
		return nil, err
	}
	regs.Snapshot(RegCS)
	s := &SPI{regs: regs, Timeout: 10 * time.Millisecond}
	regs.Reg(RegCS).Write(flags)
	if _, err = s.SetClock(hz); err != nil {
		regs.Close()
		return nil, err
	}
	return s, nil
}

// ConfigurePins puts the SPI0 pins in ALT0
func ConfigurePins(g *gpio.GPIO) error {
	return g.SetModes(gpio.Alt0, PinCE0, PinCE1, PinMISO, PinMOSI, PinSCLK)
}

// Divider returns the core clock divider for hz
func Divider(hz float64) (uint32, error) {
	if hz <= 0 {
		return 0, fmt.Errorf("spi clock of %g Hz: %w", hz, bcm.ErrConfig)
	}
	div := math.Floor(bcm.CoreHz / hz)
	if div < 1 || div > MaxDivider {
		return 0, fmt.Errorf("spi clock of %g Hz needs divider %g outside [1, %d]: %w", hz, div, MaxDivider, bcm.ErrConfig)
	}
	return uint32(div), nil
}

// SetClock sets the SCLK rate and returns the realized rate
func (s *SPI) SetClock(hz float64) (float64, error) {
	div, err := Divider(hz)
	if err != nil {
		return 0, err
	}
	s.Lock()
	defer s.Unlock()
	s.regs.Reg(RegCLK).Write(div)
	s.hz = bcm.CoreHz / float64(div)
	return s.hz, nil
}

// ClockHz returns the realized SCLK rate
func (s *SPI) ClockHz() float64 {
	s.Lock()
	defer s.Unlock()
	return s.hz
}

func (s *SPI) waitFor(cs mmio.Register, mask uint32) error {
	deadline := time.Now().Add(s.Timeout)
	for !cs.IsSet(mask) {
		if time.Now().After(deadline) {
			return fmt.Errorf("spi status %#x never showed %#x: %w", cs.Read(), mask, bcm.ErrTimeout)
		}
	}
	return nil
}

// Xfer clocks tx out byte by byte and returns the bytes clocked in
func (s *SPI) Xfer(tx []byte) ([]byte, error) {
	s.Lock()
	defer s.Unlock()
	cs := s.regs.Reg(RegCS)
	fifo := s.regs.Reg(RegFIFO)
	cs.Set(CsClearAll | CsTA)
	defer cs.Clear(CsTA)
	rx := make([]byte, len(tx))
	for i, b := range tx {
		if err := s.waitFor(cs, CsTXD); err != nil {
			return nil, err
		}
		fifo.Write(uint32(b))
		if err := s.waitFor(cs, CsRXD); err != nil {
			return nil, err
		}
		rx[i] = byte(fifo.Read())
	}
	if err := s.waitFor(cs, CsDone); err != nil {
		return nil, err
	}
	return rx, nil
}

// StartDMA sets the DREQ and panic thresholds of both FIFOs, clears them and
// hands the FIFO to the DMA controller.  The first word DMA'd to the FIFO
// carries the transfer length and the low CS bits, including TA.
func (s *SPI) StartDMA(txReq, txPanic, rxReq, rxPanic uint32) {
	s.Lock()
	defer s.Unlock()
	s.regs.Reg(RegDC).Write(FieldTxReq.Val(txReq) | FieldTxPanic.Val(txPanic) |
		FieldRxReq.Val(rxReq) | FieldRxPanic.Val(rxPanic))
	s.regs.Reg(RegCS).Set(CsClearAll | CsDMAEN)
	s.regs.Reg(RegDLEN).Write(0)
}

// StopDMA ends a DMA driven transfer
func (s *SPI) StopDMA() {
	s.Lock()
	defer s.Unlock()
	s.regs.Reg(RegCS).Clear(CsTA | CsDMAEN)
}

// FIFOBus returns the bus address of the FIFO, the DMA source and
// destination for SPI
func (s *SPI) FIFOBus() uint32 {
	return s.regs.BusAddr(RegFIFO)
}

// Close restores CS and unmaps the block
func (s *SPI) Close() error {
	s.Lock()
	defer s.Unlock()
	return s.regs.Close()
}
