// Package clock programs the general purpose clock generators of the
// BCM2835 clock manager, which drive the PWM and SMI peripherals.
package clock

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

// Register block layout
const (
	BaseOffset uint32 = 0x101000
	Length     uint32 = 0xB8

	// Passwd must be in the top byte of every write
	Passwd uint32 = 0x5A << 24
)

// ID names one clock generator; its registers sit at 8*ID
type ID uint32

// Clock generators
const (
	GP0 ID = 14
	GP1 ID = 15
	GP2 ID = 16
	PWM ID = 20
	SMI ID = 22
)

// All lists every clock generator the package knows about
var All = []ID{GP0, GP1, GP2, PWM, SMI}

// CtlOffset returns the offset of the control register of id
func CtlOffset(id ID) uint32 { return uint32(id) * 8 }

// DivOffset returns the offset of the divider register of id
func DivOffset(id ID) uint32 { return uint32(id)*8 + 4 }

// Source selects the oscillator feeding a clock generator
type Source uint32

// Clock sources
const (
	GND Source = iota
	OSC
	TestDebug0
	TestDebug1
	PLLA
	PLLC
	PLLD
	HDMI
)

func (s Source) String() string {
	switch s {
	case GND:
		return "GND"
	case OSC:
		return "OSC"
	case TestDebug0:
		return "TDBG0"
	case TestDebug1:
		return "TDBG1"
	case PLLA:
		return "PLLA"
	case PLLC:
		return "PLLC"
	case PLLD:
		return "PLLD"
	case HDMI:
		return "HDMI"
	}
	return fmt.Sprintf("Source(%d)", uint32(s))
}

// ParseSource converts a source name such as "PLLD" to a Source
func ParseSource(name string) (Source, error) {
	for s := GND; s <= HDMI; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return GND, fmt.Errorf("unknown clock source %q: %w", name, bcm.ErrConfig)
}

// Control register fields
var (
	FieldSrc  = mmio.Field{Shift: 0, Width: 4}
	FieldMash = mmio.Field{Shift: 9, Width: 2}

	FieldDivF = mmio.Field{Shift: 0, Width: 12}
	FieldDivI = mmio.Field{Shift: 12, Width: 12}
)

// Control register bits
const (
	CtlEnable uint32 = 1 << 4
	CtlKill   uint32 = 1 << 5
	CtlBusy   uint32 = 1 << 7
	CtlFlip   uint32 = 1 << 8
)

// Table gives the frequency in Hz of each usable source
type Table map[Source]float64

// DefaultTable holds the fixed-frequency sources of the BCM2710 and RP3A0
var DefaultTable = Table{
	OSC:  bcm.OscHz,
	PLLD: bcm.PLLDHz,
}

// Divider is one setting of a clock divider
type Divider struct {
	Int  uint32
	Frac uint32
	Mash uint32
}

// Realize finds the divider that brings srcHz closest to targetHz and returns
// it with the frequency it actually produces.  The integer part is clamped to
// the hardware's range, so the realized frequency may be far from the target;
// callers check the tolerance they need.
func Realize(srcHz, targetHz float64) (Divider, float64, error) {
	if srcHz <= 0 || targetHz <= 0 {
		return Divider{}, 0, fmt.Errorf("clock of %g Hz from a %g Hz source: %w", targetHz, srcHz, bcm.ErrConfig)
	}
	div := srcHz / targetHz
	divi := math.Floor(div)
	divf := math.Round((div - divi) * 4096)
	if divf >= 4096 {
		divi++
		divf = 0
	}
	d := Divider{Int: uint32(divi), Frac: uint32(divf)}
	if d.Frac != 0 {
		d.Mash = 1
	}
	// MASH 1 needs an integer part of at least 2
	lowest := uint32(1) + d.Mash
	switch {
	case divi < float64(lowest):
		d = Divider{Int: 1}
	case divi > 4095:
		d = Divider{Int: 4095}
	}
	return d, srcHz / (float64(d.Int) + float64(d.Frac)/4096), nil
}

// Manager owns the clock manager registers
type Manager struct {
	sync.Mutex

	// Table gives the source frequencies used by Start
	Table Table

	// Settle is the pause after each control write, giving the generator
	// time to react
	Settle time.Duration

	// Timeout bounds the wait for a killed generator to go idle
	Timeout time.Duration

	regs    *mmio.Window
	started map[ID]bool
	closed  bool
}

// Open maps the clock manager with DefaultTable
func Open(info *addrspace.Info, mapper mmio.Mapper) (*Manager, error) {
	regs, err := mmio.Open(info, mapper, BaseOffset, Length)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Table:   DefaultTable,
		Settle:  10 * time.Millisecond,
		Timeout: 100 * time.Millisecond,
		regs:    regs,
		started: make(map[ID]bool),
	}, nil
}

func (m *Manager) write(r mmio.Register, v uint32) {
	r.Write(Passwd | v)
	if m.Settle > 0 {
		time.Sleep(m.Settle)
	}
}

func (m *Manager) kill(id ID) error {
	ctl := m.regs.Reg(CtlOffset(id))
	m.write(ctl, CtlKill)
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          1,
		MaxInterval:         time.Millisecond,
		MaxElapsedTime:      m.Timeout,
		Clock:               backoff.SystemClock}
	err := backoff.Retry(func() error {
		if ctl.IsSet(CtlBusy) {
			return bcm.ErrTimeout
		}
		return nil
	}, b)
	if err != nil {
		return fmt.Errorf("clock %d stayed busy after kill: %w", id, bcm.ErrTimeout)
	}
	return nil
}

// Start runs generator id from src as close to targetHz as the divider allows
// and returns the realized frequency
func (m *Manager) Start(id ID, src Source, targetHz float64) (float64, error) {
	m.Lock()
	defer m.Unlock()
	srcHz, ok := m.Table[src]
	if !ok {
		return 0, fmt.Errorf("clock source %v has no known frequency: %w", src, bcm.ErrConfig)
	}
	d, hz, err := Realize(srcHz, targetHz)
	if err != nil {
		return 0, err
	}
	if err = m.kill(id); err != nil {
		return 0, err
	}
	ctl := m.regs.Reg(CtlOffset(id))
	m.write(m.regs.Reg(DivOffset(id)), FieldDivI.Val(d.Int)|FieldDivF.Val(d.Frac))
	cfg := FieldSrc.Val(uint32(src)) | FieldMash.Val(d.Mash)
	m.write(ctl, cfg)
	m.write(ctl, cfg|CtlEnable)
	m.started[id] = true
	return hz, nil
}

// Stop kills generator id
func (m *Manager) Stop(id ID) error {
	m.Lock()
	defer m.Unlock()
	delete(m.started, id)
	return m.kill(id)
}

// Close kills the PWM and SMI generators and any other started by this
// Manager, then unmaps the registers
func (m *Manager) Close() error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.started[PWM] = true
	m.started[SMI] = true
	var first error
	for _, id := range All {
		if !m.started[id] {
			continue
		}
		if err := m.kill(id); err != nil && first == nil {
			first = err
		}
	}
	m.started = map[ID]bool{}
	if err := m.regs.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
