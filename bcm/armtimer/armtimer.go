// Package armtimer reads the free running counter of the ARM timer, which
// ticks at the core clock.
package armtimer

import (
	"time"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

const (
	BaseOffset uint32 = 0xB000
	Length     uint32 = 0x428

	RegLoad    uint32 = 0x400
	RegValue   uint32 = 0x404
	RegCTL     uint32 = 0x408
	RegReload  uint32 = 0x418
	RegPreDiv  uint32 = 0x41C
	RegFreeCtr uint32 = 0x420

	// ResetBits is the power on value of CTL
	ResetBits uint32 = 0x3E0020

	CtlFreeRun uint32 = 1 << 9

	// Hz is the free counter rate with a zero prescale
	Hz = bcm.CoreHz
)

var FieldPrescale = mmio.Field{Shift: 16, Width: 8}

// Timer is the ARM timer block
type Timer struct {
	regs *mmio.Window
}

// Open maps the timer
func Open(info *addrspace.Info, mapper mmio.Mapper) (*Timer, error) {
	regs, err := mmio.Open(info, mapper, BaseOffset, Length)
	if err != nil {
		return nil, err
	}
	return &Timer{regs: regs}, nil
}

// Start resets the timer and lets the free counter run undivided
func (t *Timer) Start() {
	ctl := t.regs.Reg(RegCTL)
	ctl.Write(ResetBits)
	time.Sleep(100 * time.Microsecond)
	ctl.Write(CtlFreeRun | FieldPrescale.Val(0))
}

// Stop puts the timer back to its reset state
func (t *Timer) Stop() {
	t.regs.Reg(RegCTL).Write(ResetBits)
}

// Count reads the free running counter
func (t *Timer) Count() uint32 {
	return t.regs.Reg(RegFreeCtr).Read()
}

// Seconds converts a count difference to seconds
func Seconds(ticks uint32) float64 {
	return float64(ticks) / Hz
}

// Close stops the timer and unmaps it
func (t *Timer) Close() error {
	if t.regs.Len() > 0 {
		t.Stop()
	}
	return t.regs.Close()
}
