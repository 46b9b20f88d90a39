// Package gpio sets pin functions and levels through the BCM2835 GPIO
// registers.  The mode and output registers are snapshotted when the block
// is opened and written back on Close.
package gpio

import (
	"fmt"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

// Register block layout
const (
	BaseOffset uint32 = 0x200000
	Length     uint32 = 0xF4

	RegMode uint32 = 0x00
	RegSet  uint32 = 0x1C
	RegClr  uint32 = 0x28
	RegLvl  uint32 = 0x34

	// Pins is the number of pins on the first bank
	Pins = 54
)

// Mode is a pin function select value
type Mode uint32

// Pin functions.  The alternate function codes are not in order.
const (
	In   Mode = 0
	Out  Mode = 1
	Alt0 Mode = 4
	Alt1 Mode = 5
	Alt2 Mode = 6
	Alt3 Mode = 7
	Alt4 Mode = 3
	Alt5 Mode = 2
)

// GPIO is the pin controller
type GPIO struct {
	regs *mmio.Window
}

// Open maps the GPIO block and snapshots its mode and output registers
func Open(info *addrspace.Info, mapper mmio.Mapper) (*GPIO, error) {
	regs, err := mmio.Open(info, mapper, BaseOffset, Length)
	if err != nil {
		return nil, err
	}
	var ofs []uint32
	for i := uint32(0); i < 6; i++ {
		ofs = append(ofs, RegMode+4*i)
	}
	for i := uint32(0); i < 2; i++ {
		ofs = append(ofs, RegSet+4*i, RegClr+4*i)
	}
	regs.Snapshot(ofs...)
	return &GPIO{regs: regs}, nil
}

func check(pin int) error {
	if pin < 0 || pin >= Pins {
		return fmt.Errorf("gpio pin %d: %w", pin, bcm.ErrConfig)
	}
	return nil
}

func modeField(pin int) mmio.Field {
	return mmio.Field{Shift: uint(pin%10) * 3, Width: 3}
}

// SetMode selects the function of pin
func (g *GPIO) SetMode(pin int, m Mode) error {
	if err := check(pin); err != nil {
		return err
	}
	g.regs.Lock()
	defer g.regs.Unlock()
	g.regs.Reg(RegMode+4*uint32(pin/10)).Put(modeField(pin), uint32(m))
	return nil
}

// SetModes selects the same function for several pins
func (g *GPIO) SetModes(m Mode, pins ...int) error {
	for _, p := range pins {
		if err := g.SetMode(p, m); err != nil {
			return err
		}
	}
	return nil
}

// GetMode returns the function of pin
func (g *GPIO) GetMode(pin int) (Mode, error) {
	if err := check(pin); err != nil {
		return In, err
	}
	return Mode(g.regs.Reg(RegMode + 4*uint32(pin/10)).Get(modeField(pin))), nil
}

// Set drives pin high
func (g *GPIO) Set(pin int) error {
	if err := check(pin); err != nil {
		return err
	}
	g.regs.Reg(RegSet + 4*uint32(pin/32)).Write(1 << uint(pin%32))
	return nil
}

// Clear drives pin low
func (g *GPIO) Clear(pin int) error {
	if err := check(pin); err != nil {
		return err
	}
	g.regs.Reg(RegClr + 4*uint32(pin/32)).Write(1 << uint(pin%32))
	return nil
}

// Level reads pin
func (g *GPIO) Level(pin int) (bool, error) {
	if err := check(pin); err != nil {
		return false, err
	}
	return g.regs.Reg(RegLvl + 4*uint32(pin/32)).IsSet(1 << uint(pin%32)), nil
}

// Close restores the snapshotted registers and unmaps the block
func (g *GPIO) Close() error {
	return g.regs.Close()
}
