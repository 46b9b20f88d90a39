package gpio_test

import (
	"testing"

	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/gpio"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

var info = &addrspace.Info{
	BusMMIOBase:  0x7E000000,
	PhysMMIOBase: 0x3F000000,
	MMIOSize:     0x01000000,
	BusAlias:     0xC0000000,
	PageSize:     4096,
}

func TestSetModePacksThreeBitsPerPin(t *testing.T) {
	sim := mmio.NewSim()
	g, err := gpio.Open(info, sim)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	if err := g.SetModes(gpio.Alt0, 7, 8, 9, 10, 11); err != nil {
		t.Fatal(err)
	}
	sel0, _ := sim.Reg(info.MMIOPhys(gpio.BaseOffset))
	sel1, _ := sim.Reg(info.MMIOPhys(gpio.BaseOffset + 4))
	if got := sel0.Read(); got != 4<<21|4<<24|4<<27 {
		t.Errorf("expected GPFSEL0 %#x got %#x", 4<<21|4<<24|4<<27, got)
	}
	if got := sel1.Read(); got != 4<<0|4<<3 {
		t.Errorf("expected GPFSEL1 %#x got %#x", 4<<0|4<<3, got)
	}
	m, _ := g.GetMode(9)
	if m != gpio.Alt0 {
		t.Errorf("expected pin 9 in ALT0, got %d", m)
	}
}

func TestModesRestoredOnClose(t *testing.T) {
	sim := mmio.NewSim()
	sel0, _ := sim.Map(info.MMIOPhys(gpio.BaseOffset), int(gpio.Length))
	sel0[0] = 0x01 // pin 0 output
	sim.Unmap(sel0)

	g, err := gpio.Open(info, sim)
	if err != nil {
		t.Fatal(err)
	}
	g.SetMode(0, gpio.Alt1)
	g.Close()
	reg, _ := sim.Reg(info.MMIOPhys(gpio.BaseOffset))
	if got := reg.Read(); got != 1 {
		t.Errorf("expected GPFSEL0 restored to 1, got %#x", got)
	}
}

func TestSetClearUseBanks(t *testing.T) {
	sim := mmio.NewSim()
	g, err := gpio.Open(info, sim)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	g.Set(33)
	set1, _ := sim.Reg(info.MMIOPhys(gpio.BaseOffset + gpio.RegSet + 4))
	if got := set1.Read(); got != 1<<1 {
		t.Errorf("expected GPSET1 bit 1, got %#x", got)
	}
	g.Clear(4)
	clr0, _ := sim.Reg(info.MMIOPhys(gpio.BaseOffset + gpio.RegClr))
	if got := clr0.Read(); got != 1<<4 {
		t.Errorf("expected GPCLR0 bit 4, got %#x", got)
	}
	if err := g.SetMode(54, gpio.Out); err == nil {
		t.Error("expected an error for pin 54")
	}
}
