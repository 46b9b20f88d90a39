package clock_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/clock"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

var info = &addrspace.Info{
	BusMMIOBase:  0x7E000000,
	PhysMMIOBase: 0x3F000000,
	MMIOSize:     0x01000000,
	BusAlias:     0xC0000000,
	PageSize:     4096,
}

func ExampleRealize() {
	d, hz, _ := clock.Realize(500e6, 100e6)
	fmt.Println(d.Int, d.Frac, d.Mash, hz)
	// Output: 5 0 0 1e+08
}

func TestRealizeFractional(t *testing.T) {
	d, hz, err := clock.Realize(500e6, 3e6)
	if err != nil {
		t.Fatal(err)
	}
	if d.Int != 166 || d.Mash != 1 {
		t.Errorf("expected divi 166 with MASH 1, got %+v", d)
	}
	if diff := hz - 3e6; diff > 100 || diff < -100 {
		t.Errorf("expected about 3 MHz, got %v", hz)
	}
}

func TestRealizeClamps(t *testing.T) {
	_, hz, err := clock.Realize(19.2e6, 100e6)
	if err != nil {
		t.Fatal(err)
	}
	if hz != 19.2e6 {
		t.Errorf("expected the source frequency when asked for more, got %v", hz)
	}
	d, _, _ := clock.Realize(19.2e6, 1)
	if d.Int != 4095 {
		t.Errorf("expected the largest divider, got %d", d.Int)
	}
	if _, _, err := clock.Realize(0, 1); !errors.Is(err, bcm.ErrConfig) {
		t.Errorf("expected ErrConfig for a dead source, got %v", err)
	}
}

func TestStartProgramsRegisters(t *testing.T) {
	sim := mmio.NewSim()
	m, err := clock.Open(info, sim)
	if err != nil {
		t.Fatal(err)
	}
	m.Settle = 0
	hz, err := m.Start(clock.SMI, clock.PLLD, 125e6)
	if err != nil {
		t.Fatal(err)
	}
	if hz != 125e6 {
		t.Errorf("expected 125 MHz, got %v", hz)
	}
	ctl, _ := sim.Reg(info.MMIOPhys(clock.BaseOffset + clock.CtlOffset(clock.SMI)))
	div, _ := sim.Reg(info.MMIOPhys(clock.BaseOffset + clock.DivOffset(clock.SMI)))
	if got := ctl.Read(); got != clock.Passwd|clock.CtlEnable|uint32(clock.PLLD) {
		t.Errorf("expected CTL %#x got %#x", clock.Passwd|clock.CtlEnable|uint32(clock.PLLD), got)
	}
	if got := div.Read(); got != clock.Passwd|4<<12 {
		t.Errorf("expected DIV %#x got %#x", clock.Passwd|4<<12, got)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if got := ctl.Read(); got != clock.Passwd|clock.CtlKill {
		t.Errorf("expected the SMI clock killed on close, CTL %#x", got)
	}
}

func TestStartUnknownSource(t *testing.T) {
	m, err := clock.Open(info, mmio.NewSim())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	m.Settle = 0
	if _, err := m.Start(clock.PWM, clock.PLLC, 1e6); !errors.Is(err, bcm.ErrConfig) {
		t.Errorf("expected ErrConfig for a source missing from the table, got %v", err)
	}
}

func TestParseSource(t *testing.T) {
	s, err := clock.ParseSource("PLLD")
	if err != nil || s != clock.PLLD {
		t.Errorf("expected PLLD, got %v %v", s, err)
	}
	if _, err := clock.ParseSource("PLLZ"); err == nil {
		t.Error("expected an error for an unknown source")
	}
}
