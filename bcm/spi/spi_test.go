package spi_test

import (
	"errors"
	"testing"
	"time"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/mmio"
	"github.com/nasa-jpl/piscope/bcm/spi"
)

var info = &addrspace.Info{
	BusMMIOBase:  0x7E000000,
	PhysMMIOBase: 0x3F000000,
	MMIOSize:     0x01000000,
	PageSize:     4096,
}

func reg(t *testing.T, sim *mmio.Sim, ofs uint32) mmio.Register {
	t.Helper()
	r, err := sim.Reg(info.MMIOPhys(spi.BaseOffset + ofs))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestDivider(t *testing.T) {
	cases := []struct {
		hz   float64
		div  uint32
		fail bool
	}{
		{hz: 1e6, div: 250},
		{hz: 16e6, div: 15},
		{hz: 250e6, div: 1},
		{hz: 500e6, fail: true},
		{hz: 1000, fail: true},
		{hz: 0, fail: true},
	}
	for _, c := range cases {
		div, err := spi.Divider(c.hz)
		if c.fail {
			if !errors.Is(err, bcm.ErrConfig) {
				t.Errorf("%g Hz: expected ErrConfig got %v", c.hz, err)
			}
			continue
		}
		if err != nil || div != c.div {
			t.Errorf("%g Hz: expected divider %d got %d (%v)", c.hz, c.div, div, err)
		}
	}
}

func TestOpenRestoresCS(t *testing.T) {
	sim := mmio.NewSim()
	pre, _ := sim.Map(info.MMIOPhys(spi.BaseOffset), int(spi.Length))
	pre[0] = 0x30
	sim.Unmap(pre)

	s, err := spi.Open(info, sim, 1e6, spi.CsCPHA)
	if err != nil {
		t.Fatal(err)
	}
	if got := reg(t, sim, spi.RegCS).Read(); got != spi.CsCPHA {
		t.Errorf("expected CS %#x got %#x", spi.CsCPHA, got)
	}
	if got := reg(t, sim, spi.RegCLK).Read(); got != 250 {
		t.Errorf("expected CLK 250 got %d", got)
	}
	s.Close()
	if got := reg(t, sim, spi.RegCS).Read(); got != 0x30 {
		t.Errorf("expected CS restored to 0x30 got %#x", got)
	}
}

func TestDMAHandover(t *testing.T) {
	sim := mmio.NewSim()
	s, err := spi.Open(info, sim, 1e6, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.StartDMA(4, 8, 4, 8)
	if got := reg(t, sim, spi.RegDC).Read(); got != 0x08040804 {
		t.Errorf("expected DC 0x08040804 got %#x", got)
	}
	cs := reg(t, sim, spi.RegCS)
	if !cs.IsSet(spi.CsDMAEN | spi.CsClearAll) {
		t.Errorf("expected DMAEN and both clears in CS, got %#x", cs.Read())
	}
	cs.Set(spi.CsTA)
	s.StopDMA()
	if cs.IsSet(spi.CsTA) || cs.IsSet(spi.CsDMAEN) {
		t.Errorf("expected TA and DMAEN cleared, got %#x", cs.Read())
	}
	if got := s.FIFOBus(); got != 0x7E204004 {
		t.Errorf("expected FIFO bus 0x7E204004 got %#x", got)
	}
}

// With the status bits held high, the simulated FIFO register loops each
// written byte back.
func TestXferLoopback(t *testing.T) {
	sim := mmio.NewSim()
	s, err := spi.Open(info, sim, 1e6, spi.CsTXD|spi.CsRXD|spi.CsDone)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	rx, err := s.Xfer([]byte{0x40, 0x12, 0xAB})
	if err != nil {
		t.Fatal(err)
	}
	if string(rx) != string([]byte{0x40, 0x12, 0xAB}) {
		t.Errorf("expected loopback, got % x", rx)
	}
}

func TestXferTimesOut(t *testing.T) {
	sim := mmio.NewSim()
	s, err := spi.Open(info, sim, 1e6, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.Timeout = time.Millisecond
	if _, err := s.Xfer([]byte{1}); !errors.Is(err, bcm.ErrTimeout) {
		t.Errorf("expected ErrTimeout got %v", err)
	}
}
