package mmio_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

var info = &addrspace.Info{
	BusMMIOBase:  0x7E000000,
	PhysMMIOBase: 0x3F000000,
	MMIOSize:     0x01000000,
	BusAlias:     0xC0000000,
	PageSize:     4096,
}

func ExampleField_Put() {
	width := mmio.Field{Shift: 30, Width: 2}
	v := width.Put(0xFFFFFFFF, 1)
	fmt.Printf("%#08x %d\n", v, width.Get(v))
	// Output: 0x7fffffff 1
}

func TestFieldValMasksExcess(t *testing.T) {
	f := mmio.Field{Shift: 4, Width: 3}
	if got := f.Val(0xFF); got != 0x70 {
		t.Errorf("expected %#x got %#x", 0x70, got)
	}
	if got := f.Mask(); got != 0x70 {
		t.Errorf("expected mask %#x got %#x", 0x70, got)
	}
	full := mmio.Field{Shift: 0, Width: 32}
	if got := full.Mask(); got != 0xFFFFFFFF {
		t.Errorf("expected full width mask, got %#x", got)
	}
}

func TestRegisterSetClear(t *testing.T) {
	w, err := mmio.Open(info, mmio.NewSim(), 0x204000, 0x18)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	cs := w.Reg(0)
	cs.Write(0x10)
	cs.Set(0x81)
	if got := cs.Read(); got != 0x91 {
		t.Errorf("expected %#x got %#x", 0x91, got)
	}
	cs.Clear(0x10)
	if got := cs.Read(); got != 0x81 {
		t.Errorf("expected %#x got %#x", 0x81, got)
	}
	if !cs.IsSet(0x80) {
		t.Error("expected bit 7 to be set")
	}
	cs.Put(mmio.Field{Shift: 0, Width: 2}, 2)
	if got := cs.Read(); got != 0x82 {
		t.Errorf("expected %#x got %#x", 0x82, got)
	}
}

func TestBusAddr(t *testing.T) {
	w, err := mmio.Open(info, mmio.NewSim(), 0x204000, 0x18)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if got := w.BusAddr(0x04); got != 0x7E204004 {
		t.Errorf("expected FIFO bus address %#x got %#x", 0x7E204004, got)
	}
}

func TestSnapshotRestoredOnClose(t *testing.T) {
	sim := mmio.NewSim()
	w, err := mmio.Open(info, sim, 0x200000, 0xF4)
	if err != nil {
		t.Fatal(err)
	}
	w.Reg(0).Write(0xAAAA)
	w.Snapshot(0)
	w.Reg(0).Write(0x5555)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("expected second close to be a no-op, got %v", err)
	}
	mem, err := sim.Bytes(info.MMIOPhys(0x200000), 4)
	if err != nil {
		t.Fatal(err)
	}
	if mem[0] != 0xAA || mem[1] != 0xAA {
		t.Errorf("expected snapshot to be restored, got % x", mem)
	}
}

func TestOverlappingWindowsRefused(t *testing.T) {
	sim := mmio.NewSim()
	a, err := mmio.Open(info, sim, 0x7000, 0xFF4)
	if err != nil {
		t.Fatal(err)
	}
	_, err = mmio.Open(info, sim, 0x7F00, 0x20)
	if !errors.Is(err, mmio.ErrOverlap) {
		t.Errorf("expected ErrOverlap, got %v", err)
	}
	a.Close()
	b, err := mmio.Open(info, sim, 0x7000, 0xFF4)
	if err != nil {
		t.Errorf("expected remap after close to succeed, got %v", err)
	} else {
		b.Close()
	}
}

func TestOpenRejectsOddLength(t *testing.T) {
	_, err := mmio.Open(info, mmio.NewSim(), 0x7000, 3)
	if err == nil {
		t.Error("expected an error for a 3 byte window")
	}
}

func TestRegOutsideWindowPanics(t *testing.T) {
	w, err := mmio.Open(info, mmio.NewSim(), 0x204000, 0x18)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	defer func() {
		if recover() == nil {
			t.Error("expected a panic for an out of window register")
		}
	}()
	w.Reg(0x18)
}

func TestBlockWords(t *testing.T) {
	sim := mmio.NewSim()
	mem, err := sim.Map(0x100000, 16)
	if err != nil {
		t.Fatal(err)
	}
	b := mmio.Block{Virt: mem, Phys: 0x100000, Bus: info.PhysToBus(0x100000), Handle: 1}
	b.Words()[1] = 0x04030201
	if mem[4] != 1 || mem[7] != 4 {
		t.Errorf("expected little-endian word view, got % x", mem)
	}
	if got := b.BusAt(8); got != 0xC0100008 {
		t.Errorf("expected bus %#x got %#x", 0xC0100008, got)
	}
}
