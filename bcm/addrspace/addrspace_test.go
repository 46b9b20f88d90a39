package addrspace_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
)

func writeWords(t *testing.T, fn string, words ...uint32) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(fn), 0o755); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint32(buf[4*i:], w)
	}
	if err := os.WriteFile(fn, buf, 0o644); err != nil {
		t.Fatal(err)
	}
}

// zero2Tree writes the ranges of a Pi Zero 2 W into a temporary directory
func zero2Tree(t *testing.T) string {
	root := t.TempDir()
	writeWords(t, filepath.Join(root, "soc", "ranges"), 0x7E000000, 0x3F000000, 0x01000000)
	writeWords(t, filepath.Join(root, "soc", "dma-ranges"), 0xC0000000, 0x00000000, 0x3F000000)
	return root
}

func TestLoadReadsBigEndianTriples(t *testing.T) {
	info, err := addrspace.Load(zero2Tree(t))
	if err != nil {
		t.Fatal(err)
	}
	if info.BusMMIOBase != 0x7E000000 {
		t.Errorf("expected bus mmio base %#x got %#x", 0x7E000000, info.BusMMIOBase)
	}
	if info.PhysMMIOBase != 0x3F000000 {
		t.Errorf("expected phys mmio base %#x got %#x", 0x3F000000, info.PhysMMIOBase)
	}
	if info.BusAlias != 0xC0000000 {
		t.Errorf("expected bus alias %#x got %#x", 0xC0000000, info.BusAlias)
	}
	if info.BusMemSize != 0x3F000000 {
		t.Errorf("expected bus mem size %#x got %#x", 0x3F000000, info.BusMemSize)
	}
}

func TestLoadTruncatedIsConfigError(t *testing.T) {
	root := t.TempDir()
	writeWords(t, filepath.Join(root, "soc", "ranges"), 0x7E000000, 0x3F000000, 0x01000000)
	writeWords(t, filepath.Join(root, "soc", "dma-ranges"), 0xC0000000)
	_, err := addrspace.Load(root)
	if !errors.Is(err, bcm.ErrConfig) {
		t.Errorf("expected ErrConfig for truncated dma-ranges, got %v", err)
	}
}

func TestLoadMissingIsConfigError(t *testing.T) {
	_, err := addrspace.Load(t.TempDir())
	if !errors.Is(err, bcm.ErrConfig) {
		t.Errorf("expected ErrConfig for missing ranges, got %v", err)
	}
}

func TestBusPhysRoundTrip(t *testing.T) {
	info := &addrspace.Info{BusAlias: 0xC0000000}
	for _, bus := range []uint32{0xC0000000, 0xC0001000, 0xC3FFFFFC, 0xC0DEB000} {
		if got := info.PhysToBus(info.BusToPhys(bus)); got != bus {
			t.Errorf("expected phys_to_bus(bus_to_phys(%#x)) == %#x, got %#x", bus, bus, got)
		}
	}
	for _, phys := range []uintptr{0, 0x1000, 0x03FFFFFC, 0x00DEB000} {
		if got := info.BusToPhys(info.PhysToBus(phys)); got != phys {
			t.Errorf("expected bus_to_phys(phys_to_bus(%#x)) == %#x, got %#x", phys, phys, got)
		}
	}
}

func TestVirtToPhysReadsPagemap(t *testing.T) {
	const page = 4096
	pm := filepath.Join(t.TempDir(), "pagemap")
	entries := make([]byte, 8*4)
	// page 3 is present (bit 63) with frame 0x1234
	binary.LittleEndian.PutUint64(entries[8*3:], 1<<63|0x1234)
	if err := os.WriteFile(pm, entries, 0o644); err != nil {
		t.Fatal(err)
	}
	info := &addrspace.Info{PageSize: page, Pagemap: pm, BusAlias: 0xC0000000}
	phys, err := info.VirtToPhys(3*page + 0x10)
	if err != nil {
		t.Fatal(err)
	}
	if phys != 0x1234*page+0x10 {
		t.Errorf("expected %#x got %#x", 0x1234*page+0x10, phys)
	}
	bus, err := info.VirtToBus(3*page + 0x10)
	if err != nil {
		t.Fatal(err)
	}
	if bus != 0xC0000000|uint32(0x1234*page+0x10) {
		t.Errorf("expected bus %#x got %#x", 0xC0000000|uint32(0x1234*page+0x10), bus)
	}
}

func TestVirtToPhysHiddenFrameIsPermissionError(t *testing.T) {
	pm := filepath.Join(t.TempDir(), "pagemap")
	if err := os.WriteFile(pm, make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	info := &addrspace.Info{PageSize: 4096, Pagemap: pm}
	_, err := info.VirtToPhys(4096)
	if !errors.Is(err, bcm.ErrPermission) {
		t.Errorf("expected ErrPermission, got %v", err)
	}
	info.Pagemap = filepath.Join(t.TempDir(), "missing")
	_, err = info.VirtToPhys(4096)
	if !errors.Is(err, bcm.ErrPermission) {
		t.Errorf("expected ErrPermission for missing pagemap, got %v", err)
	}
}

func ExampleInfo_PhysToBus() {
	info := &addrspace.Info{BusAlias: 0xC0000000}
	fmt.Printf("%#x\n", info.PhysToBus(0x00100000))
	fmt.Printf("%#x\n", info.BusToPhys(0xC0100000))
	// Output:
	// 0xc0100000
	// 0x100000
}
