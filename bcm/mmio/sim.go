package mmio

import (
	"fmt"
	"sync"
	"unsafe"
)

// Sim is an in-process stand-in for physical memory, used by tests and by the
// server's mock mode.  Mapping the same physical address twice (after an
// Unmap) returns the same backing memory, as it would on hardware.
type Sim struct {
	claims

	rmu     sync.Mutex
	regions []simRegion
}

type simRegion struct {
	phys uintptr
	mem  []byte
}

// NewSim returns an empty simulated physical memory
func NewSim() *Sim {
	return &Sim{}
}

// Map returns simulated memory for [phys, phys+size), allocating it zeroed on
// first use
func (s *Sim) Map(phys uintptr, size int) ([]byte, error) {
	if err := s.check(phys, size); err != nil {
		return nil, err
	}
	b, err := s.region(phys, size, true)
	if err != nil {
		return nil, err
	}
	if err := s.add(sliceKey(b), phys, size); err != nil {
		return nil, err
	}
	return b, nil
}

// Unmap releases the claim on a mapping.  The memory itself persists.
func (s *Sim) Unmap(b []byte) error {
	if _, ok := s.remove(sliceKey(b)); !ok {
		return fmt.Errorf("unmap of a slice not mapped by this Sim")
	}
	return nil
}

// Bytes returns the simulated memory at [phys, phys+n) without claiming it,
// as the DMA controller would see it
func (s *Sim) Bytes(phys uintptr, n int) ([]byte, error) {
	return s.region(phys, n, false)
}

func (s *Sim) region(phys uintptr, size int, create bool) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("simulated mapping of %d bytes", size)
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()
	end := phys + uintptr(size)
	for _, r := range s.regions {
		rend := r.phys + uintptr(len(r.mem))
		if phys >= r.phys && end <= rend {
			return r.mem[phys-r.phys : end-r.phys], nil
		}
		if phys < rend && r.phys < end {
			return nil, fmt.Errorf("simulated range %#x+%d straddles region %#x+%d: %w", phys, size, r.phys, len(r.mem), ErrOverlap)
		}
	}
	if !create {
		return nil, fmt.Errorf("no simulated memory at %#x+%d", phys, size)
	}
	// back with uint64 so every word is naturally aligned for atomics
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)[:size]
	s.regions = append(s.regions, simRegion{phys: phys, mem: mem})
	return mem, nil
}

// Reg returns an unclaimed handle to the simulated register at phys, for
// code playing the part of the hardware behind a Window
func (s *Sim) Reg(phys uintptr) (Register, error) {
	b, err := s.region(phys, 4, false)
	if err != nil {
		return Register{}, err
	}
	return Register{p: (*uint32)(unsafe.Pointer(&b[0]))}, nil
}
