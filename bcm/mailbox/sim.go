package mailbox

import (
	"sync"

	"github.com/nasa-jpl/piscope/bcm/addrspace"
)

// SimBase is the physical address of the first simulated allocation
const SimBase uintptr = 0x0C000000

type simAlloc struct {
	phys   uintptr
	size   uint32
	locked bool
}

// SimFirmware answers property messages in process, standing in for the GPU
// firmware in tests and the server's mock mode.  Allocations are carved from
// a cursor starting at SimBase and are never reused, so a stale bus address
// never aliases a live block.  Pair it with an mmio.Sim mapper.
type SimFirmware struct {
	sync.Mutex

	// Info converts simulated physical addresses to bus addresses
	Info *addrspace.Info

	// Capacity limits the bytes live at once, 0 for no limit
	Capacity uint32

	// MilliCelsius is reported by the temperature tag
	MilliCelsius uint32

	// Width and Height are reported by the display and framebuffer tags
	Width, Height uint32

	next   uintptr
	handle uint32
	live   uint32
	allocs map[uint32]*simAlloc
}

// NewSimFirmware returns firmware reporting 45 °C and a 1920x1080 display
func NewSimFirmware(info *addrspace.Info) *SimFirmware {
	return &SimFirmware{
		Info:         info,
		MilliCelsius: 45000,
		Width:        1920,
		Height:       1080,
		next:         SimBase,
		allocs:       make(map[uint32]*simAlloc),
	}
}

// Live returns the number of allocations not yet released
func (s *SimFirmware) Live() int {
	s.Lock()
	defer s.Unlock()
	return len(s.allocs)
}

// Xfer answers every tag of msg in place.  Unknown tags are left unanswered,
// as the firmware does.
func (s *SimFirmware) Xfer(msg []uint32) error {
	s.Lock()
	defer s.Unlock()
	if len(msg) < 3 || msg[0] != uint32(4*len(msg)) || msg[1] != StatusRequest {
		if len(msg) >= 2 {
			msg[1] = StatusFailure
		}
		return nil
	}
	i := 2
	for i < len(msg) && msg[i] != 0 {
		if i+3 > len(msg) {
			msg[1] = StatusFailure
			return nil
		}
		id, size := msg[i], msg[i+1]
		n := int(size+3) / 4
		if i+3+n > len(msg) {
			msg[1] = StatusFailure
			return nil
		}
		val := msg[i+3 : i+3+n]
		if written, ok := s.answer(id, val); ok {
			msg[i+2] = respBit | written
		}
		i += 3 + n
	}
	msg[1] = StatusSuccess
	return nil
}

// answer writes the response to one tag into val and returns the number of
// bytes written
func (s *SimFirmware) answer(id uint32, val []uint32) (uint32, bool) {
	if len(val) < 1 {
		return 0, false
	}
	switch id {
	case TagAllocateMemory:
		if len(val) < 3 {
			return 0, false
		}
		val[0] = s.allocate(val[0], val[1])
		return 4, true
	case TagLockMemory:
		a, ok := s.allocs[val[0]]
		if !ok {
			val[0] = 0
			return 4, true
		}
		a.locked = true
		val[0] = s.Info.PhysToBus(a.phys)
		return 4, true
	case TagUnlockMemory:
		a, ok := s.allocs[val[0]]
		if !ok || !a.locked {
			val[0] = 1
			return 4, true
		}
		a.locked = false
		val[0] = 0
		return 4, true
	case TagReleaseMemory:
		a, ok := s.allocs[val[0]]
		if !ok {
			val[0] = 1
			return 4, true
		}
		delete(s.allocs, val[0])
		s.live -= a.size
		val[0] = 0
		return 4, true
	case TagGetTemperature:
		if len(val) < 2 {
			return 0, false
		}
		val[1] = s.MilliCelsius
		return 8, true
	case TagGetDisplaySize, TagGetFramebufferSize:
		if len(val) < 2 {
			return 0, false
		}
		val[0], val[1] = s.Width, s.Height
		return 8, true
	}
	return 0, false
}

func (s *SimFirmware) allocate(size, align uint32) uint32 {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		return 0
	}
	if s.Capacity != 0 && s.live+size > s.Capacity {
		return 0
	}
	a := uintptr(align)
	phys := (s.next + a - 1) &^ (a - 1)
	// keep whole pages so two blocks never share a simulated mapping
	s.next = (phys + uintptr(size) + 0xFFF) &^ 0xFFF
	s.handle++
	s.allocs[s.handle] = &simAlloc{phys: phys, size: size}
	s.live += size
	return s.handle
}

// Close is a no-op
func (s *SimFirmware) Close() error {
	return nil
}
