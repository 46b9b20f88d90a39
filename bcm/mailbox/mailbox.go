// Package mailbox speaks the VideoCore firmware property-tag protocol, chiefly
// to allocate memory that the DMA controller can reach by bus address.
//
// A message is a 16-byte aligned run of 32-bit words:
//
//	[0] total length in bytes
//	[1] 0 on request; 0x80000000 (success) or 0x80000001 (failure) on response
//	    tags...
//	[n] 0 (end tag)
//
// and each tag is
//
//	[0] tag id
//	[1] value buffer size in bytes
//	[2] 0 on request; on response the bytes written, with bit 31 set
//	    value buffer...
//
// The firmware writes its response over the request, in place.
//
// The Mailbox type is not safe for concurrent use; its owner serializes calls.
package mailbox

import (
	"fmt"
	"unsafe"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

// Message status words
const (
	StatusRequest uint32 = 0
	StatusSuccess uint32 = 0x80000000
	StatusFailure uint32 = 0x80000001

	respBit uint32 = 1 << 31

	// ChannelProperty is the ARM to VC property tag channel
	ChannelProperty = 8
)

// Tag identifiers
const (
	TagGetTemperature     uint32 = 0x00030006
	TagAllocateMemory     uint32 = 0x0003000C
	TagLockMemory         uint32 = 0x0003000D
	TagUnlockMemory       uint32 = 0x0003000E
	TagReleaseMemory      uint32 = 0x0003000F
	TagGetDisplaySize     uint32 = 0x00040003
	TagGetFramebufferSize uint32 = 0x00040004
)

// Memory alias selectors for the allocate tag
const (
	// AliasNormal is the allocating alias, do not use from the ARM
	AliasNormal uint32 = iota

	// AliasDirect is the 0xC alias, uncached
	AliasDirect

	// AliasCoherent is the 0x8 alias, non-allocating in L2 but coherent
	AliasCoherent

	// AliasL1NonAllocating is allocating in L2
	AliasL1NonAllocating
)

// Allocate flags
const (
	FlagDiscardable uint32 = 1 << 0
	FlagZero        uint32 = 1 << 4
	FlagNoInit      uint32 = 1 << 5
	FlagPermalock   uint32 = 1 << 6
)

var (
	// FieldAlias selects the memory alias of an allocation
	FieldAlias = mmio.Field{Shift: 2, Width: 2}

	// DefaultFlags requests zeroed, uncached memory that stays locked
	DefaultFlags = FieldAlias.Val(AliasDirect) | FlagZero | FlagPermalock
)

// Tag is one request/response unit of a message
type Tag struct {
	// ID is the tag identifier
	ID uint32

	// Size is the value buffer size in bytes, the larger of the
	// request and response payloads
	Size uint32

	// Req is the request payload
	Req []uint32

	// Resp is filled with the response payload by Decode
	Resp []uint32
}

func (t *Tag) words() int {
	return 3 + int(t.Size+3)/4
}

// Encode lays out tags as a request message.  The returned slice starts on
// a 16-byte boundary.
func Encode(tags ...*Tag) []uint32 {
	n := 3 // length, status, end tag
	for _, t := range tags {
		n += t.words()
	}
	msg := aligned16(n)
	msg[0] = uint32(4 * n)
	msg[1] = StatusRequest
	i := 2
	for _, t := range tags {
		msg[i] = t.ID
		msg[i+1] = t.Size
		msg[i+2] = 0
		copy(msg[i+3:i+t.words()], t.Req)
		i += t.words()
	}
	msg[i] = 0
	return msg
}

// Decode reads the responses written over a message built by Encode
func Decode(msg []uint32, tags ...*Tag) error {
	if len(msg) < 3 {
		return fmt.Errorf("message of %d words: %w", len(msg), bcm.ErrProtocol)
	}
	if err := enrich(msg[1], "message"); err != nil {
		return err
	}
	i := 2
	for _, t := range tags {
		if i+t.words() > len(msg) {
			return fmt.Errorf("tag %#08x runs past the message: %w", t.ID, bcm.ErrProtocol)
		}
		if msg[i] != t.ID {
			return fmt.Errorf("expected tag %#08x at word %d, found %#08x: %w", t.ID, i, msg[i], bcm.ErrProtocol)
		}
		st := msg[i+2]
		if st&respBit == 0 {
			return fmt.Errorf("tag %#08x was not answered: %w", t.ID, bcm.ErrProtocol)
		}
		n := int(st&^respBit+3) / 4
		if n > int(t.Size+3)/4 {
			n = int(t.Size+3) / 4
		}
		t.Resp = append(t.Resp[:0], msg[i+3:i+3+n]...)
		i += t.words()
	}
	return nil
}

func aligned16(n int) []uint32 {
	buf := make([]uint32, n+3)
	ofs := 0
	for ; ofs < 4; ofs++ {
		if addrOf(buf[ofs:])%16 == 0 {
			break
		}
	}
	return buf[ofs : ofs+n : ofs+n]
}

func addrOf(b []uint32) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// enrich converts a message status word into an error
func enrich(status uint32, procedure string) error {
	switch status {
	case StatusSuccess:
		return nil
	case StatusFailure:
		return fmt.Errorf("%s: firmware could not parse the request: %w", procedure, bcm.ErrProtocol)
	case StatusRequest:
		return fmt.Errorf("%s: no response written: %w", procedure, bcm.ErrProtocol)
	default:
		return fmt.Errorf("%s: unknown response status %#08x: %w", procedure, status, bcm.ErrProtocol)
	}
}

// Transport carries one message to the firmware and waits for its response
type Transport interface {
	// Xfer sends msg and returns once the response has overwritten it
	Xfer(msg []uint32) error

	// Close releases the transport
	Close() error
}

// Mailbox allocates DMA-visible memory from the firmware
type Mailbox struct {
	// Transport carries messages
	Transport Transport

	// Info translates bus addresses of allocations
	Info *addrspace.Info

	// Mapper maps allocations into the process
	Mapper mmio.Mapper

	// Flags are the allocate flags, DefaultFlags if zero
	Flags uint32
}

// New returns a Mailbox using DefaultFlags
func New(t Transport, info *addrspace.Info, mapper mmio.Mapper) *Mailbox {
	return &Mailbox{Transport: t, Info: info, Mapper: mapper, Flags: DefaultFlags}
}

// Do sends one message carrying tags and decodes the responses
func (m *Mailbox) Do(tags ...*Tag) error {
	msg := Encode(tags...)
	if err := m.Transport.Xfer(msg); err != nil {
		return err
	}
	return Decode(msg, tags...)
}

func (m *Mailbox) single(id uint32, size uint32, req ...uint32) ([]uint32, error) {
	t := &Tag{ID: id, Size: size, Req: req}
	if err := m.Do(t); err != nil {
		return nil, err
	}
	if len(t.Resp) == 0 {
		return nil, fmt.Errorf("tag %#08x: empty response: %w", id, bcm.ErrProtocol)
	}
	return t.Resp, nil
}

func (m *Mailbox) flags() uint32 {
	if m.Flags == 0 {
		return DefaultFlags
	}
	return m.Flags
}

// Allocate reserves size bytes of GPU memory and returns its handle
func (m *Mailbox) Allocate(size, align uint32) (uint32, error) {
	resp, err := m.single(TagAllocateMemory, 12, size, align, m.flags())
	if err != nil {
		return 0, err
	}
	if resp[0] == 0 {
		return 0, fmt.Errorf("allocating %d bytes aligned to %d: %w", size, align, bcm.ErrAllocation)
	}
	return resp[0], nil
}

// Lock pins an allocation and returns its bus address
func (m *Mailbox) Lock(handle uint32) (uint32, error) {
	resp, err := m.single(TagLockMemory, 4, handle)
	if err != nil {
		return 0, err
	}
	if resp[0] == 0 {
		return 0, fmt.Errorf("locking handle %d: %w", handle, bcm.ErrAllocation)
	}
	return resp[0], nil
}

// Unlock unpins an allocation
func (m *Mailbox) Unlock(handle uint32) error {
	resp, err := m.single(TagUnlockMemory, 4, handle)
	if err != nil {
		return err
	}
	if resp[0] != 0 {
		return fmt.Errorf("unlocking handle %d: status %d: %w", handle, resp[0], bcm.ErrProtocol)
	}
	return nil
}

// Release frees an allocation
func (m *Mailbox) Release(handle uint32) error {
	resp, err := m.single(TagReleaseMemory, 4, handle)
	if err != nil {
		return err
	}
	if resp[0] != 0 {
		return fmt.Errorf("releasing handle %d: status %d: %w", handle, resp[0], bcm.ErrProtocol)
	}
	return nil
}

// AllocBlock allocates, locks and maps size bytes.  Anything acquired before
// a failure is given back before returning.
func (m *Mailbox) AllocBlock(size, align int) (mmio.Block, error) {
	if size <= 0 || align <= 0 {
		return mmio.Block{}, fmt.Errorf("block of %d bytes aligned to %d: %w", size, align, bcm.ErrConfig)
	}
	h, err := m.Allocate(uint32(size), uint32(align))
	if err != nil {
		return mmio.Block{}, err
	}
	bus, err := m.Lock(h)
	if err != nil {
		return mmio.Block{}, also(err, m.Release(h))
	}
	phys := m.Info.BusToPhys(bus)
	virt, err := m.Mapper.Map(phys, size)
	if err != nil {
		err = also(err, m.Unlock(h))
		return mmio.Block{}, also(err, m.Release(h))
	}
	alias := FieldAlias.Get(m.flags())
	return mmio.Block{
		Virt:     virt,
		Phys:     phys,
		Bus:      bus,
		Handle:   h,
		Coherent: alias == AliasDirect || alias == AliasCoherent,
	}, nil
}

// FreeBlock unmaps, unlocks and releases a block.  A block with a zero
// handle is left alone.  The allocation is released even when unmapping or
// unlocking fails, and the first error is returned.
func (m *Mailbox) FreeBlock(b *mmio.Block) error {
	if b.Handle == 0 {
		return nil
	}
	h := b.Handle
	virt := b.Virt
	*b = mmio.Block{}
	var first error
	if virt != nil {
		first = m.Mapper.Unmap(virt)
	}
	if err := m.Unlock(h); err != nil && first == nil {
		first = err
	}
	if err := m.Release(h); err != nil && first == nil {
		first = err
	}
	return first
}

// also annotates err with a failure met while cleaning up after it
func also(err, cleanup error) error {
	if cleanup == nil {
		return err
	}
	return fmt.Errorf("%w (cleanup: %v)", err, cleanup)
}

// Temperature returns the SoC temperature in degrees Celsius
func (m *Mailbox) Temperature() (float64, error) {
	resp, err := m.single(TagGetTemperature, 8, 0)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("temperature: short response: %w", bcm.ErrProtocol)
	}
	return float64(resp[1]) / 1000, nil
}

// DisplaySize returns the width and height of the attached display
func (m *Mailbox) DisplaySize() (int, int, error) {
	return m.size(TagGetDisplaySize)
}

// FramebufferSize returns the width and height of the framebuffer
func (m *Mailbox) FramebufferSize() (int, int, error) {
	return m.size(TagGetFramebufferSize)
}

func (m *Mailbox) size(id uint32) (int, int, error) {
	resp, err := m.single(id, 8)
	if err != nil {
		return 0, 0, err
	}
	if len(resp) < 2 {
		return 0, 0, fmt.Errorf("tag %#08x: short response: %w", id, bcm.ErrProtocol)
	}
	return int(resp[0]), int(resp[1]), nil
}

// Close closes the transport
func (m *Mailbox) Close() error {
	return m.Transport.Close()
}
