package dma

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

// Source supplies successive 32-bit words read from a peripheral data
// register, such as a receive FIFO
type Source func() uint32

// Emulator plays the DMA controller over simulated memory.  It watches the
// channel registers of an Engine opened on the same mmio.Sim and executes one
// control block per channel per tick, so a self-looping block repeats until
// its channel is reset, as on hardware.  Reads from peripheral registers
// registered with Attach come from their Source; other addresses read and
// write simulated memory.
type Emulator struct {
	// Tick is the interval between scans of the channel registers
	Tick time.Duration

	sim  *mmio.Sim
	info *addrspace.Info

	mu      sync.Mutex
	sources map[uint32]Source
	running [Channels]bool

	stop chan struct{}
	done chan struct{}
}

// NewEmulator returns an emulator for the DMA registers in sim.  Call Start
// to run it.
func NewEmulator(sim *mmio.Sim, info *addrspace.Info) *Emulator {
	return &Emulator{
		Tick:    20 * time.Microsecond,
		sim:     sim,
		info:    info,
		sources: make(map[uint32]Source),
	}
}

// Attach makes reads of the peripheral register at bus address bus come
// from src
func (em *Emulator) Attach(bus uint32, src Source) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.sources[bus] = src
}

// Start runs the emulator in the background until Close
func (em *Emulator) Start() {
	em.stop = make(chan struct{})
	em.done = make(chan struct{})
	go func() {
		defer close(em.done)
		t := time.NewTicker(em.Tick)
		defer t.Stop()
		for {
			select {
			case <-em.stop:
				return
			case <-t.C:
				em.Step()
			}
		}
	}()
}

// Close stops the emulator and waits for it to exit
func (em *Emulator) Close() error {
	if em.stop != nil {
		close(em.stop)
		<-em.done
		em.stop = nil
	}
	return nil
}

func (em *Emulator) reg(ch int, ofs uint32) (mmio.Register, error) {
	return em.sim.Reg(em.info.MMIOPhys(BaseOffset + uint32(ch)*ChannelStride + ofs))
}

// Step scans every channel once
func (em *Emulator) Step() {
	en, err := em.sim.Reg(em.info.MMIOPhys(BaseOffset + RegEnable))
	if err != nil {
		return
	}
	for ch := 0; ch < Channels; ch++ {
		if en.Read()&(1<<uint(ch)) == 0 {
			// a disabled channel forgets its chain
			em.running[ch] = false
			continue
		}
		em.step(ch)
	}
}

// swap sets the CS register with a compare and swap loop, so bits written by
// the Engine between the read and the write are not lost
func swap(cs mmio.Register, f func(uint32) uint32) {
	for {
		old := cs.Read()
		if cs.CompareAndSwap(old, f(old)) {
			return
		}
	}
}

func (em *Emulator) step(ch int) {
	cs, err := em.reg(ch, RegCS)
	if err != nil {
		return
	}
	conblk, _ := em.reg(ch, RegConblkAd)
	length, _ := em.reg(ch, RegTxfrLen)
	next, _ := em.reg(ch, RegNextConbk)

	v := cs.Read()
	switch {
	case v&CSReset != 0 && (em.running[ch] || v&CSActive == 0):
		if !cs.CompareAndSwap(v, 0) {
			return
		}
		em.running[ch] = false
		length.Write(0)
		next.Write(0)
		return
	case v&CSActive == 0:
		em.running[ch] = false
		return
	case !em.running[ch]:
		em.running[ch] = true
		swap(cs, func(old uint32) uint32 { return old &^ (CSReset | CSEnd) })
	}

	addr := conblk.Read()
	cb, err := em.load(addr)
	if err == nil {
		length.Write(cb.Len)
		next.Write(cb.NextCB)
		err = em.execute(cb)
	}
	if err != nil {
		em.running[ch] = false
		swap(cs, func(old uint32) uint32 { return (old &^ CSActive) | CSError })
		return
	}
	conblk.Write(cb.NextCB)
	length.Write(0)
	if cb.NextCB == 0 {
		em.running[ch] = false
		swap(cs, func(old uint32) uint32 { return (old &^ CSActive) | CSEnd })
	}
}

// phys maps a bus address to the simulated physical address behind it
func (em *Emulator) phys(bus uint32) uintptr {
	i := em.info
	if bus >= i.BusMMIOBase && bus-i.BusMMIOBase < i.MMIOSize {
		return i.PhysMMIOBase + uintptr(bus-i.BusMMIOBase)
	}
	return i.BusToPhys(bus)
}

func (em *Emulator) load(bus uint32) (ControlBlock, error) {
	var cb ControlBlock
	b, err := em.sim.Bytes(em.phys(bus), CBSize)
	if err != nil {
		return cb, err
	}
	w := func(i int) uint32 { return binary.LittleEndian.Uint32(b[4*i:]) }
	cb = ControlBlock{TI: w(0), Src: w(1), Dst: w(2), Len: w(3), Stride: w(4), NextCB: w(5), Debug: w(6)}
	return cb, nil
}

// execute performs one control block word by word
func (em *Emulator) execute(cb ControlBlock) error {
	n := int(cb.Len)
	if cb.TI&TITDMode != 0 {
		// 2D mode: YLENGTH+1 rows of XLENGTH bytes, strides ignored
		n = int(cb.Len&0xFFFF) * (int(cb.Len>>16) + 1)
	}
	if n == 0 {
		return nil
	}
	em.mu.Lock()
	src := em.sources[cb.Src]
	em.mu.Unlock()

	var in, out []byte
	var err error
	if cb.TI&TISrcIgnore == 0 && src == nil {
		size := 4
		if cb.TI&TISrcInc != 0 {
			size = n
		}
		if in, err = em.sim.Bytes(em.phys(cb.Src), size); err != nil {
			return err
		}
	}
	if cb.TI&TIDestIgnore == 0 {
		size := 4
		if cb.TI&TIDestInc != 0 {
			size = n
		}
		if out, err = em.sim.Bytes(em.phys(cb.Dst), size); err != nil {
			return err
		}
	}

	var word [4]byte
	for ofs := 0; ofs < n; ofs += 4 {
		switch {
		case cb.TI&TISrcIgnore != 0:
			word = [4]byte{}
		case src != nil:
			binary.LittleEndian.PutUint32(word[:], src())
		case cb.TI&TISrcInc != 0:
			copy(word[:], in[ofs:])
		default:
			copy(word[:], in)
		}
		if out == nil {
			continue
		}
		chunk := word[:]
		if n-ofs < 4 {
			chunk = chunk[:n-ofs]
		}
		if cb.TI&TIDestInc != 0 {
			copy(out[ofs:], chunk)
		} else {
			copy(out, chunk)
		}
	}
	return nil
}
