// Package chain lays out DMA control blocks for a continuous peripheral
// capture: an optional handshake that keeps a transmit FIFO fed, followed
// by a linked run of receive blocks that fill a capture buffer.
package chain

import (
	"fmt"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/dma"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

// Engine is the part of dma.Engine a chain is written into
type Engine interface {
	Resize(n int) error
	CB(i int) (*dma.ControlBlock, error)
	BusAddr(i int) (uint32, error)
}

// Layout sizes a capture
type Layout struct {
	// Samples is the number of samples to capture
	Samples int

	// BytesPerSample is the size of one sample in the receive area
	BytesPerSample int

	// Packed rounds the total up to an even byte count, for peripherals
	// that pack two narrow samples per FIFO entry
	Packed bool

	// BlockMax is the largest transfer of one receive block
	BlockMax int

	// MaxTotal is the largest capture the peripheral can be told to make;
	// zero for no limit
	MaxTotal int
}

// Total returns the size of the receive area in bytes
func (l Layout) Total() int {
	total := l.Samples * l.BytesPerSample
	if l.Packed && total%2 != 0 {
		total++
	}
	return total
}

// Source names the peripheral registers a chain moves data between
type Source struct {
	// RxBus is the bus address of the receive FIFO
	RxBus uint32

	// RxPermap is the DREQ line pacing receive blocks
	RxPermap uint32

	// TxBus is the bus address of the transmit FIFO, used by handshakes
	TxBus uint32

	// TxPermap is the DREQ line pacing handshake blocks
	TxPermap uint32

	// WaitResp makes every block wait for write responses
	WaitResp bool
}

// Handshake is a run of words sent ahead of the capture.  Words[:Split] are
// sent once; Words[Split:] are then sent over and over until the channel is
// reset.  When Split is len(Words) the whole run repeats.
type Handshake struct {
	Words []uint32
	Split int
}

// Chain describes the blocks Build wrote
type Chain struct {
	// TxStart is the index of the first handshake block, -1 without one
	TxStart int

	// RxStart is the index of the first receive block
	RxStart int

	// RxBlocks is the number of receive blocks
	RxBlocks int

	// TotalBytes is the size of the receive area
	TotalBytes int

	// RxOffset is where the receive area starts in the capture buffer
	RxOffset int
}

// Build resizes e and writes the chain for a capture into buf.  buf holds
// the handshake words first, then the receive area.  Every block is
// rewritten; bus addresses from an earlier Build are invalid afterward.
func Build(e Engine, buf *mmio.Block, l Layout, src Source, hs *Handshake) (Chain, error) {
	if l.Samples <= 0 || l.BytesPerSample <= 0 || l.BlockMax <= 0 {
		return Chain{}, fmt.Errorf("capture of %d samples of %d bytes in blocks of %d: %w",
			l.Samples, l.BytesPerSample, l.BlockMax, bcm.ErrConfig)
	}
	total := l.Total()
	if l.MaxTotal > 0 && total > l.MaxTotal {
		return Chain{}, fmt.Errorf("capture of %d bytes exceeds the %d byte limit: %w", total, l.MaxTotal, bcm.ErrConfig)
	}
	var words []uint32
	split := 0
	if hs != nil {
		words, split = hs.Words, hs.Split
		if len(words) == 0 || split < 1 || split > len(words) {
			return Chain{}, fmt.Errorf("handshake of %d words split at %d: %w", len(words), split, bcm.ErrConfig)
		}
	}
	rxOfs := 4 * len(words)
	if buf.Size() < rxOfs+total {
		return Chain{}, fmt.Errorf("capture buffer of %d bytes is short of %d: %w", buf.Size(), rxOfs+total, bcm.ErrConfig)
	}

	nTx := 0
	switch {
	case hs == nil:
	case split == len(words):
		nTx = 1
	default:
		nTx = 2
	}
	nRx := (total + l.BlockMax - 1) / l.BlockMax
	if err := e.Resize(nTx + nRx); err != nil {
		return Chain{}, err
	}
	copy(buf.Words(), words)

	wait := uint32(0)
	if src.WaitResp {
		wait = dma.TIWaitResp
	}
	tx := wait | dma.TIDestDReq | dma.FieldPermap.Val(src.TxPermap)
	if nTx == 1 {
		if err := put(e, 0, send(tx, buf.Bus, len(words), src.TxBus), 0); err != nil {
			return Chain{}, err
		}
	}
	if nTx == 2 {
		if err := put(e, 0, send(tx, buf.Bus, split, src.TxBus), 1); err != nil {
			return Chain{}, err
		}
		if err := put(e, 1, send(tx, buf.BusAt(4*split), len(words)-split, src.TxBus), 1); err != nil {
			return Chain{}, err
		}
	}

	rx := wait | dma.TIDestInc | dma.TISrcDReq | dma.FieldPermap.Val(src.RxPermap)
	for i, ofs := 0, 0; i < nRx; i++ {
		n := total - ofs
		if n > l.BlockMax {
			n = l.BlockMax
		}
		cb := dma.ControlBlock{TI: rx, Src: src.RxBus, Dst: buf.BusAt(rxOfs + ofs), Len: uint32(n)}
		next := nTx + i + 1
		if i == nRx-1 {
			next = -1
		}
		if err := put(e, nTx+i, cb, next); err != nil {
			return Chain{}, err
		}
		ofs += n
	}

	c := Chain{TxStart: -1, RxStart: nTx, RxBlocks: nRx, TotalBytes: total, RxOffset: rxOfs}
	if nTx > 0 {
		c.TxStart = 0
	}
	return c, nil
}

// send is a block moving n words from src to a FIFO
func send(ti, src uint32, n int, fifo uint32) dma.ControlBlock {
	if n > 1 {
		ti |= dma.TISrcInc
	}
	return dma.ControlBlock{TI: ti, Src: src, Dst: fifo, Len: uint32(4 * n)}
}

// put writes cb at index i linked to block next, or terminating when next
// is negative
func put(e Engine, i int, cb dma.ControlBlock, next int) error {
	if next >= 0 {
		bus, err := e.BusAddr(next)
		if err != nil {
			return err
		}
		cb.NextCB = bus
	}
	p, err := e.CB(i)
	if err != nil {
		return err
	}
	*p = cb
	return nil
}
