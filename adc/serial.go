package adc

import (
	"fmt"
	"sync"
	"time"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/dma"
	"github.com/nasa-jpl/piscope/bcm/mmio"
	"github.com/nasa-jpl/piscope/bcm/spi"
	"github.com/nasa-jpl/piscope/chain"
	"github.com/nasa-jpl/piscope/decode"
)

// VRef is the span of a serial ADC's input
type VRef struct {
	Lo float64 `yaml:"lo" json:"lo"`
	Hi float64 `yaml:"hi" json:"hi"`
}

// SerialConfig sets up a SerialADC
type SerialConfig struct {
	// Flags are written to the SPI CS register
	Flags uint32

	VRef VRef

	// BlockSize is the largest receive control block, in bytes
	BlockSize int

	// TxChannel feeds the SPI FIFO, RxChannel drains it
	TxChannel, RxChannel int
}

// DefaultSerialConfig is an ADS7884 style ADC sampled on the second clock
// edge
var DefaultSerialConfig = SerialConfig{
	Flags:     spi.CsCPHA,
	VRef:      VRef{Lo: 0, Hi: 5.23},
	BlockSize: 32768,
	TxChannel: 9,
	RxChannel: 10,
}

// serialMaxTotal is the widest DLEN, which counts bytes in 16 bits
const serialMaxTotal = 0xFFFF

// serial clocks per sample
const serialClocks = 16

// SerialADC captures from an SPI ADC with two DMA channels.  One keeps the
// SPI transmit FIFO fed with the transfer setup and chip select toggles; the
// other drains the receive FIFO into a capture buffer.
type SerialADC struct {
	sync.Mutex

	// Retries and Delay bound the wait for a capture; zero uses the
	// dma package defaults
	Retries int
	Delay   time.Duration

	cfg     SerialConfig
	hw      Hardware
	spi     *spi.SPI
	dma     *dma.Engine
	buf     mmio.Block
	chain   chain.Chain
	samples int
	rate    float64
	running bool
}

// NewSerial opens SPI0 and a DMA engine for a serial capture
func NewSerial(hw Hardware, cfg SerialConfig) (*SerialADC, error) {
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("serial block size %d: %w", cfg.BlockSize, bcm.ErrConfig)
	}
	if hw.GPIO != nil {
		if err := spi.ConfigurePins(hw.GPIO); err != nil {
			return nil, err
		}
	}
	s, err := spi.Open(hw.Info, hw.Mapper, 8e6, cfg.Flags)
	if err != nil {
		return nil, err
	}
	e, err := dma.Open(hw.Info, hw.Mapper, hw.Alloc)
	if err != nil {
		s.Close()
		return nil, err
	}
	return &SerialADC{cfg: cfg, hw: hw, spi: s, dma: e}, nil
}

// Configure rebuilds the capture for samples and sets the SPI clock to
// 16 clocks per sample
func (a *SerialADC) Configure(samples int, rateHz float64) (float64, error) {
	if err := checkSize(samples, rateHz); err != nil {
		return 0, err
	}
	a.Lock()
	defer a.Unlock()
	if samples != a.samples {
		if err := a.rebuild(samples); err != nil {
			return 0, err
		}
	}
	hz, err := a.spi.SetClock(serialClocks * rateHz)
	if err != nil {
		return 0, err
	}
	a.rate = hz / serialClocks
	return a.rate, nil
}

func (a *SerialADC) rebuild(samples int) error {
	l := chain.Layout{
		Samples:        samples,
		BytesPerSample: 2,
		BlockMax:       a.cfg.BlockSize,
		MaxTotal:       serialMaxTotal,
	}
	total := l.Total()
	if total > serialMaxTotal {
		return fmt.Errorf("serial capture of %d samples exceeds %d: %w", samples, serialMaxTotal/2, bcm.ErrConfig)
	}
	hs := &chain.Handshake{
		Words: []uint32{
			uint32(total)<<16 | (a.cfg.Flags|spi.CsTA)&0xff,
			0xFFFFFFFF,
			0x01000100,
		},
		Split: 2,
	}
	buf, err := a.hw.Alloc.AllocBlock(4*len(hs.Words)+total, a.hw.Info.PageSize)
	if err != nil {
		return err
	}
	src := chain.Source{
		RxBus:    a.spi.FIFOBus(),
		RxPermap: dma.PermapSPIRX,
		TxBus:    a.spi.FIFOBus(),
		TxPermap: dma.PermapSPITX,
		WaitResp: true,
	}
	c, err := chain.Build(a.dma, &buf, l, src, hs)
	if err != nil {
		a.hw.Alloc.FreeBlock(&buf)
		return err
	}
	a.hw.Alloc.FreeBlock(&a.buf)
	a.buf, a.chain, a.samples = buf, c, samples
	return nil
}

// Start marks the ADC running.  Captures are made on demand by Buffers.
func (a *SerialADC) Start() error {
	a.Lock()
	defer a.Unlock()
	if a.samples == 0 {
		return fmt.Errorf("serial ADC started before Configure: %w", bcm.ErrConfig)
	}
	a.running = true
	return nil
}

// Stop marks the ADC idle
func (a *SerialADC) Stop() error {
	a.Lock()
	defer a.Unlock()
	a.running = false
	return nil
}

// Samples returns the configured capture length
func (a *SerialADC) Samples() int {
	a.Lock()
	defer a.Unlock()
	return a.samples
}

// RateHz returns the configured sample rate
func (a *SerialADC) RateHz() float64 {
	a.Lock()
	defer a.Unlock()
	return a.rate
}

// Capture runs the chain once and returns the received bytes
func (a *SerialADC) Capture() ([]byte, error) {
	a.Lock()
	defer a.Unlock()
	if a.samples == 0 {
		return nil, fmt.Errorf("serial capture before Configure: %w", bcm.ErrConfig)
	}
	tx, rx := a.cfg.TxChannel, a.cfg.RxChannel
	a.spi.StartDMA(4, 8, 4, 8)
	err := a.dma.Start(tx, a.chain.TxStart)
	if err == nil {
		err = a.dma.Start(rx, a.chain.RxStart)
	}
	if err == nil {
		err = a.dma.Wait(rx, a.Retries, a.Delay)
	}
	a.dma.Reset(tx)
	a.dma.Reset(rx)
	a.dma.Disable(tx)
	a.dma.Disable(rx)
	a.spi.StopDMA()
	if err != nil {
		return nil, err
	}
	ofs := a.chain.RxOffset
	return append([]byte(nil), a.buf.Virt[ofs:ofs+a.chain.TotalBytes]...), nil
}

// Buffers captures and decodes one sweep
func (a *SerialADC) Buffers() ([][]decode.Sample, error) {
	raw, err := a.Capture()
	if err != nil {
		return nil, err
	}
	return [][]decode.Sample{decode.Serial12(raw, a.cfg.VRef.Lo, a.cfg.VRef.Hi)}, nil
}

// VRef returns the input span
func (a *SerialADC) VRef() VRef {
	return a.cfg.VRef
}

// Close frees the capture buffer and control blocks and restores SPI0
func (a *SerialADC) Close() error {
	a.Lock()
	defer a.Unlock()
	a.running = false
	err := a.hw.Alloc.FreeBlock(&a.buf)
	if e := a.dma.Close(); err == nil {
		err = e
	}
	if e := a.spi.Close(); err == nil {
		err = e
	}
	return err
}
