package adc

import (
	"fmt"
	"sync"
	"time"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/clock"
	"github.com/nasa-jpl/piscope/bcm/dma"
	"github.com/nasa-jpl/piscope/bcm/gpio"
	"github.com/nasa-jpl/piscope/bcm/mmio"
	"github.com/nasa-jpl/piscope/bcm/smi"
	"github.com/nasa-jpl/piscope/chain"
	"github.com/nasa-jpl/piscope/decode"
)

// ParallelConfig sets up a ParallelADC
type ParallelConfig struct {
	// VDD is the full scale input
	VDD float64

	// Channels is the number of 8-bit converters on the bus, 1 or 2
	Channels int

	// DMAChannel drains the SMI FIFO
	DMAChannel int

	// Source feeds the SMI clock
	Source clock.Source
}

// DefaultParallelConfig is two 8-bit converters on a 3.3 V supply
var DefaultParallelConfig = ParallelConfig{
	VDD:        3.3,
	Channels:   2,
	DMAChannel: 5,
	Source:     clock.PLLD,
}

// parallelMaxTotal is the largest single block the capture uses
const parallelMaxTotal = 65536

// SMI pins: the read strobe, then eight data lines
var parallelPins = []int{6, 8, 9, 10, 11, 12, 13, 14, 15}

// ParallelADC captures one or two 8-bit converters over the SMI bus with a
// single DMA block.  With only the first channel active the bus is 8 bits
// wide and two samples pack into each FIFO entry; otherwise it is 16 bits
// wide with one byte per channel.
type ParallelADC struct {
	sync.Mutex

	// Retries and Delay bound the wait for a capture; zero uses the
	// dma package defaults
	Retries int
	Delay   time.Duration

	cfg     ParallelConfig
	hw      Hardware
	smi     *smi.SMI
	dma     *dma.Engine
	buf     mmio.Block
	chain   chain.Chain
	active  []bool
	samples int
	rate    float64
	timing  smi.Timing
	running bool
}

// NewParallel opens the SMI block and a DMA engine.  No channel is active
// until toggled on.
func NewParallel(hw Hardware, cfg ParallelConfig) (*ParallelADC, error) {
	if cfg.Channels < 1 || cfg.Channels > 2 {
		return nil, fmt.Errorf("parallel ADC with %d channels, only 1 or 2 are supported: %w", cfg.Channels, bcm.ErrConfig)
	}
	if hw.Clock == nil {
		return nil, fmt.Errorf("parallel ADC needs a clock manager: %w", bcm.ErrConfig)
	}
	if hw.GPIO != nil {
		if err := hw.GPIO.SetModes(gpio.Alt1, parallelPins...); err != nil {
			return nil, err
		}
	}
	s, err := smi.Open(hw.Info, hw.Mapper, hw.Clock)
	if err != nil {
		return nil, err
	}
	e, err := dma.Open(hw.Info, hw.Mapper, hw.Alloc)
	if err != nil {
		s.Close()
		return nil, err
	}
	return &ParallelADC{cfg: cfg, hw: hw, smi: s, dma: e, active: make([]bool, cfg.Channels)}, nil
}

func (a *ParallelADC) highest() int {
	h := -1
	for i, on := range a.active {
		if on {
			h = i
		}
	}
	return h
}

func (a *ParallelADC) nActive() int {
	n := 0
	for _, on := range a.active {
		if on {
			n++
		}
	}
	return n
}

func (a *ParallelADC) width() smi.Width {
	if a.highest() < 1 {
		return smi.Width8
	}
	return smi.Width16
}

// Configure sizes the capture and, when the rate changes, recalibrates the
// SMI timing.  It returns the realized rate.
func (a *ParallelADC) Configure(samples int, rateHz float64) (float64, error) {
	if err := checkSize(samples, rateHz); err != nil {
		return 0, err
	}
	a.Lock()
	defer a.Unlock()
	if rateHz != a.rate {
		t, err := a.smi.SetupTiming(rateHz, a.cfg.Source)
		if err != nil {
			return 0, err
		}
		a.timing, a.rate = t, rateHz
	}
	a.smi.SetupDevice(a.width(), 0, true)
	if samples != a.samples {
		if err := a.rebuild(samples); err != nil {
			return 0, err
		}
	}
	return a.timing.RateHz, nil
}

func (a *ParallelADC) rebuild(samples int) error {
	l := chain.Layout{
		Samples:        samples,
		BytesPerSample: a.width().Bytes(),
		Packed:         a.width() == smi.Width8,
		BlockMax:       parallelMaxTotal,
		MaxTotal:       parallelMaxTotal,
	}
	if l.Total() > parallelMaxTotal {
		return fmt.Errorf("parallel capture of %d bytes exceeds %d: %w", l.Total(), parallelMaxTotal, bcm.ErrConfig)
	}
	buf := a.buf
	fresh := samples != a.samples || buf.Handle == 0
	if fresh {
		var err error
		// room for the wide layout, so toggling channels never reallocates
		buf, err = a.hw.Alloc.AllocBlock(2*samples+2, a.hw.Info.PageSize)
		if err != nil {
			return err
		}
	}
	src := chain.Source{RxBus: a.smi.DataBus(), RxPermap: dma.PermapSMI}
	c, err := chain.Build(a.dma, &buf, l, src, nil)
	if err != nil {
		if fresh {
			a.hw.Alloc.FreeBlock(&buf)
		}
		return err
	}
	if fresh {
		a.hw.Alloc.FreeBlock(&a.buf)
	}
	a.buf, a.chain, a.samples = buf, c, samples
	return nil
}

// ToggleChannel switches channel ch on or off.  A change in the widest
// active channel switches the bus width and rebuilds the chain.
func (a *ParallelADC) ToggleChannel(ch int) error {
	a.Lock()
	defer a.Unlock()
	if ch < 0 || ch >= len(a.active) {
		return fmt.Errorf("parallel ADC channel %d of %d: %w", ch, len(a.active), bcm.ErrConfig)
	}
	pre := a.highest()
	a.active[ch] = !a.active[ch]
	a.smi.SetupDevice(a.width(), 0, true)
	if a.highest() != pre && a.samples > 0 {
		return a.rebuild(a.samples)
	}
	return nil
}

// ActiveChannels reports which channels are on
func (a *ParallelADC) ActiveChannels() []bool {
	a.Lock()
	defer a.Unlock()
	return append([]bool(nil), a.active...)
}

// Start marks the ADC running
func (a *ParallelADC) Start() error {
	a.Lock()
	defer a.Unlock()
	if a.samples == 0 {
		return fmt.Errorf("parallel ADC started before Configure: %w", bcm.ErrConfig)
	}
	a.running = true
	return nil
}

// Stop marks the ADC idle
func (a *ParallelADC) Stop() error {
	a.Lock()
	defer a.Unlock()
	a.running = false
	return nil
}

// Samples returns the configured capture length
func (a *ParallelADC) Samples() int {
	a.Lock()
	defer a.Unlock()
	return a.samples
}

// RateHz returns the realized sample rate
func (a *ParallelADC) RateHz() float64 {
	a.Lock()
	defer a.Unlock()
	return a.timing.RateHz
}

// Timing returns the SMI timing in use
func (a *ParallelADC) Timing() smi.Timing {
	a.Lock()
	defer a.Unlock()
	return a.timing
}

// Capture reads one sweep off the bus.  With no channel active nothing is
// read and the result is empty.
func (a *ParallelADC) Capture() ([]byte, error) {
	a.Lock()
	defer a.Unlock()
	return a.capture()
}

func (a *ParallelADC) capture() ([]byte, error) {
	if a.samples == 0 {
		return nil, fmt.Errorf("parallel capture before Configure: %w", bcm.ErrConfig)
	}
	if a.nActive() == 0 {
		return nil, nil
	}
	ch := a.cfg.DMAChannel
	a.smi.StartXfer(uint32(a.samples), true)
	err := a.dma.Start(ch, a.chain.RxStart)
	if err == nil {
		err = a.dma.Wait(ch, a.Retries, a.Delay)
	}
	a.smi.StopXfer()
	if err != nil {
		a.dma.Reset(ch)
		return nil, err
	}
	return append([]byte(nil), a.buf.Virt[:a.chain.TotalBytes]...), nil
}

// Buffers captures and decodes one sweep, one slice per active channel
func (a *ParallelADC) Buffers() ([][]decode.Sample, error) {
	a.Lock()
	defer a.Unlock()
	raw, err := a.capture()
	if err != nil || raw == nil {
		return [][]decode.Sample{}, err
	}
	words := decode.Words16(raw)
	if a.highest() == 0 {
		return [][]decode.Sample{decode.Packed8(words, a.samples, a.cfg.VDD)}, nil
	}
	var out [][]decode.Sample
	for ch, on := range a.active {
		if on {
			out = append(out, decode.Wide8(words, a.samples, ch, a.cfg.VDD))
		}
	}
	return out, nil
}

// VDD returns the full scale input
func (a *ParallelADC) VDD() float64 {
	return a.cfg.VDD
}

// Close frees the capture buffer and control blocks and disables SMI.  The
// SMI clock belongs to the Hardware's clock manager.
func (a *ParallelADC) Close() error {
	a.Lock()
	defer a.Unlock()
	a.running = false
	err := a.hw.Alloc.FreeBlock(&a.buf)
	if e := a.dma.Close(); err == nil {
		err = e
	}
	if e := a.smi.Close(); err == nil {
		err = e
	}
	return err
}
