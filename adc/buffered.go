package adc

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/armtimer"
	"github.com/nasa-jpl/piscope/bcm/spi"
	"github.com/nasa-jpl/piscope/decode"
)

// BufferedConfig sets up a BufferedADC
type BufferedConfig struct {
	// VDD is the full scale input
	VDD float64

	// Flags are written to the SPI CS register
	Flags uint32

	// SPIHz is the SPI clock until Configure sets a rate
	SPIHz float64

	// CPU is the core the sampling thread is pinned to
	CPU int

	// Realtime pins the sampling thread and runs it SCHED_FIFO
	Realtime bool

	// UseARMTimer stamps samples with the ARM timer instead of the
	// system counter
	UseARMTimer bool
}

// DefaultBufferedConfig polls an ADS7884 style ADC from core 3
var DefaultBufferedConfig = BufferedConfig{
	VDD:      3.3,
	Flags:    spi.CsCPHA,
	SPIHz:    16e6,
	CPU:      3,
	Realtime: true,
}

// BufferedADC polls a serial ADC from a goroutine locked to its own thread
// and keeps the latest samples and their timestamps in a ring.  Buffers
// returns a snapshot of the ring and never starts a capture of its own.
type BufferedADC struct {
	sync.Mutex

	cfg   BufferedConfig
	hw    Hardware
	spi   *spi.SPI
	timer *armtimer.Timer
	epoch time.Time

	// ring, guarded by the mutex
	codes []uint16
	ts    []float64
	rate  float64

	stop    int32
	g       *errgroup.Group
	running bool
}

// NewBuffered opens SPI0 for polling
func NewBuffered(hw Hardware, cfg BufferedConfig) (*BufferedADC, error) {
	if hw.GPIO != nil {
		if err := spi.ConfigurePins(hw.GPIO); err != nil {
			return nil, err
		}
	}
	s, err := spi.Open(hw.Info, hw.Mapper, cfg.SPIHz, cfg.Flags)
	if err != nil {
		return nil, err
	}
	a := &BufferedADC{cfg: cfg, hw: hw, spi: s, epoch: time.Now()}
	if cfg.UseARMTimer {
		if err := a.SetUseARMTimer(true); err != nil {
			s.Close()
			return nil, err
		}
	}
	return a, nil
}

// Configure sizes the ring and sets the SPI clock to 16 clocks per sample.
// The rate is an upper bound; polling adds a gap between samples.  The ADC
// must be stopped.
func (a *BufferedADC) Configure(samples int, rateHz float64) (float64, error) {
	if err := checkSize(samples, rateHz); err != nil {
		return 0, err
	}
	a.Lock()
	defer a.Unlock()
	if a.running {
		return 0, fmt.Errorf("buffered ADC reconfigured while sampling: %w", bcm.ErrConfig)
	}
	hz, err := a.spi.SetClock(serialClocks * rateHz)
	if err != nil {
		return 0, err
	}
	a.codes = make([]uint16, samples)
	a.ts = make([]float64, samples)
	a.rate = hz / serialClocks
	return a.rate, nil
}

// RateHz returns the configured upper bound on the sample rate
func (a *BufferedADC) RateHz() float64 {
	a.Lock()
	defer a.Unlock()
	return a.rate
}

// SetUseARMTimer selects the ARM timer (250 MHz) or the system counter
// (19.2 MHz) for timestamps.  It may not be changed while sampling.
func (a *BufferedADC) SetUseARMTimer(use bool) error {
	a.Lock()
	defer a.Unlock()
	if a.running {
		return fmt.Errorf("timestamp source changed while sampling: %w", bcm.ErrConfig)
	}
	if use && a.timer == nil {
		t, err := armtimer.Open(a.hw.Info, a.hw.Mapper)
		if err != nil {
			return err
		}
		a.timer = t
	}
	if a.timer != nil {
		if use {
			a.timer.Start()
		} else {
			a.timer.Stop()
		}
	}
	a.cfg.UseARMTimer = use
	return nil
}

// UseARMTimer reports the timestamp source
func (a *BufferedADC) UseARMTimer() bool {
	a.Lock()
	defer a.Unlock()
	return a.cfg.UseARMTimer
}

// ticks reads the timestamp counter
func (a *BufferedADC) ticks() uint64 {
	if a.cfg.UseARMTimer {
		return uint64(a.timer.Count())
	}
	// the system counter runs at the crystal rate
	return uint64(float64(time.Since(a.epoch).Nanoseconds()) * bcm.OscHz / 1e9)
}

// seconds converts a tick difference to seconds
func (a *BufferedADC) seconds(start, now uint64) float64 {
	if a.cfg.UseARMTimer {
		return armtimer.Seconds(uint32(now) - uint32(start))
	}
	return float64(now-start) / bcm.OscHz
}

// Start launches the sampling thread.  Starting twice is a no-op.
func (a *BufferedADC) Start() error {
	a.Lock()
	defer a.Unlock()
	if a.running {
		return nil
	}
	if len(a.codes) == 0 {
		return fmt.Errorf("buffered ADC started before Configure: %w", bcm.ErrConfig)
	}
	atomic.StoreInt32(&a.stop, 0)
	ready := make(chan error, 1)
	a.g = &errgroup.Group{}
	a.g.Go(func() error { return a.worker(ready) })
	if err := <-ready; err != nil {
		a.g.Wait()
		return err
	}
	a.running = true
	return nil
}

func (a *BufferedADC) worker(ready chan<- error) error {
	// the thread dies with the goroutine, so its priority never leaks
	runtime.LockOSThread()
	if a.cfg.Realtime {
		if err := realtime(a.cfg.CPU); err != nil {
			ready <- err
			return err
		}
	}
	// Start holds the lock until ready is answered
	n := len(a.codes)
	ready <- nil

	var start uint64
	tx := []byte{0, 0}
	for pos := 0; atomic.LoadInt32(&a.stop) == 0; pos = (pos + 1) % n {
		if pos == 0 {
			start = a.ticks()
		}
		rx, err := a.spi.Xfer(tx)
		if err != nil {
			return err
		}
		now := a.ticks()
		a.Lock()
		a.codes[pos] = uint16(rx[0])<<4 | uint16(rx[1])>>4
		a.ts[pos] = a.seconds(start, now)
		a.Unlock()
	}
	return nil
}

// Stop signals the sampling thread and waits for it to exit, returning any
// error it stopped on
func (a *BufferedADC) Stop() error {
	a.Lock()
	if !a.running {
		a.Unlock()
		return nil
	}
	atomic.StoreInt32(&a.stop, 1)
	g := a.g
	a.Unlock()
	err := g.Wait()
	a.Lock()
	a.running = false
	a.Unlock()
	return err
}

// Samples returns the ring length
func (a *BufferedADC) Samples() int {
	a.Lock()
	defer a.Unlock()
	return len(a.codes)
}

// Buffers decodes a snapshot of the ring.  It fails unless sampling.
func (a *BufferedADC) Buffers() ([][]decode.Sample, error) {
	a.Lock()
	defer a.Unlock()
	if !a.running {
		return nil, fmt.Errorf("buffers read before sampling started: %w", bcm.ErrConfig)
	}
	out := make([]decode.Sample, len(a.codes))
	for i, c := range a.codes {
		out[i] = decode.Sample{Value: a.cfg.VDD * float64(c) / 1024, Index: i}
	}
	return [][]decode.Sample{out}, nil
}

// Timestamps returns a snapshot of the sample times in seconds from the
// start of each pass over the ring
func (a *BufferedADC) Timestamps() ([]float64, error) {
	a.Lock()
	defer a.Unlock()
	if !a.running {
		return nil, fmt.Errorf("timestamps read before sampling started: %w", bcm.ErrConfig)
	}
	return append([]float64(nil), a.ts...), nil
}

// Capture returns the ring's raw codes as little-endian 16-bit words
func (a *BufferedADC) Capture() ([]byte, error) {
	a.Lock()
	defer a.Unlock()
	if !a.running {
		return nil, fmt.Errorf("capture before sampling started: %w", bcm.ErrConfig)
	}
	raw := make([]byte, 2*len(a.codes))
	for i, c := range a.codes {
		binary.LittleEndian.PutUint16(raw[2*i:], c)
	}
	return raw, nil
}

// Close stops sampling and restores SPI0 and the ARM timer
func (a *BufferedADC) Close() error {
	err := a.Stop()
	a.Lock()
	defer a.Unlock()
	if a.timer != nil {
		if e := a.timer.Close(); err == nil {
			err = e
		}
	}
	if e := a.spi.Close(); err == nil {
		err = e
	}
	return err
}
