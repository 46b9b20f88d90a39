// Package adc captures analog waveforms through the DMA-driven serial and
// parallel interfaces, or by polling SPI from a dedicated thread.
package adc

import (
	"fmt"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/clock"
	"github.com/nasa-jpl/piscope/bcm/gpio"
	"github.com/nasa-jpl/piscope/bcm/mmio"
	"github.com/nasa-jpl/piscope/decode"
	"github.com/nasa-jpl/piscope/trigger"
)

// Sampler is an ADC front end
type Sampler interface {
	// Configure sizes the capture and sets the sample rate, returning the
	// rate actually achieved
	Configure(samples int, rateHz float64) (float64, error)

	// Start begins sampling
	Start() error

	// Stop ends sampling
	Stop() error

	// Samples returns the configured capture length
	Samples() int

	// RateHz returns the realized sample rate, 0 before Configure
	RateHz() float64

	// Buffers captures and decodes one sweep, one slice per active channel
	Buffers() ([][]decode.Sample, error)

	// Capture returns the raw bytes of one sweep
	Capture() ([]byte, error)
}

// ChannelToggler is a Sampler with switchable channels
type ChannelToggler interface {
	ToggleChannel(ch int) error
	ActiveChannels() []bool
}

// Hardware is what a Sampler is built on.  Its members are shared and owned
// by the caller; Samplers close only what they open themselves.
type Hardware struct {
	Info   *addrspace.Info
	Mapper mmio.Mapper
	Alloc  mmio.Allocator

	// GPIO, when set, is used to switch the ADC pins to their peripheral
	GPIO *gpio.GPIO

	// Clock drives the SMI clock of a ParallelADC
	Clock *clock.Manager
}

// Sweep is one triggered capture
type Sweep struct {
	Buffers [][]decode.Sample `json:"buffers"`
	Levels  trigger.Levels    `json:"levels"`
	Trigger trigger.Result    `json:"trigger"`
}

// Acquire captures from s and searches the first channel for an edge,
// ignoring the first skip samples.  A nil lv sets the levels from the span
// of the searched samples.  Nothing is captured when skip covers the whole
// sweep.
func Acquire(s Sampler, m trigger.Mode, lv *trigger.Levels, skip int) (Sweep, error) {
	sw := Sweep{Trigger: trigger.Result{Start: -1}}
	if skip < 0 {
		skip = 0
	}
	if skip >= s.Samples() {
		return sw, nil
	}
	bufs, err := s.Buffers()
	if err != nil {
		return sw, err
	}
	sw.Buffers = bufs
	if len(bufs) == 0 || len(bufs[0]) <= skip || m == trigger.None {
		return sw, nil
	}
	if lv != nil {
		sw.Levels = *lv
	} else {
		sw.Levels = trigger.Auto(bufs[0][skip:])
	}
	sw.Trigger = trigger.Search(bufs[0], m, sw.Levels, skip)
	return sw, nil
}

// SettleSkip is the number of samples to ignore at the head of a capture at
// rateHz, covering the first 15 us in which fast captures are unreliable
func SettleSkip(rateHz float64) int {
	return int(15e-6 * rateHz)
}

// Rate limits of the parallel interface
const (
	MinRate  = 1_000_000
	MaxRate  = 50_000_000
	RateStep = 10_000
)

// RateTable lists the sample rates the parallel interface realizes exactly
// from PLLD.  The top rate needs the full bus for one channel.
func RateTable(active int) []float64 {
	var out []float64
	for r := MinRate; r <= MaxRate; r += RateStep {
		if bcm.PLLDHz%r != 0 {
			continue
		}
		if r == MaxRate && active > 1 {
			continue
		}
		out = append(out, float64(r))
	}
	return out
}

func checkSize(samples int, rateHz float64) error {
	if samples <= 0 || rateHz <= 0 {
		return fmt.Errorf("capture of %d samples at %g Hz: %w", samples, rateHz, bcm.ErrConfig)
	}
	return nil
}
