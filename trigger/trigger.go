// Package trigger finds edges in a decoded capture, the way an oscilloscope
// aligns successive sweeps.
package trigger

import (
	"fmt"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/decode"
)

// Mode selects the edge to look for
type Mode int

const (
	// None never triggers
	None Mode = iota

	// Rising triggers when the signal climbs from Low to High
	Rising

	// Falling triggers when the signal drops from High to Low
	Falling
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Rising:
		return "rising_edge"
	case Falling:
		return "falling_edge"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a mode name such as "rising_edge" to a Mode
func ParseMode(s string) (Mode, error) {
	for m := None; m <= Falling; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return None, fmt.Errorf("unknown trigger mode %q: %w", s, bcm.ErrConfig)
}

// Levels are the two thresholds an edge must cross
type Levels struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Auto places the thresholds at 20% and 80% of the span of samples
func Auto(samples []decode.Sample) Levels {
	if len(samples) == 0 {
		return Levels{}
	}
	lo, hi := samples[0].Value, samples[0].Value
	for _, s := range samples[1:] {
		if s.Value < lo {
			lo = s.Value
		}
		if s.Value > hi {
			hi = s.Value
		}
	}
	span := hi - lo
	return Levels{Low: lo + 0.2*span, High: lo + 0.8*span}
}

// Result is the outcome of a Search
type Result struct {
	// Triggered is true when a full edge was found
	Triggered bool `json:"triggered"`

	// Start is the last sample at or beyond the leading threshold before
	// the edge completed, -1 when there was none
	Start int `json:"start"`
}

// Search scans samples from skip for an edge.  A rising edge starts at any
// sample at or below Low and completes at the next sample at or above High;
// a falling edge is the mirror image.  skip is clamped to the samples.
func Search(samples []decode.Sample, m Mode, lv Levels, skip int) Result {
	r := Result{Start: -1}
	if skip < 0 {
		skip = 0
	}
	if skip > len(samples) {
		skip = len(samples)
	}
	for i := skip; i < len(samples) && m != None; i++ {
		v := samples[i].Value
		var lead, done bool
		if m == Rising {
			lead, done = v <= lv.Low, v >= lv.High
		} else {
			lead, done = v >= lv.High, v <= lv.Low
		}
		if lead {
			r.Start = i
		}
		if done && r.Start >= 0 {
			r.Triggered = true
			break
		}
	}
	return r
}

// Rebase shifts timestamps so the sample at start is time zero.  It returns
// ts unchanged when start is outside it.
func Rebase(ts []float64, start int) []float64 {
	if start < 0 || start >= len(ts) {
		return ts
	}
	out := make([]float64, len(ts))
	t0 := ts[start]
	for i, t := range ts {
		out[i] = t - t0
	}
	return out
}
