package mcp4728

import (
	"fmt"

	"github.com/nasa-jpl/piscope/bcm"
)

// Range is the span of an output stage
type Range struct {
	Lo, Hi float64
}

// MultiRange puts op-amp stages after the DAC.  Channels 0 and 3 feed
// bipolar stages spanning [-VDD, VDD]; channels 1 and 2 feed inverting
// stages spanning [-VDD, 0].  Voltages given to it are stage outputs.
type MultiRange struct {
	DAC *DAC

	// Stages is the output span of each channel
	Stages [Channels]Range

	dac Range
}

// NewMultiRange wraps d with the board's stage layout
func NewMultiRange(d *DAC) *MultiRange {
	vdd := d.vdd
	bipolar := Range{Lo: -vdd, Hi: vdd}
	negative := Range{Lo: -vdd, Hi: 0}
	return &MultiRange{
		DAC:    d,
		Stages: [Channels]Range{bipolar, negative, negative, bipolar},
		dac:    Range{Lo: 0, Hi: vdd},
	}
}

// Map converts a stage output v in r to the DAC voltage that produces it
func (m *MultiRange) Map(v float64, r Range) (float64, error) {
	if v < r.Lo || v > r.Hi || r.Hi <= r.Lo {
		return 0, fmt.Errorf("output of %g V outside [%g, %g]: %w", v, r.Lo, r.Hi, bcm.ErrRange)
	}
	x := (v-r.Lo)/(r.Hi-r.Lo)*(m.dac.Hi-m.dac.Lo) + m.dac.Lo
	if x < m.dac.Lo || x > m.dac.Hi {
		return 0, fmt.Errorf("DAC voltage %g V outside [%g, %g]: %w", x, m.dac.Lo, m.dac.Hi, bcm.ErrRange)
	}
	return x, nil
}

// SetVoltages sets all four stage outputs at once
func (m *MultiRange) SetVoltages(bipolarA, bipolarB, negativeA, negativeB float64) error {
	out := [Channels]float64{bipolarA, negativeA, negativeB, bipolarB}
	var in [Channels]*float64
	for ch := range out {
		x, err := m.Map(out[ch], m.Stages[ch])
		if err != nil {
			return err
		}
		in[ch] = &x
	}
	return m.DAC.SetVoltages(in)
}

// Output sets one stage output
func (m *MultiRange) Output(ch int, v float64) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	x, err := m.Map(v, m.Stages[ch])
	if err != nil {
		return err
	}
	return m.DAC.Output(ch, x)
}

// OutputDN16 writes a raw code, bypassing the stage mapping
func (m *MultiRange) OutputDN16(ch int, dn uint16) error {
	return m.DAC.OutputDN16(ch, dn)
}
