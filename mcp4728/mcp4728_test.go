package mcp4728_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/mcp4728"
)

func ExampleNew() {
	var bus bytes.Buffer
	mcp4728.New(&bus, 3.3)
	fmt.Printf("% x\n", bus.Bytes())
	// Output: 40 80 00 42 80 00 44 80 00 46 80 00
}

func newDAC(t *testing.T, vdd float64) (*mcp4728.DAC, *bytes.Buffer) {
	t.Helper()
	var bus bytes.Buffer
	d, err := mcp4728.New(&bus, vdd)
	if err != nil {
		t.Fatal(err)
	}
	bus.Reset()
	return d, &bus
}

func code(cmd []byte) int {
	return int(cmd[1]&0x0F)<<8 | int(cmd[2])
}

func TestReferenceSelection(t *testing.T) {
	d, bus := newDAC(t, 3.3)
	tests := []struct {
		ch       int
		v        float64
		autoRef  bool
		vref     byte
		gain     byte
		lo, hi   int
		describe string
	}{
		{0, 1, true, 1, 0, 1999, 2000, "internal reference"},
		{2, 3, true, 1, 1, 2999, 3000, "internal reference with gain"},
		{1, 1.65, false, 0, 0, 2047, 2048, "VDD reference"},
	}
	for _, tt := range tests {
		bus.Reset()
		d.AutoRef = tt.autoRef
		if err := d.Output(tt.ch, tt.v); err != nil {
			t.Fatalf("%s: %v", tt.describe, err)
		}
		cmd := bus.Bytes()
		if len(cmd) != 3 {
			t.Fatalf("%s: expected one 3 byte command, got % x", tt.describe, cmd)
		}
		if cmd[0] != 0x40|byte(tt.ch)<<1 {
			t.Errorf("%s: expected command byte %#x got %#x", tt.describe, 0x40|tt.ch<<1, cmd[0])
		}
		if cmd[1]>>7 != tt.vref || cmd[1]>>4&1 != tt.gain {
			t.Errorf("%s: expected vref %d gain %d, got % x", tt.describe, tt.vref, tt.gain, cmd)
		}
		if c := code(cmd); c < tt.lo || c > tt.hi {
			t.Errorf("%s: expected code in [%d, %d] got %d", tt.describe, tt.lo, tt.hi, c)
		}
	}
}

func TestOnlyChangedChannelsWritten(t *testing.T) {
	d, bus := newDAC(t, 3.3)
	one, two := 1., 2.
	if err := d.SetVoltages([4]*float64{nil, &one, nil, &two}); err != nil {
		t.Fatal(err)
	}
	if bus.Len() != 6 || bus.Bytes()[0] != 0x42 || bus.Bytes()[3] != 0x46 {
		t.Errorf("expected commands for channels 1 and 3, got % x", bus.Bytes())
	}
	bus.Reset()
	zero := 0.
	d.SetVoltages([4]*float64{&zero, &one, nil, nil})
	if bus.Len() != 0 {
		t.Errorf("expected nothing written for unchanged channels, got % x", bus.Bytes())
	}
	if diff := cmp.Diff([4]float64{0, 1, 0, 2}, d.Voltages()); diff != "" {
		t.Errorf("voltages mismatch (-want +got):\n%s", diff)
	}
}

func TestFullScale(t *testing.T) {
	d, bus := newDAC(t, 3.3)
	if err := d.Output(0, d.Max()); err != nil {
		t.Fatal(err)
	}
	if c := code(bus.Bytes()); c < 4094 {
		t.Errorf("expected a full scale code, got %d", c)
	}
}

func TestOverRange(t *testing.T) {
	d, bus := newDAC(t, 3.3)
	five, one := 5., 1.
	err := d.SetVoltages([4]*float64{&one, &five, nil, nil})
	if !errors.Is(err, bcm.ErrRange) {
		t.Errorf("expected ErrRange for 5 V, got %v", err)
	}
	if bus.Len() != 0 {
		t.Errorf("expected nothing written, got % x", bus.Bytes())
	}
	if err := d.Output(0, -0.1); !errors.Is(err, bcm.ErrRange) {
		t.Errorf("expected ErrRange for a negative voltage, got %v", err)
	}
	if err := d.Output(4, 1); !errors.Is(err, bcm.ErrIndex) {
		t.Errorf("expected ErrIndex for channel 4, got %v", err)
	}
}

func TestDataNumbers(t *testing.T) {
	d, bus := newDAC(t, 3.3)
	if err := d.OutputMultiDN16([]int{0, 3}, []uint16{100, 4095}); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x40, 0x00, 0x64, 0x46, 0x0F, 0xFF}
	if !bytes.Equal(bus.Bytes(), want) {
		t.Errorf("expected % x got % x", want, bus.Bytes())
	}
	if err := d.OutputDN16(1, 4096); !errors.Is(err, bcm.ErrRange) {
		t.Errorf("expected ErrRange for code 4096, got %v", err)
	}
	if err := d.OutputMulti([]int{0, 1}, []float64{1}); !errors.Is(err, bcm.ErrConfig) {
		t.Errorf("expected ErrConfig for mismatched lengths, got %v", err)
	}
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) - 1, nil }

func TestShortWrite(t *testing.T) {
	if _, err := mcp4728.New(shortWriter{}, 3.3); !errors.Is(err, bcm.ErrProtocol) {
		t.Errorf("expected ErrProtocol on a short write, got %v", err)
	}
}

func TestMultiRange(t *testing.T) {
	d, _ := newDAC(t, 2)
	m := mcp4728.NewMultiRange(d)
	if err := m.SetVoltages(0, 2, -1, 0); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([4]float64{1, 1, 2, 2}, d.Voltages()); diff != "" {
		t.Errorf("DAC voltages mismatch (-want +got):\n%s", diff)
	}
	if err := m.Output(1, 0.5); !errors.Is(err, bcm.ErrRange) {
		t.Errorf("expected ErrRange above a negative stage, got %v", err)
	}
	if err := m.Output(0, -2); err != nil {
		t.Errorf("expected -2 V in range of a bipolar stage, got %v", err)
	}
	if v := d.Voltages()[0]; v != 0 {
		t.Errorf("expected the DAC at 0 V, got %g", v)
	}
}
