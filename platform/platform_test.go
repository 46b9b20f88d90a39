package platform_test

import (
	"math"
	"testing"

	"github.com/nasa-jpl/piscope/adc"
	"github.com/nasa-jpl/piscope/platform"
)

func TestMockSerialCapture(t *testing.T) {
	p, err := platform.Open(platform.Config{Mock: true})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	p.Clock.Settle = 0
	cfg := adc.DefaultSerialConfig
	cfg.VRef = adc.VRef{Lo: -1, Hi: 1}
	a, err := adc.NewSerial(p.Hardware(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if _, err := a.Configure(200, 1e6); err != nil {
		t.Fatal(err)
	}
	bufs, err := a.Buffers()
	if err != nil {
		t.Fatal(err)
	}
	s := bufs[0]
	if math.Abs(s[0].Value) > 0.01 || math.Abs(s[25].Value-1) > 0.01 || math.Abs(s[75].Value+1) > 0.01 {
		t.Errorf("expected a sine through 0, 1 and -1, got %g %g %g", s[0].Value, s[25].Value, s[75].Value)
	}
}

func TestMockParallelCapture(t *testing.T) {
	p, err := platform.Open(platform.Config{Mock: true})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	p.Clock.Settle = 0
	cfg := adc.DefaultParallelConfig
	cfg.VDD = 255
	a, err := adc.NewParallel(p.Hardware(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	a.ToggleChannel(0)
	if _, err := a.Configure(200, 10e6); err != nil {
		t.Fatal(err)
	}
	bufs, err := a.Buffers()
	if err != nil {
		t.Fatal(err)
	}
	s := bufs[0]
	if s[25].Value != 255 || s[75].Value != 0 {
		t.Errorf("expected the sine peak and trough at 25 and 75, got %g and %g", s[25].Value, s[75].Value)
	}
}

func TestMissingDeviceTree(t *testing.T) {
	_, err := platform.Open(platform.Config{DeviceTree: t.TempDir(), Transport: "vcio"})
	if err == nil {
		t.Fatal("expected an error without a device tree")
	}
}
