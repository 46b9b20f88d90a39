package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-yaml/yaml"

	"github.com/nasa-jpl/piscope/adc"
	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/clock"
	"github.com/nasa-jpl/piscope/bcm/mailbox"
	"github.com/nasa-jpl/piscope/mcp4728"
	"github.com/nasa-jpl/piscope/platform"
)

type mbox struct {
	// Transport is vcio or fifo
	Transport string `koanf:"Transport" yaml:"Transport"`

	// TimeoutMs bounds each firmware wait of the fifo transport
	TimeoutMs int `koanf:"TimeoutMs" yaml:"TimeoutMs"`
}

type capture struct {
	// Samples is the capture length set at bootup
	Samples int `koanf:"Samples" yaml:"Samples"`

	// RateHz is the sample rate requested at bootup
	RateHz float64 `koanf:"RateHz" yaml:"RateHz"`
}

type serial struct {
	Enabled   bool     `koanf:"Enabled" yaml:"Enabled"`
	Endpoint  string   `koanf:"Endpoint" yaml:"Endpoint"`
	VRef      adc.VRef `koanf:"VRef" yaml:"VRef"`
	BlockSize int      `koanf:"BlockSize" yaml:"BlockSize"`
	TxChannel int      `koanf:"TxChannel" yaml:"TxChannel"`
	RxChannel int      `koanf:"RxChannel" yaml:"RxChannel"`
	Bootup    capture  `koanf:"Bootup" yaml:"Bootup"`
}

type parallel struct {
	Enabled    bool    `koanf:"Enabled" yaml:"Enabled"`
	Endpoint   string  `koanf:"Endpoint" yaml:"Endpoint"`
	VDD        float64 `koanf:"VDD" yaml:"VDD"`
	Channels   int     `koanf:"Channels" yaml:"Channels"`
	DMAChannel int     `koanf:"DMAChannel" yaml:"DMAChannel"`

	// Source is the clock feeding the SMI block, e.g. PLLD
	Source string `koanf:"Source" yaml:"Source"`

	// Active lists the channels switched on at bootup
	Active []int   `koanf:"Active" yaml:"Active"`
	Bootup capture `koanf:"Bootup" yaml:"Bootup"`
}

type buffered struct {
	Enabled     bool    `koanf:"Enabled" yaml:"Enabled"`
	Endpoint    string  `koanf:"Endpoint" yaml:"Endpoint"`
	VDD         float64 `koanf:"VDD" yaml:"VDD"`
	SPIHz       float64 `koanf:"SPIHz" yaml:"SPIHz"`
	CPU         int     `koanf:"CPU" yaml:"CPU"`
	Realtime    bool    `koanf:"Realtime" yaml:"Realtime"`
	UseARMTimer bool    `koanf:"UseARMTimer" yaml:"UseARMTimer"`
	Bootup      capture `koanf:"Bootup" yaml:"Bootup"`
}

type dac struct {
	Enabled  bool    `koanf:"Enabled" yaml:"Enabled"`
	Endpoint string  `koanf:"Endpoint" yaml:"Endpoint"`
	Bus      string  `koanf:"Bus" yaml:"Bus"`
	Address  int     `koanf:"Address" yaml:"Address"`
	VDD      float64 `koanf:"VDD" yaml:"VDD"`

	// AutoRef lets low voltages use the 2.048 V internal reference
	AutoRef bool `koanf:"AutoRef" yaml:"AutoRef"`

	// MultiRange maps voltages through the bipolar and inverting output
	// stages
	MultiRange bool `koanf:"MultiRange" yaml:"MultiRange"`
}

type recorder struct {
	// Root is the root folder to write to
	Root string `koanf:"Root" yaml:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `koanf:"Prefix" yaml:"Prefix"`

	// Enabled saves every FITS capture served
	Enabled bool `koanf:"Enabled" yaml:"Enabled"`
}

type ratelimit struct {
	// PerSecond is the sustained capture rate, zero for no limit
	PerSecond float64 `koanf:"PerSecond" yaml:"PerSecond"`
	Burst     int     `koanf:"Burst" yaml:"Burst"`
}

type config struct {
	Addr       string    `koanf:"Addr" yaml:"Addr"`
	Mock       bool      `koanf:"Mock" yaml:"Mock"`
	DeviceTree string    `koanf:"DeviceTree" yaml:"DeviceTree"`
	Mailbox    mbox      `koanf:"Mailbox" yaml:"Mailbox"`
	Serial     serial    `koanf:"Serial" yaml:"Serial"`
	Parallel   parallel  `koanf:"Parallel" yaml:"Parallel"`
	Buffered   buffered  `koanf:"Buffered" yaml:"Buffered"`
	DAC        dac       `koanf:"DAC" yaml:"DAC"`
	Recorder   recorder  `koanf:"Recorder" yaml:"Recorder"`
	RateLimit  ratelimit `koanf:"RateLimit" yaml:"RateLimit"`
}

func defaults() config {
	sc := adc.DefaultSerialConfig
	pc := adc.DefaultParallelConfig
	bc := adc.DefaultBufferedConfig
	return config{
		Addr:    ":8000",
		Mailbox: mbox{Transport: "vcio", TimeoutMs: int(mailbox.DefaultTimeout / time.Millisecond)},
		Serial: serial{
			Enabled:   true,
			Endpoint:  "serial",
			VRef:      sc.VRef,
			BlockSize: sc.BlockSize,
			TxChannel: sc.TxChannel,
			RxChannel: sc.RxChannel,
			Bootup:    capture{Samples: 10000, RateHz: 1e6},
		},
		Parallel: parallel{
			Endpoint:   "parallel",
			VDD:        pc.VDD,
			Channels:   pc.Channels,
			DMAChannel: pc.DMAChannel,
			Source:     pc.Source.String(),
			Active:     []int{0},
			Bootup:     capture{Samples: 10000, RateHz: 10e6},
		},
		Buffered: buffered{
			Endpoint: "buffered",
			VDD:      bc.VDD,
			SPIHz:    bc.SPIHz,
			CPU:      bc.CPU,
			Realtime: bc.Realtime,
			Bootup:   capture{Samples: 4096, RateHz: 1e6},
		},
		DAC: dac{
			Endpoint: "dac",
			Bus:      mcp4728.DefaultBus,
			Address:  mcp4728.DefaultAddress,
			VDD:      3.3,
			AutoRef:  true,
		},
		Recorder:  recorder{Root: "captures", Prefix: "scope"},
		RateLimit: ratelimit{PerSecond: 10, Burst: 2},
	}
}

func (c config) platform() platform.Config {
	return platform.Config{
		Mock:       c.Mock,
		DeviceTree: c.DeviceTree,
		Transport:  c.Mailbox.Transport,
		Timeout:    time.Duration(c.Mailbox.TimeoutMs) * time.Millisecond,
	}
}

// check rejects configurations that cannot run.  The ADCs share pins and
// DMA channels, so at most one may be enabled.
func (c config) check() error {
	n := 0
	for _, on := range []bool{c.Serial.Enabled, c.Parallel.Enabled, c.Buffered.Enabled} {
		if on {
			n++
		}
	}
	if n > 1 {
		return fmt.Errorf("%d ADCs enabled, at most one may run: %w", n, bcm.ErrConfig)
	}
	switch c.Mailbox.Transport {
	case "vcio", "fifo":
	default:
		return fmt.Errorf("mailbox transport %q is not vcio or fifo: %w", c.Mailbox.Transport, bcm.ErrConfig)
	}
	if c.Parallel.Enabled {
		if _, err := clock.ParseSource(c.Parallel.Source); err != nil {
			return err
		}
		for _, ch := range c.Parallel.Active {
			if ch < 0 || ch >= c.Parallel.Channels {
				return fmt.Errorf("parallel channel %d of %d: %w", ch, c.Parallel.Channels, bcm.ErrConfig)
			}
		}
	}
	if c.DAC.Enabled && c.DAC.VDD <= 0 {
		return fmt.Errorf("DAC VDD %g: %w", c.DAC.VDD, bcm.ErrConfig)
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate limit burst %d: %w", c.RateLimit.Burst, bcm.ErrConfig)
	}
	return nil
}

// loadStrict reads a config file, rejecting unknown keys, over the defaults
func loadStrict(path string) (config, error) {
	c := defaults()
	f, err := os.Open(path)
	if err != nil {
		return c, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.SetStrict(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return c, fmt.Errorf("%s: %v: %w", path, err, bcm.ErrConfig)
	}
	return c, c.check()
}
