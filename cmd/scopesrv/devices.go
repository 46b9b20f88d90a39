package main

import (
	"io"
	"log"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/piscope/adc"
	"github.com/nasa-jpl/piscope/bcm/clock"
	"github.com/nasa-jpl/piscope/bcm/spi"
	"github.com/nasa-jpl/piscope/caprec"
	"github.com/nasa-jpl/piscope/generichttp/daq"
	"github.com/nasa-jpl/piscope/mcp4728"
	"github.com/nasa-jpl/piscope/platform"
	"github.com/nasa-jpl/piscope/server"
)

// devices holds what run opened, so it can be closed in reverse
type devices struct {
	nodes   []server.Node
	closers []io.Closer
}

func (d *devices) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			log.Println("error closing device:", err)
		}
	}
}

func limiter(c ratelimit) *rate.Limiter {
	if c.PerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(c.PerSecond), c.Burst)
}

// bootup applies the startup capture length and rate
func bootup(s adc.Sampler, name string, c capture) error {
	if c.Samples <= 0 {
		return nil
	}
	hz, err := s.Configure(c.Samples, c.RateHz)
	if err != nil {
		return err
	}
	log.Printf("%s ADC configured for %d samples at %g Hz\n", name, c.Samples, hz)
	return nil
}

func openADC(cfg config, p *platform.Platform) (adc.Sampler, string, error) {
	hw := p.Hardware()
	switch {
	case cfg.Serial.Enabled:
		sc := adc.DefaultSerialConfig
		sc.VRef = cfg.Serial.VRef
		sc.BlockSize = cfg.Serial.BlockSize
		sc.TxChannel = cfg.Serial.TxChannel
		sc.RxChannel = cfg.Serial.RxChannel
		a, err := adc.NewSerial(hw, sc)
		if err != nil {
			return nil, "", err
		}
		return a, cfg.Serial.Endpoint, bootup(a, "serial", cfg.Serial.Bootup)
	case cfg.Parallel.Enabled:
		src, err := clock.ParseSource(cfg.Parallel.Source)
		if err != nil {
			return nil, "", err
		}
		a, err := adc.NewParallel(hw, adc.ParallelConfig{
			VDD:        cfg.Parallel.VDD,
			Channels:   cfg.Parallel.Channels,
			DMAChannel: cfg.Parallel.DMAChannel,
			Source:     src,
		})
		if err != nil {
			return nil, "", err
		}
		for _, ch := range cfg.Parallel.Active {
			if err := a.ToggleChannel(ch); err != nil {
				return a, "", err
			}
		}
		return a, cfg.Parallel.Endpoint, bootup(a, "parallel", cfg.Parallel.Bootup)
	case cfg.Buffered.Enabled:
		bc := adc.DefaultBufferedConfig
		bc.VDD = cfg.Buffered.VDD
		bc.SPIHz = cfg.Buffered.SPIHz
		bc.CPU = cfg.Buffered.CPU
		bc.Realtime = cfg.Buffered.Realtime
		bc.UseARMTimer = cfg.Buffered.UseARMTimer
		if cfg.Mock {
			// simulated status bits, so polled transfers complete
			bc.Flags |= spi.CsTXD | spi.CsRXD | spi.CsDone
			bc.Realtime = false
		}
		a, err := adc.NewBuffered(hw, bc)
		if err != nil {
			return nil, "", err
		}
		return a, cfg.Buffered.Endpoint, bootup(a, "buffered", cfg.Buffered.Bootup)
	}
	return nil, "", nil
}

func openDAC(c dac, mock bool) (daq.DAC, io.Closer, error) {
	var (
		d   *mcp4728.DAC
		err error
	)
	if mock {
		d, err = mcp4728.New(io.Discard, c.VDD)
	} else {
		d, err = mcp4728.Open(c.Bus, c.Address, c.VDD)
	}
	if err != nil {
		return nil, nil, err
	}
	d.AutoRef = c.AutoRef
	if c.MultiRange {
		return mcp4728.NewMultiRange(d), d, nil
	}
	return d, d, nil
}

// open builds every enabled device and its HTTP node.  Devices opened before
// a failure are returned for closing.
func open(cfg config, p *platform.Platform) (*devices, error) {
	d := &devices{}
	a, endpoint, err := openADC(cfg, p)
	if c, ok := a.(io.Closer); ok {
		d.closers = append(d.closers, c)
	}
	if err != nil {
		return d, err
	}
	if a != nil {
		h := daq.NewHTTPADC(a, limiter(cfg.RateLimit))
		rec := caprec.New(cfg.Recorder.Root, cfg.Recorder.Prefix)
		rec.Enabled = cfg.Recorder.Enabled
		h.Record(rec)
		d.nodes = append(d.nodes, server.Node{Endpoint: endpoint, HTTPer: h})
		log.Printf("ADC available via HTTP at /%s\n", endpoint)
	}
	if cfg.DAC.Enabled {
		out, closer, err := openDAC(cfg.DAC, cfg.Mock)
		if err != nil {
			return d, err
		}
		d.closers = append(d.closers, closer)
		d.nodes = append(d.nodes, server.Node{
			Endpoint: cfg.DAC.Endpoint,
			HTTPer:   daq.NewHTTPDAC(out),
		})
		log.Printf("DAC available via HTTP at /%s\n", cfg.DAC.Endpoint)
	}
	return d, nil
}
