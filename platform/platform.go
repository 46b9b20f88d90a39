// Package platform brings up the shared pieces every sampler and diagnostic
// needs: the address map, a physical memory mapper, the firmware mailbox, the
// GPIO block and the clock manager.  In mock mode all of them run against
// simulated memory and firmware, with the DMA emulator feeding a test signal.
package platform

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nasa-jpl/piscope/adc"
	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/clock"
	"github.com/nasa-jpl/piscope/bcm/dma"
	"github.com/nasa-jpl/piscope/bcm/gpio"
	"github.com/nasa-jpl/piscope/bcm/mailbox"
	"github.com/nasa-jpl/piscope/bcm/mmio"
)

// Config selects how the platform is reached
type Config struct {
	// Mock runs everything in simulation
	Mock bool

	// DeviceTree is the root of the device tree, addrspace.DefaultRoot if
	// empty
	DeviceTree string

	// Transport is "vcio" for the kernel driver or "fifo" to drive the
	// mailbox registers directly
	Transport string

	// Timeout bounds each firmware wait of the fifo transport
	Timeout time.Duration
}

// MockInfo is the address map of a BCM2837, used in mock mode
var MockInfo = addrspace.Info{
	BusMMIOBase:   0x7E000000,
	PhysMMIOBase:  0x3F000000,
	MMIOSize:      0x01000000,
	BusAlias:      0xC0000000,
	BusMemSize:    0x3F000000,
	PageSize:      4096,
	CacheLineSize: 64,
}

// Platform is the opened hardware
type Platform struct {
	Info    *addrspace.Info
	Mapper  mmio.Mapper
	Mailbox *mailbox.Mailbox
	GPIO    *gpio.GPIO
	Clock   *clock.Manager

	// Sim and Emulator are set in mock mode
	Sim      *mmio.Sim
	Emulator *dma.Emulator
}

// Open brings the platform up.  Whatever was opened before a failure is
// closed again.
func Open(cfg Config) (*Platform, error) {
	p := &Platform{}
	var err error
	if cfg.Mock {
		err = p.openMock()
	} else {
		err = p.openHardware(cfg)
	}
	if err != nil {
		p.Close()
		return nil, err
	}
	if p.GPIO, err = gpio.Open(p.Info, p.Mapper); err != nil {
		p.Close()
		return nil, err
	}
	if p.Clock, err = clock.Open(p.Info, p.Mapper); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Platform) openHardware(cfg Config) error {
	info, err := addrspace.Load(cfg.DeviceTree)
	if err != nil {
		return err
	}
	log.Printf("peripherals at physical %#x, bus %#x", info.PhysMMIOBase, info.BusMMIOBase)
	p.Info = info
	p.Mapper = &mmio.DevMem{}
	var t mailbox.Transport
	switch strings.ToLower(cfg.Transport) {
	case "", "vcio":
		t, err = mailbox.OpenVCIO("")
	case "fifo":
		var f *mailbox.FIFO
		f, err = mailbox.OpenFIFO(info, p.Mapper, &mmio.Locked{Info: info})
		if err == nil && cfg.Timeout > 0 {
			f.Timeout = cfg.Timeout
		}
		t = f
	default:
		err = fmt.Errorf("mailbox transport %q, want vcio or fifo: %w", cfg.Transport, bcm.ErrConfig)
	}
	if err != nil {
		return err
	}
	p.Mailbox = mailbox.New(t, info, p.Mapper)
	return nil
}

func (p *Platform) openMock() error {
	info := MockInfo
	p.Info = &info
	p.Sim = mmio.NewSim()
	p.Mapper = p.Sim
	p.Mailbox = mailbox.New(mailbox.NewSimFirmware(p.Info), p.Info, p.Sim)
	p.Emulator = dma.NewEmulator(p.Sim, p.Info)
	attachTestSignal(p.Emulator, p.Info)
	p.Emulator.Start()
	log.Println("mock platform: simulated peripherals, firmware and DMA")
	return nil
}

// Hardware returns the shared hardware a sampler is built on
func (p *Platform) Hardware() adc.Hardware {
	return adc.Hardware{
		Info:   p.Info,
		Mapper: p.Mapper,
		Alloc:  p.Mailbox,
		GPIO:   p.GPIO,
		Clock:  p.Clock,
	}
}

// Close shuts the platform down in reverse order and returns the first error
func (p *Platform) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if p.Clock != nil {
		keep(p.Clock.Close())
	}
	if p.GPIO != nil {
		keep(p.GPIO.Close())
	}
	if p.Emulator != nil {
		keep(p.Emulator.Close())
	}
	if p.Mailbox != nil {
		keep(p.Mailbox.Close())
	}
	return first
}
