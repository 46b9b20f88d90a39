// Package bcm holds the error taxonomy and platform constants shared by the
// BCM2835-family peripheral drivers in its subpackages.
//
// The subpackages are layered.  addrspace describes the three address spaces
// (process virtual, ARM physical, VideoCore bus) and converts between them.
// mmio maps peripheral register blocks and DMA-visible memory.  mailbox talks
// to the GPU firmware to get physically contiguous, uncached memory.  dma
// drives the DMA controller with chains of control blocks living in that
// memory.  The remaining packages (clock, gpio, pwm, spi, smi, armtimer) are
// thin register drivers for the peripherals a capture touches.
//
// Every driver needs root, as it maps /dev/mem.  Tests and the server's mock
// mode substitute mmio.Sim and mailbox.SimFirmware for the real hardware.
package bcm

import "errors"

var (
	// ErrConfig is returned for an invalid parameter combination,
	// such as an oversized transfer or an unsupported channel count
	ErrConfig = errors.New("invalid configuration")

	// ErrPermission is returned when a privileged resource
	// (/dev/mem, /dev/vcio, /proc/self/pagemap) is unavailable
	ErrPermission = errors.New("privileged resource unavailable")

	// ErrProtocol is returned for a malformed or failed mailbox response
	ErrProtocol = errors.New("mailbox protocol error")

	// ErrTimeout is returned when a bounded poll exceeds its budget
	ErrTimeout = errors.New("timed out")

	// ErrRange is returned when a requested rate or voltage cannot be
	// realized within tolerance
	ErrRange = errors.New("request not achievable within tolerance")

	// ErrAllocation is returned when the firmware refuses an allocation
	ErrAllocation = errors.New("memory allocation refused")

	// ErrIndex is returned for out of bounds control block access
	ErrIndex = errors.New("index out of range")
)

const (
	// OscHz is the crystal oscillator frequency
	OscHz = 19_200_000

	// PLLDHz is the PLLD clock source frequency
	PLLDHz = 500_000_000

	// CoreHz is the core (VPU) clock feeding SPI and the ARM timer
	CoreHz = 250_000_000
)
