package platform

import (
	"math"

	"github.com/nasa-jpl/piscope/bcm/addrspace"
	"github.com/nasa-jpl/piscope/bcm/dma"
	"github.com/nasa-jpl/piscope/bcm/smi"
	"github.com/nasa-jpl/piscope/bcm/spi"
)

// testPeriod is the test signal period in samples
const testPeriod = 100

// sine returns sample i of a full scale sine for a converter of the given
// number of bits
func sine(i int, bits uint) uint32 {
	full := float64(uint32(1)<<bits - 1)
	return uint32(math.Round(full / 2 * (1 + math.Sin(2*math.Pi*float64(i%testPeriod)/testPeriod))))
}

// serialSource returns FIFO reads of a serial ADC carrying a 10-bit sine, two
// samples a word, each code left aligned in its big-endian pair
func serialSource() dma.Source {
	i := 0
	pair := func(c uint32) uint32 {
		return (c >> 4) | (c&0xF)<<12
	}
	return func() uint32 {
		w := pair(sine(i, 10)) | pair(sine(i+1, 10))<<16
		i += 2
		return w
	}
}

// parallelSource returns SMI FIFO reads carrying an 8-bit sine.  Each 16-bit
// entry holds two consecutive samples; on the wide bus that puts a sine on
// channel 1 and the same sine a sample later on channel 0.
func parallelSource() dma.Source {
	i := 0
	return func() uint32 {
		var w uint32
		for e := uint(0); e < 2; e++ {
			entry := sine(i, 8)<<8 | sine(i+1, 8)
			w |= entry << (16 * e)
			i += 2
		}
		return w
	}
}

func attachTestSignal(em *dma.Emulator, info *addrspace.Info) {
	em.Attach(info.MMIOBus(spi.BaseOffset+spi.RegFIFO), serialSource())
	em.Attach(info.MMIOBus(smi.BaseOffset+smi.RegData), parallelSource())
}
