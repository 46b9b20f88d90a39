// Package mcp4728 drives the Microchip MCP4728 quad 12-bit DAC over I2C.
//
// Each channel picks its own reference: the internal 2.048 V reference, with
// a 2x gain stage when needed, is preferred over VDD wherever it can reach the
// requested voltage, since the supply is the noisier of the two.
package mcp4728

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nasa-jpl/piscope/bcm"
)

const (
	// DefaultBus is the I2C bus on the Pi header
	DefaultBus = "/dev/i2c-1"

	// DefaultAddress is the factory address of the DAC
	DefaultAddress = 0x60

	// Channels is the number of outputs
	Channels = 4

	// Bits is the DAC resolution
	Bits = 12

	// MaxCode is the full scale code
	MaxCode = 1<<Bits - 1

	// InternalVRef is the internal reference voltage
	InternalVRef = 2.048

	// i2cSlave is the I2C_SLAVE ioctl from linux/i2c-dev.h
	i2cSlave = 0x0703

	cmdMultiWrite = 0x40
)

// DAC is an MCP4728 on an I2C bus
type DAC struct {
	sync.Mutex

	// AutoRef lets a channel use the internal reference when it can reach
	// the requested voltage.  Without it every channel is referenced to VDD.
	AutoRef bool

	vdd    float64
	maxInt float64
	maxExt float64
	w      io.Writer
	cur    [Channels]float64
}

// Open opens an I2C bus device, addresses the DAC at addr and drives every
// output to 0 V
func Open(bus string, addr int, vdd float64) (*DAC, error) {
	f, err := os.OpenFile(bus, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", bus)
	}
	if err = unix.IoctlSetInt(int(f.Fd()), i2cSlave, addr); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "address MCP4728 at %#x on %s", addr, bus)
	}
	d, err := New(f, vdd)
	if err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// New returns a DAC writing its commands to w, which must already address
// the device, and drives every output to 0 V.  A w that is also an
// io.Closer is closed by Close.
func New(w io.Writer, vdd float64) (*DAC, error) {
	if vdd <= 0 {
		return nil, fmt.Errorf("MCP4728 supply of %g V: %w", vdd, bcm.ErrConfig)
	}
	d := &DAC{
		AutoRef: true,
		vdd:     vdd,
		maxInt:  InternalVRef * MaxCode / (1 << Bits),
		maxExt:  vdd * MaxCode / (1 << Bits),
		w:       w,
	}
	// forces the first update of every channel
	for i := range d.cur {
		d.cur[i] = -1
	}
	zero := 0.
	if err := d.SetVoltages([Channels]*float64{&zero, &zero, &zero, &zero}); err != nil {
		return nil, err
	}
	return d, nil
}

// Max returns the highest voltage any channel can produce
func (d *DAC) Max() float64 {
	if d.AutoRef && 2*d.maxInt > d.maxExt {
		return 2 * d.maxInt
	}
	return d.maxExt
}

// reference picks the reference and gain bits for v and the full scale
// voltage they give
func (d *DAC) reference(v float64) (vref, gain byte, full float64, err error) {
	if v < 0 || v > d.Max() {
		return 0, 0, 0, fmt.Errorf("MCP4728 output of %g V outside [0, %g]: %w", v, d.Max(), bcm.ErrRange)
	}
	if d.AutoRef && v <= 2*d.maxInt {
		if v > d.maxInt {
			return 1, 1, 2 * d.maxInt, nil
		}
		return 1, 0, d.maxInt, nil
	}
	return 0, 0, d.maxExt, nil
}

func command(ch int, vref, gain byte, code uint16) []byte {
	return []byte{
		cmdMultiWrite | byte(ch)<<1,
		vref<<7 | gain<<4 | byte(code>>8),
		byte(code & 0xff),
	}
}

// Encode returns the three command bytes that set channel ch to v
func (d *DAC) Encode(ch int, v float64) ([]byte, error) {
	if err := checkChannel(ch); err != nil {
		return nil, err
	}
	vref, gain, full, err := d.reference(v)
	if err != nil {
		return nil, err
	}
	code := uint16(MaxCode * v / full)
	if code > MaxCode {
		code = MaxCode
	}
	return command(ch, vref, gain, code), nil
}

func checkChannel(ch int) error {
	if ch < 0 || ch >= Channels {
		return fmt.Errorf("MCP4728 channel %d: %w", ch, bcm.ErrIndex)
	}
	return nil
}

func (d *DAC) send(data []byte) error {
	n, err := d.w.Write(data)
	if err != nil {
		return errors.Wrap(err, "MCP4728 write")
	}
	if n != len(data) {
		return fmt.Errorf("MCP4728 short write of %d of %d bytes: %w", n, len(data), bcm.ErrProtocol)
	}
	return nil
}

// SetVoltages updates the channels with a non-nil voltage in one multi-write
// command.  Channels already at their target are left out; nothing is sent
// when no channel changes.  Every voltage is checked before anything is sent.
func (d *DAC) SetVoltages(v [Channels]*float64) error {
	d.Lock()
	defer d.Unlock()
	tgt := d.cur
	var data []byte
	for ch, p := range v {
		if p == nil || *p == d.cur[ch] {
			continue
		}
		cmd, err := d.Encode(ch, *p)
		if err != nil {
			return err
		}
		data = append(data, cmd...)
		tgt[ch] = *p
	}
	if len(data) == 0 {
		return nil
	}
	if err := d.send(data); err != nil {
		return err
	}
	d.cur = tgt
	return nil
}

// Voltages returns the last voltages written.  A channel last written by
// data number reports the voltage the code gives against VDD.
func (d *DAC) Voltages() [Channels]float64 {
	d.Lock()
	defer d.Unlock()
	return d.cur
}

// Output sets one channel to a voltage
func (d *DAC) Output(ch int, v float64) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	var in [Channels]*float64
	in[ch] = &v
	return d.SetVoltages(in)
}

// OutputDN16 writes a raw code to one channel, referenced to VDD
func (d *DAC) OutputDN16(ch int, dn uint16) error {
	return d.OutputMultiDN16([]int{ch}, []uint16{dn})
}

// OutputMulti sets several channels at once
func (d *DAC) OutputMulti(chs []int, vs []float64) error {
	if len(chs) != len(vs) {
		return fmt.Errorf("MCP4728 given %d channels and %d voltages: %w", len(chs), len(vs), bcm.ErrConfig)
	}
	var in [Channels]*float64
	for i, ch := range chs {
		if err := checkChannel(ch); err != nil {
			return err
		}
		in[ch] = &vs[i]
	}
	return d.SetVoltages(in)
}

// OutputMultiDN16 writes raw codes to several channels at once, referenced to
// VDD
func (d *DAC) OutputMultiDN16(chs []int, dns []uint16) error {
	if len(chs) != len(dns) {
		return fmt.Errorf("MCP4728 given %d channels and %d codes: %w", len(chs), len(dns), bcm.ErrConfig)
	}
	var data []byte
	for i, ch := range chs {
		if err := checkChannel(ch); err != nil {
			return err
		}
		if dns[i] > MaxCode {
			return fmt.Errorf("MCP4728 code %d exceeds %d: %w", dns[i], MaxCode, bcm.ErrRange)
		}
		data = append(data, command(ch, 0, 0, dns[i])...)
	}
	d.Lock()
	defer d.Unlock()
	if err := d.send(data); err != nil {
		return err
	}
	for i, ch := range chs {
		d.cur[ch] = d.maxExt * float64(dns[i]) / MaxCode
	}
	return nil
}

// Close releases the bus.  The outputs hold their last value.
func (d *DAC) Close() error {
	if c, ok := d.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
