package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/bcm/armtimer"
	"github.com/nasa-jpl/piscope/bcm/dma"
	"github.com/nasa-jpl/piscope/bcm/gpio"
	"github.com/nasa-jpl/piscope/bcm/mmio"
	"github.com/nasa-jpl/piscope/bcm/pwm"
	"github.com/nasa-jpl/piscope/platform"
)

// pwmPin carries PWM0 on ALT5
const pwmPin = 18

// mbox queries the firmware for the SoC temperature and the display and
// framebuffer sizes
func mbox(p *platform.Platform) (string, error) {
	temp, err := p.Mailbox.Temperature()
	if err != nil {
		return "", err
	}
	dw, dh, err := p.Mailbox.DisplaySize()
	if err != nil {
		return "", err
	}
	fw, fh, err := p.Mailbox.FramebufferSize()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SoC at %.1f C, display %dx%d, framebuffer %dx%d", temp, dw, dh, fw, fh), nil
}

// memcopy has the DMA controller copy a pattern between two uncached blocks
// on channel ch and checks the result
func memcopy(p *platform.Platform, ch, n int) (string, error) {
	if n <= 0 || n%4 != 0 {
		return "", fmt.Errorf("copy of %d bytes is not a positive multiple of 4: %w", n, bcm.ErrConfig)
	}
	eng, err := dma.Open(p.Info, p.Mapper, p.Mailbox)
	if err != nil {
		return "", err
	}
	defer eng.Close()
	for _, busy := range eng.Active() {
		if busy == ch {
			return "", fmt.Errorf("dma channel %d is in use by another driver: %w", ch, bcm.ErrConfig)
		}
	}
	if err := eng.Resize(1); err != nil {
		return "", err
	}
	page := p.Info.PageSize
	size := (n + page - 1) / page * page
	src, err := p.Mailbox.AllocBlock(size, page)
	if err != nil {
		return "", err
	}
	defer p.Mailbox.FreeBlock(&src)
	dst, err := p.Mailbox.AllocBlock(size, page)
	if err != nil {
		return "", err
	}
	defer p.Mailbox.FreeBlock(&dst)

	for i := 0; i < n; i++ {
		src.Virt[i] = byte(i*7 + 3)
	}
	if !src.Coherent {
		mmio.CleanCache(src.Virt[:n], p.Info.CacheLineSize)
	}
	cb, err := eng.CB(0)
	if err != nil {
		return "", err
	}
	*cb = dma.ControlBlock{
		TI:  dma.TISrcInc | dma.TIDestInc | dma.TIWaitResp,
		Src: src.Bus,
		Dst: dst.Bus,
		Len: uint32(n),
	}
	start := time.Now()
	if err := eng.Start(ch, 0); err != nil {
		return "", err
	}
	if err := eng.Wait(ch, 0, 0); err != nil {
		return "", err
	}
	elapsed := time.Since(start)
	if eng.Error(ch) {
		return "", fmt.Errorf("dma channel %d raised its error flag: %w", ch, bcm.ErrProtocol)
	}
	if !bytes.Equal(src.Virt[:n], dst.Virt[:n]) {
		return "", fmt.Errorf("dma copy on channel %d does not match its source: %w", ch, bcm.ErrProtocol)
	}
	return fmt.Sprintf("channel %d copied %d bytes in %v", ch, n, elapsed), nil
}

// timer compares the ARM timer's free counter with the wall clock over d
func timer(p *platform.Platform, d time.Duration) (string, error) {
	t, err := armtimer.Open(p.Info, p.Mapper)
	if err != nil {
		return "", err
	}
	defer t.Close()
	t.Start()
	if p.Sim != nil {
		return "ARM timer started; the mock counter does not run", nil
	}
	c0, w0 := t.Count(), time.Now()
	time.Sleep(d)
	c1, w1 := t.Count(), time.Now()
	ticks := c1 - c0
	if ticks == 0 {
		return "", fmt.Errorf("ARM timer did not advance in %v: %w", d, bcm.ErrTimeout)
	}
	hz := float64(ticks) / w1.Sub(w0).Seconds()
	return fmt.Sprintf("ARM timer at %.4f MHz, %+.3f%% from %.0f MHz",
		hz/1e6, (hz/armtimer.Hz-1)*100, armtimer.Hz/1e6), nil
}

// wave drives a PWM waveform on GPIO 18 for d
func wave(p *platform.Platform, duty, freq float64, d time.Duration) (string, error) {
	pw, err := pwm.Open(p.Info, p.Mapper, p.Clock)
	if err != nil {
		return "", err
	}
	defer pw.Close()
	hz, err := pw.Setup(duty, freq)
	if err != nil {
		return "", err
	}
	prev, err := p.GPIO.GetMode(pwmPin)
	if err != nil {
		return "", err
	}
	if err := p.GPIO.SetMode(pwmPin, gpio.Alt5); err != nil {
		return "", err
	}
	defer p.GPIO.SetMode(pwmPin, prev)
	pw.Start()
	time.Sleep(d)
	pw.Stop()
	return fmt.Sprintf("%.0f%% duty at %g Hz on GPIO %d for %v, clock %g Hz",
		duty*100, hz, pwmPin, d, pw.ClockHz()), nil
}
