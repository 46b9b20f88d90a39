package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/theckman/yacspin"
	"golang.org/x/sync/errgroup"

	"github.com/nasa-jpl/piscope/platform"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

func root() {
	str := `rpidiag exercises the Raspberry Pi peripherals scopesrv depends on.

Usage:
	rpidiag <command> [flags]

Commands:
	mbox     query the firmware mailbox
	dma      copy memory with the DMA controller and check it
	timer    compare the ARM timer with the wall clock
	pwm      drive a waveform on GPIO 18
	all      mbox, dma and timer together
	version

Every command takes -mock to run against simulated hardware.
rpidiag <command> -h lists the flags of a command.`
	fmt.Println(str)
}

func pversion() {
	fmt.Printf("rpidiag version %v\n", Version)
}

type options struct {
	platform platform.Config
	channel  int
	bytes    int
	duration time.Duration
	duty     float64
	freq     float64
}

func parse(cmd string, args []string) options {
	var o options
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.BoolVar(&o.platform.Mock, "mock", false, "run against simulated hardware")
	fs.StringVar(&o.platform.DeviceTree, "devicetree", "", "device tree root")
	fs.StringVar(&o.platform.Transport, "transport", "vcio", "mailbox transport, vcio or fifo")
	fs.DurationVar(&o.platform.Timeout, "timeout", time.Second, "firmware wait for the fifo transport")
	fs.IntVar(&o.channel, "channel", 7, "DMA channel for the copy")
	fs.IntVar(&o.bytes, "bytes", 65536, "bytes to copy")
	fs.DurationVar(&o.duration, "duration", time.Second, "how long the timer is measured or the waveform runs")
	fs.Float64Var(&o.duty, "duty", 0.5, "PWM duty cycle")
	fs.Float64Var(&o.freq, "freq", 1000, "PWM frequency, Hz")
	fs.Parse(args)
	return o
}

type check struct {
	name string
	run  func(*platform.Platform) (string, error)
}

func checks(cmd string, o options) []check {
	m := check{"mbox", mbox}
	d := check{"dma", func(p *platform.Platform) (string, error) { return memcopy(p, o.channel, o.bytes) }}
	t := check{"timer", func(p *platform.Platform) (string, error) { return timer(p, o.duration) }}
	w := check{"pwm", func(p *platform.Platform) (string, error) { return wave(p, o.duty, o.freq, o.duration) }}
	switch cmd {
	case "mbox":
		return []check{m}
	case "dma":
		return []check{d}
	case "timer":
		return []check{t}
	case "pwm":
		return []check{w}
	case "all":
		return []check{m, d, t}
	}
	return nil
}

// runChecks runs cs concurrently under a spinner and returns their reports
// in order
func runChecks(p *platform.Platform, cs []check) ([]string, error) {
	spin, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " rpidiag",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return nil, err
	}
	spin.Start()

	reports := make([]string, len(cs))
	var (
		mu   sync.Mutex
		left = len(cs)
	)
	spin.Message(fmt.Sprintf("%d checks running", left))
	var g errgroup.Group
	for i, c := range cs {
		i, c := i, c
		g.Go(func() error {
			r, err := c.run(p)
			if err != nil {
				return fmt.Errorf("%s: %w", c.name, err)
			}
			reports[i] = c.name + ": " + r
			mu.Lock()
			left--
			spin.Message(fmt.Sprintf("%d checks running", left))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		spin.StopFailMessage(err.Error())
		spin.StopFail()
		return reports, err
	}
	spin.StopMessage("all checks passed")
	spin.Stop()
	return reports, nil
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		root()
		return
	case "version":
		pversion()
		return
	}
	o := parse(cmd, args[2:])
	cs := checks(cmd, o)
	if cs == nil {
		log.Fatal("unknown command")
	}
	p, err := platform.Open(o.platform)
	if err != nil {
		log.Fatal(err)
	}
	reports, err := runChecks(p, cs)
	for _, r := range reports {
		if r != "" {
			fmt.Println(r)
		}
	}
	if cerr := p.Close(); cerr != nil {
		log.Println("error closing platform:", cerr)
	}
	if err != nil {
		log.Fatal(err)
	}
}
