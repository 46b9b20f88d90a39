package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/piscope/platform"
	"github.com/nasa-jpl/piscope/server"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "scopesrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `scopesrv turns a Raspberry Pi into a small oscilloscope and DAC,
served over HTTP.  Captures run on the DMA engine and are decoded,
triggered and returned as JSON, raw bytes or FITS.

Usage:
	scopesrv <command>

Commands:
	run
	help
	mkconf
	conf
	validate
	version`
	fmt.Println(str)
}

func help() {
	str := `scopesrv is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.
The command mkconf generates the configuration file with the default values.
The command validate checks the file strictly, rejecting unknown keys.

Only one of Serial, Parallel and Buffered may be enabled; the ADCs share
GPIO pins and DMA channels.  Each device is served under its Endpoint, with
its own lock at <Endpoint>/lock.  GET /endpoints lists every route.

The Recorder saves every FITS capture served from <Endpoint>/capture.fits
into Root/yyyy-mm-dd while Enabled, and is steered at <Endpoint>/autowrite.

Mock runs against simulated registers, firmware and DMA, with a sine wave
on the ADC inputs.  It needs no hardware and no privileges.

On hardware, scopesrv needs /dev/mem and the mailbox (/dev/vcio, or the
registers directly with Mailbox.Transport fifo), so it usually runs as root.
The Buffered ADC pins its sampling thread to a core with SCHED_FIFO when
Realtime is set; isolate that core with isolcpus for steady timing.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func validate() {
	_, err := loadStrict(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(ConfigFileName, "is valid")
}

func pversion() {
	fmt.Printf("scopesrv version %v\n", Version)
}

func run() {
	cfg := config{}
	err := k.Unmarshal("", &cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err = cfg.check(); err != nil {
		log.Fatal(err)
	}
	p, err := platform.Open(cfg.platform())
	if err != nil {
		log.Fatal(err)
	}
	d, err := open(cfg, p)
	if err != nil {
		d.Close()
		p.Close()
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGABRT, syscall.SIGTERM)
	defer stop()

	mux := server.BuildMux(d.nodes)
	err = server.ListenAndServe(ctx, cfg.Addr, mux, 5*time.Second)
	d.Close()
	if cerr := p.Close(); cerr != nil {
		log.Println("error closing platform:", cerr)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "validate":
		validate()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
