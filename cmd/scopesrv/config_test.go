package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/piscope/bcm"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := defaults().check(); err != nil {
		t.Errorf("expected defaults to pass, got %v", err)
	}
}

func TestCheck(t *testing.T) {
	cases := map[string]func(*config){
		"two ADCs":        func(c *config) { c.Parallel.Enabled = true },
		"bad transport":   func(c *config) { c.Mailbox.Transport = "smoke" },
		"bad source":      func(c *config) { c.Serial.Enabled = false; c.Parallel.Enabled = true; c.Parallel.Source = "sundial" },
		"bad channel":     func(c *config) { c.Serial.Enabled = false; c.Parallel.Enabled = true; c.Parallel.Active = []int{2} },
		"zero DAC supply": func(c *config) { c.DAC.Enabled = true; c.DAC.VDD = 0 },
		"no burst":        func(c *config) { c.RateLimit.Burst = 0 },
	}
	for name, mutate := range cases {
		c := defaults()
		mutate(&c)
		if err := c.check(); !errors.Is(err, bcm.ErrConfig) {
			t.Errorf("%s: expected ErrConfig got %v", name, err)
		}
	}
}

func write(t *testing.T, body []byte) string {
	path := filepath.Join(t.TempDir(), "scopesrv.yml")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMkconfRoundTrips(t *testing.T) {
	want := defaults()
	b, err := yml.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := loadStrict(write(t, b))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config changed through the file (-want +got):\n%s", diff)
	}
}

func TestStrictRejectsUnknownKeys(t *testing.T) {
	_, err := loadStrict(write(t, []byte("Addr: \":9000\"\nAdress: \":9001\"\n")))
	if !errors.Is(err, bcm.ErrConfig) {
		t.Errorf("expected ErrConfig for a misspelled key, got %v", err)
	}
}

func TestStrictOverlaysDefaults(t *testing.T) {
	c, err := loadStrict(write(t, []byte("Mock: true\nDAC:\n  Enabled: true\n")))
	if err != nil {
		t.Fatal(err)
	}
	if !c.Mock || !c.DAC.Enabled {
		t.Errorf("expected Mock and DAC on, got %v %v", c.Mock, c.DAC.Enabled)
	}
	if c.DAC.VDD != 3.3 || c.Addr != ":8000" {
		t.Errorf("expected defaults kept, got VDD %g Addr %q", c.DAC.VDD, c.Addr)
	}
}

func TestEmptyFileIsDefaults(t *testing.T) {
	c, err := loadStrict(write(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(defaults(), c); diff != "" {
		t.Errorf("empty file changed the defaults:\n%s", diff)
	}
}
