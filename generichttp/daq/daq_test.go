package daq_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
	"github.com/snksoft/crc"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/caprec"
	"github.com/nasa-jpl/piscope/decode"
	"github.com/nasa-jpl/piscope/generichttp"
	"github.com/nasa-jpl/piscope/generichttp/daq"
	"github.com/nasa-jpl/piscope/mcp4728"
)

// ramp is a one channel sampler whose every sweep rises from 0 to n-1
type ramp struct {
	n      int
	hz     float64
	active []bool
}

func (r *ramp) Configure(n int, hz float64) (float64, error) {
	if n <= 0 {
		return 0, bcm.ErrConfig
	}
	r.n = n
	r.hz = hz / 2
	return r.hz, nil
}
func (r *ramp) RateHz() float64 { return r.hz }
func (r *ramp) Start() error { return nil }
func (r *ramp) Stop() error  { return nil }
func (r *ramp) Samples() int { return r.n }
func (r *ramp) Capture() ([]byte, error) {
	out := make([]byte, r.n)
	for i := range out {
		out[i] = byte(i)
	}
	return out, nil
}
func (r *ramp) Buffers() ([][]decode.Sample, error) {
	s := make([]decode.Sample, r.n)
	for i := range s {
		s[i] = decode.Sample{Value: float64(i), Index: i}
	}
	return [][]decode.Sample{s}, nil
}
func (r *ramp) ToggleChannel(ch int) error {
	if ch < 0 || ch >= len(r.active) {
		return bcm.ErrConfig
	}
	r.active[ch] = !r.active[ch]
	return nil
}
func (r *ramp) ActiveChannels() []bool { return append([]bool(nil), r.active...) }

func router(h generichttp.HTTPer) chi.Router {
	r := chi.NewRouter()
	h.RT().Bind(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConfigureReportsRealizedRate(t *testing.T) {
	h := router(daq.NewHTTPADC(&ramp{active: []bool{false, false}}, nil))
	rec := do(t, h, http.MethodPost, "/configure", `{"samples": 100, "rate_hz": 2e6}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	var f generichttp.FloatT
	json.NewDecoder(rec.Body).Decode(&f)
	if f.F64 != 1e6 {
		t.Errorf("expected 1e6 got %g", f.F64)
	}
	rec = do(t, h, http.MethodGet, "/rate", "")
	if !strings.Contains(rec.Body.String(), `"f64":1000000`) {
		t.Errorf("expected the rate echoed, got %s", rec.Body)
	}
	rec = do(t, h, http.MethodPost, "/configure", `{"samples": 0, "rate_hz": 2e6}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero samples, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/configure", `{"samples": `)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad body, got %d", rec.Code)
	}
}

func TestTriggerFindsEdge(t *testing.T) {
	h := router(daq.NewHTTPADC(&ramp{n: 100}, nil))
	if rec := do(t, h, http.MethodPost, "/trigger-levels", `{"low": 10, "high": 20}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 setting levels, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/trigger?skip=0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		Buffers [][]float64 `json:"buffers"`
		Trigger struct {
			Triggered bool `json:"triggered"`
			Start     int  `json:"start"`
		} `json:"trigger"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Trigger.Triggered || out.Trigger.Start != 10 || len(out.Buffers[0]) != 100 {
		t.Errorf("expected a trigger from 10 in 100 samples, got %+v", out.Trigger)
	}

	if rec := do(t, h, http.MethodPost, "/trigger-mode", `{"str": "sideways"}`); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected an unknown mode refused, got %d", rec.Code)
	}
	do(t, h, http.MethodPost, "/trigger-mode", `{"str": "falling_edge"}`)
	rec = do(t, h, http.MethodGet, "/trigger-mode", "")
	if !strings.Contains(rec.Body.String(), "falling_edge") {
		t.Errorf("expected falling_edge, got %s", rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/trigger-levels", `{"low": 20, "high": 10}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected inverted levels refused, got %d", rec.Code)
	}
}

func TestRawCarriesCRC(t *testing.T) {
	h := router(daq.NewHTTPADC(&ramp{n: 64}, nil))
	rec := do(t, h, http.MethodGet, "/raw", "")
	if rec.Code != http.StatusOK || rec.Body.Len() != 64 {
		t.Fatalf("expected 64 bytes, got %d (%d)", rec.Body.Len(), rec.Code)
	}
	sum := crc.CalculateCRC(crc.CRC32, rec.Body.Bytes())
	if want := fmt.Sprintf("%08x", sum); rec.Header().Get("X-Crc32") != want {
		t.Errorf("expected CRC %s got %s", want, rec.Header().Get("X-Crc32"))
	}
}

func TestFITSExport(t *testing.T) {
	h := router(daq.NewHTTPADC(&ramp{n: 32}, nil))
	rec := do(t, h, http.MethodGet, "/capture.fits", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.Bytes()
	if !bytes.HasPrefix(body, []byte("SIMPLE  =")) {
		t.Errorf("expected a FITS primary header, got %q", body[:16])
	}
	if len(body)%2880 != 0 {
		t.Errorf("expected whole 2880 byte FITS blocks, got %d bytes", len(body))
	}
	var buf bytes.Buffer
	if err := daq.WriteFITS(&buf, nil, 1e6); err == nil {
		t.Error("expected an error writing an empty capture")
	}
}

func TestFITSAutowrite(t *testing.T) {
	root := t.TempDir()
	rec := caprec.New(root, "cap")
	h := daq.NewHTTPADC(&ramp{n: 16, hz: 1e6}, nil)
	h.Record(rec)
	r := router(h)
	do(t, r, http.MethodGet, "/capture.fits", "")
	if files, _ := filepath.Glob(filepath.Join(root, "*", "cap*.fits")); len(files) != 0 {
		t.Errorf("expected nothing saved while disabled, got %v", files)
	}
	if resp := do(t, r, http.MethodPost, "/autowrite/enabled", `{"bool": true}`); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 enabling autowrite, got %d", resp.Code)
	}
	do(t, r, http.MethodGet, "/capture.fits", "")
	do(t, r, http.MethodGet, "/capture.fits", "")
	files, _ := filepath.Glob(filepath.Join(root, "*", "cap*.fits"))
	if len(files) != 2 {
		t.Errorf("expected two saved captures, got %v", files)
	}
}

func TestCSVExport(t *testing.T) {
	h := router(daq.NewHTTPADC(&ramp{n: 3, hz: 1e6}, nil))
	rec := do(t, h, http.MethodGet, "/buffers.csv", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	if want := "time,ch0\n0,0\n1E-06,1\n2E-06,2\n"; rec.Body.String() != want {
		t.Errorf("expected %q got %q", want, rec.Body.String())
	}
	h = router(daq.NewHTTPADC(&ramp{n: 3}, nil))
	if rec := do(t, h, http.MethodGet, "/buffers.csv", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 before a rate is set, got %d", rec.Code)
	}
}

// stamped is a ramp that also stamps each sample
type stamped struct{ *ramp }

func (s stamped) Timestamps() ([]float64, error) {
	ts := make([]float64, s.n)
	for i := range ts {
		ts[i] = float64(i) * 0.5
	}
	return ts, nil
}

func TestRecordingCSV(t *testing.T) {
	h := router(daq.NewHTTPADC(stamped{&ramp{n: 2, hz: 2}}, nil))
	rec := do(t, h, http.MethodGet, "/recording.csv", "")
	if want := "time,volts\n0,0\n0.5,1\n"; rec.Body.String() != want {
		t.Errorf("expected %q got %q", want, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/timestamps", "")
	if rec.Body.Len() != 16 {
		t.Errorf("expected two float64 timestamps, got %d bytes", rec.Body.Len())
	}
}

func TestCapturesRateLimited(t *testing.T) {
	h := router(daq.NewHTTPADC(&ramp{n: 8}, rate.NewLimiter(0, 1)))
	if rec := do(t, h, http.MethodGet, "/buffers", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected the first capture through, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/raw", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 for the second capture, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/samples", ""); rec.Code != http.StatusOK {
		t.Errorf("expected status routes unlimited, got %d", rec.Code)
	}
}

func TestChannelRoutes(t *testing.T) {
	h := router(daq.NewHTTPADC(&ramp{n: 8, active: []bool{false, false}}, nil))
	if rec := do(t, h, http.MethodPost, "/toggle-channel", `{"int": 1}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/active-channels", "")
	var active []bool
	json.NewDecoder(rec.Body).Decode(&active)
	if diff := cmp.Diff([]bool{false, true}, active); diff != "" {
		t.Errorf("active channels mismatch (-want +got):\n%s", diff)
	}
	rec = do(t, h, http.MethodGet, "/rates", "")
	var rates []float64
	json.NewDecoder(rec.Body).Decode(&rates)
	if len(rates) == 0 || rates[len(rates)-1] != 50e6 {
		t.Errorf("expected 50 MS/s available with one channel, got %v", rates)
	}
}

func TestDACRoutes(t *testing.T) {
	var bus bytes.Buffer
	d, err := mcp4728.New(&bus, 3.3)
	if err != nil {
		t.Fatal(err)
	}
	h := router(daq.NewHTTPDAC(d))
	if rec := do(t, h, http.MethodPost, "/output", `{"channel": 2, "voltage": 1.5}`); rec.Code != http.StatusOK {
		t.Errorf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	if v := d.Voltages()[2]; v != 1.5 {
		t.Errorf("expected channel 2 at 1.5 V, got %g", v)
	}
	if rec := do(t, h, http.MethodPost, "/output", `{"channel": 0, "voltage": 9}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 out of range, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/output-multi", `{"channels": [0, 1], "voltages": [0.5, 0.25]}`)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/output-dn-16", `{"channel": 3, "dn": 5000}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a code past full scale, got %d", rec.Code)
	}
}

// clocked is a ramp whose stamp source may only change while stopped
type clocked struct {
	*ramp
	arm, running bool
}

func (c *clocked) UseARMTimer() bool { return c.arm }
func (c *clocked) SetUseARMTimer(b bool) error {
	if c.running {
		return fmt.Errorf("switching the timer while sampling: %w", bcm.ErrConfig)
	}
	c.arm = b
	return nil
}

func TestSettersReportBadRequests(t *testing.T) {
	s := &clocked{ramp: &ramp{n: 8, active: []bool{true, false}}}
	h := router(daq.NewHTTPADC(s, nil))
	for _, c := range []struct {
		path, body string
		code       int
	}{
		{"/toggle-channel", `{"int": 7}`, http.StatusBadRequest},
		{"/toggle-channel", `{"int": 1}`, http.StatusOK},
		{"/trigger-mode", `{"str": "sideways"}`, http.StatusBadRequest},
		{"/trigger-mode", `{"str": "falling_edge"}`, http.StatusOK},
		{"/trigger-mode", `not json`, http.StatusBadRequest},
		{"/use-arm-timer", `{"bool": true}`, http.StatusOK},
	} {
		if rec := do(t, h, http.MethodPost, c.path, c.body); rec.Code != c.code {
			t.Errorf("POST %s %s: expected %d got %d: %s", c.path, c.body, c.code, rec.Code, rec.Body)
		}
	}
	s.running = true
	if rec := do(t, h, http.MethodPost, "/use-arm-timer", `{"bool": false}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 switching the timer while sampling, got %d", rec.Code)
	}
	if !s.arm {
		t.Error("expected the ARM timer to stay selected")
	}
}
