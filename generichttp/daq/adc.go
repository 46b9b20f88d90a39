package daq

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"go/types"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/astrogo/fitsio"
	"github.com/snksoft/crc"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/piscope/adc"
	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/caprec"
	"github.com/nasa-jpl/piscope/decode"
	"github.com/nasa-jpl/piscope/generichttp"
	"github.com/nasa-jpl/piscope/oscilloscope"
	"github.com/nasa-jpl/piscope/trigger"
)

var crcTable = crc.NewTable(crc.CRC32)

// Timestamper is a sampler that stamps each sample
type Timestamper interface {
	Timestamps() ([]float64, error)
}

// ARMTimerUser is a sampler that can stamp from the ARM timer
type ARMTimerUser interface {
	UseARMTimer() bool
	SetUseARMTimer(bool) error
}

// HTTPADC wraps an adc.Sampler in an HTTP interface.  Routes that capture
// share one rate limiter, since each capture occupies the DMA engine.
type HTTPADC struct {
	sync.Mutex

	s       adc.Sampler
	limiter *rate.Limiter
	rec     *caprec.Recorder
	mode    trigger.Mode
	levels  *trigger.Levels

	RouteTable generichttp.RouteTable
}

// NewHTTPADC sets up the routes for s.  A nil limiter leaves captures
// unlimited.  Extra routes are added for samplers with switchable channels
// or timestamps.
func NewHTTPADC(s adc.Sampler, limiter *rate.Limiter) *HTTPADC {
	h := &HTTPADC{s: s, limiter: limiter, mode: trigger.Rising}
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/configure"}:      h.Configure,
		{Method: http.MethodPost, Path: "/start"}:          h.Start,
		{Method: http.MethodPost, Path: "/stop"}:           h.Stop,
		{Method: http.MethodGet, Path: "/samples"}:         generichttp.GetInt(func() (int, error) { return s.Samples(), nil }),
		{Method: http.MethodGet, Path: "/rate"}:            generichttp.GetFloat(h.realized),
		{Method: http.MethodGet, Path: "/trigger-mode"}:    generichttp.GetString(h.getMode),
		{Method: http.MethodPost, Path: "/trigger-mode"}:   setString(h.setMode),
		{Method: http.MethodGet, Path: "/trigger-levels"}:  h.GetLevels,
		{Method: http.MethodPost, Path: "/trigger-levels"}: h.SetLevels,
		{Method: http.MethodGet, Path: "/buffers"}:         h.limit(h.Buffers),
		{Method: http.MethodGet, Path: "/trigger"}:         h.limit(h.Trigger),
		{Method: http.MethodGet, Path: "/raw"}:             h.limit(h.Raw),
		{Method: http.MethodGet, Path: "/capture.fits"}:    h.limit(h.FITS),
		{Method: http.MethodGet, Path: "/buffers.csv"}:     h.limit(h.CSV),
	}
	if t, ok := s.(adc.ChannelToggler); ok {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/toggle-channel"}] = setInt(t.ToggleChannel)
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/active-channels"}] = ActiveChannels(t)
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/rates"}] = Rates(t)
	}
	if t, ok := s.(Timestamper); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/timestamps"}] = h.limit(Timestamps(t))
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/recording.csv"}] = h.limit(h.Recording(t))
	}
	if t, ok := s.(ARMTimerUser); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/use-arm-timer"}] = generichttp.GetBool(func() (bool, error) { return t.UseARMTimer(), nil })
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/use-arm-timer"}] = setBool(t.SetUseARMTimer)
	}
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPADC) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h *HTTPADC) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			http.Error(w, "capture rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// Record saves every capture served as FITS to rec while it is enabled, and
// adds the /autowrite routes that steer it
func (h *HTTPADC) Record(rec *caprec.Recorder) {
	h.Lock()
	h.rec = rec
	h.Unlock()
	caprec.NewHTTPWrapper(rec).Inject(h)
}

func (h *HTTPADC) realized() (float64, error) {
	return h.s.RateHz(), nil
}

func (h *HTTPADC) getMode() (string, error) {
	h.Lock()
	defer h.Unlock()
	return h.mode.String(), nil
}

func (h *HTTPADC) setMode(s string) error {
	m, err := trigger.ParseMode(s)
	if err != nil {
		return err
	}
	h.Lock()
	defer h.Unlock()
	h.mode = m
	return nil
}

type configuration struct {
	Samples int     `json:"samples"`
	RateHz  float64 `json:"rate_hz"`
}

// Configure sizes the capture and sets the rate from {"samples", "rate_hz"}
// and replies with the realized rate as {"f64"}
func (h *HTTPADC) Configure(w http.ResponseWriter, r *http.Request) {
	var input configuration
	err := json.NewDecoder(r.Body).Decode(&input)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hz, err := h.s.Configure(input.Samples, input.RateHz)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	hp := generichttp.HumanPayload{T: types.Float64, Float: hz}
	hp.EncodeAndRespond(w, r)
}

// Start begins sampling
func (h *HTTPADC) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.s.Start(); err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Stop ends sampling
func (h *HTTPADC) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.s.Stop(); err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetLevels replies with the trigger levels, or null when they are set from
// each capture
func (h *HTTPADC) GetLevels(w http.ResponseWriter, r *http.Request) {
	h.Lock()
	lv := h.levels
	h.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(lv); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetLevels fixes the trigger levels from {"low", "high"}.  A null body
// returns to levels set from each capture.
func (h *HTTPADC) SetLevels(w http.ResponseWriter, r *http.Request) {
	var lv *trigger.Levels
	err := json.NewDecoder(r.Body).Decode(&lv)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if lv != nil && lv.Low > lv.High {
		http.Error(w, fmt.Sprintf("trigger low level %g above high level %g", lv.Low, lv.High), http.StatusBadRequest)
		return
	}
	h.Lock()
	h.levels = lv
	h.Unlock()
	w.WriteHeader(http.StatusOK)
}

type sweep struct {
	RateHz  float64         `json:"rate_hz"`
	Buffers [][]float64     `json:"buffers"`
	Levels  *trigger.Levels `json:"levels,omitempty"`
	Trigger *trigger.Result `json:"trigger,omitempty"`
}

func values(bufs [][]decode.Sample) [][]float64 {
	out := make([][]float64, len(bufs))
	for i, b := range bufs {
		out[i] = decode.Values(b)
	}
	return out
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Buffers captures a sweep and replies with one array of volts per active
// channel
func (h *HTTPADC) Buffers(w http.ResponseWriter, r *http.Request) {
	bufs, err := h.s.Buffers()
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	hz, _ := h.realized()
	respondJSON(w, sweep{RateHz: hz, Buffers: values(bufs)})
}

// Trigger captures a sweep and searches the first channel for an edge.  The
// query parameter skip overrides the number of settling samples ignored.
func (h *HTTPADC) Trigger(w http.ResponseWriter, r *http.Request) {
	h.Lock()
	mode, lv := h.mode, h.levels
	h.Unlock()
	hz := h.s.RateHz()
	skip := adc.SettleSkip(hz)
	if q := r.URL.Query().Get("skip"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		skip = n
	}
	sw, err := adc.Acquire(h.s, mode, lv, skip)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	respondJSON(w, sweep{RateHz: hz, Buffers: values(sw.Buffers), Levels: &sw.Levels, Trigger: &sw.Trigger})
}

// Raw replies with the undecoded capture.  X-Crc32 carries its CRC-32 in hex.
func (h *HTTPADC) Raw(w http.ResponseWriter, r *http.Request) {
	raw, err := h.s.Capture()
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	sum := crcTable.CRC32(crcTable.UpdateCrc(crcTable.InitCrc(), raw))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Crc32", fmt.Sprintf("%08x", sum))
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.Write(raw)
}

// FITS captures a sweep and replies with it as a FITS image, one row per
// active channel.  With a recorder enabled the image is also saved to disk.
func (h *HTTPADC) FITS(w http.ResponseWriter, r *http.Request) {
	bufs, err := h.s.Buffers()
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	hz, _ := h.realized()
	h.Lock()
	rec := h.rec
	h.Unlock()
	if rec != nil && rec.IsEnabled() {
		fn, err := rec.Save(func(f io.Writer) error { return WriteFITS(f, bufs, hz) })
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		log.Println("capture saved to", fn)
	}
	w.Header().Set("Content-Type", "image/fits")
	w.Header().Set("Content-Disposition", "attachment; filename=capture.fits")
	if err := WriteFITS(w, bufs, hz); err != nil {
		http.Error(w, err.Error(), statusOf(err))
	}
}

// CSV captures a sweep and replies with it as CSV, a time column followed by
// one column of volts per active channel
func (h *HTTPADC) CSV(w http.ResponseWriter, r *http.Request) {
	bufs, err := h.s.Buffers()
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	wav, err := oscilloscope.FromBuffers(bufs, h.s.RateHz())
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	if err := wav.EncodeCSV(w); err != nil {
		log.Println("error writing CSV:", err)
	}
}

// Recording replies with the latest samples and their times as CSV
func (h *HTTPADC) Recording(t Timestamper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bufs, err := h.s.Buffers()
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		ts, err := t.Timestamps()
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		if len(bufs) == 0 {
			http.Error(w, "no channel is active", http.StatusBadRequest)
			return
		}
		rec := oscilloscope.Recording{Name: "volts", RelTimes: ts, Measurement: decode.Values(bufs[0])}
		w.Header().Set("Content-Type", "text/csv")
		if err := rec.EncodeCSV(w); err != nil {
			http.Error(w, err.Error(), statusOf(err))
		}
	}
}

// WriteFITS streams bufs to w as a 64-bit float image of len(bufs) rows
func WriteFITS(w io.Writer, bufs [][]decode.Sample, rateHz float64) error {
	if len(bufs) == 0 || len(bufs[0]) == 0 {
		return fmt.Errorf("no samples to write, is any channel active: %w", bcm.ErrConfig)
	}
	n := len(bufs[0])
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{n, len(bufs)})
	defer im.Close()
	err = im.Header().Append(
		fitsio.Card{Name: "RATE", Value: rateHz, Comment: "sample rate, Hz"},
		fitsio.Card{Name: "BUNIT", Value: "V"},
	)
	if err != nil {
		return err
	}
	data := make([]float64, 0, n*len(bufs))
	for _, b := range bufs {
		if len(b) != n {
			return fmt.Errorf("channel of %d samples beside %d: %w", len(b), n, bcm.ErrConfig)
		}
		data = append(data, decode.Values(b)...)
	}
	if err = im.Write(data); err != nil {
		return err
	}
	return fits.Write(im)
}

// ActiveChannels replies with the on/off state of every channel
func ActiveChannels(t adc.ChannelToggler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, t.ActiveChannels())
	}
}

// Rates replies with the sample rates realizable for the active channels
func Rates(t adc.ChannelToggler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := 0
		for _, on := range t.ActiveChannels() {
			if on {
				n++
			}
		}
		respondJSON(w, adc.RateTable(n))
	}
}

// Timestamps replies with the sample times in seconds as little-endian
// float64s
func Timestamps(t Timestamper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ts, err := t.Timestamps()
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		binary.Write(w, binary.LittleEndian, ts)
	}
}
