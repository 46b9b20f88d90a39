// Package oscilloscope provides the waveform types a capture is exported as
package oscilloscope

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/nasa-jpl/piscope/bcm"
	"github.com/nasa-jpl/piscope/decode"
)

// Waveform describes one sweep of channels sampled together
type Waveform struct {
	// DT is the temporal sample spacing in seconds
	DT float64 `json:"dt"`

	// Channels holds named data streams
	Channels []Channel `json:"channels"`
}

// Channel is a named stream of voltages
type Channel struct {
	Name string    `json:"name"`
	Data []float64 `json:"data"`
}

// FromBuffers builds a waveform from decoded buffers sampled at rateHz.
// Channels are named ch0, ch1 and so on.
func FromBuffers(bufs [][]decode.Sample, rateHz float64) (Waveform, error) {
	if rateHz <= 0 {
		return Waveform{}, fmt.Errorf("waveform at %g Hz: %w", rateHz, bcm.ErrConfig)
	}
	wav := Waveform{DT: 1 / rateHz, Channels: make([]Channel, len(bufs))}
	for i, b := range bufs {
		wav.Channels[i] = Channel{Name: "ch" + strconv.Itoa(i), Data: decode.Values(b)}
	}
	return wav, nil
}

func format(f float64) string {
	return strconv.FormatFloat(f, 'G', -1, 64)
}

// EncodeCSV writes a time column and one column per channel.  A channel
// shorter than the longest leaves its trailing cells empty.
func (wav Waveform) EncodeCSV(w io.Writer) error {
	n := 0
	labels := []string{"time"}
	for _, c := range wav.Channels {
		labels = append(labels, c.Name)
		if len(c.Data) > n {
			n = len(c.Data)
		}
	}
	bw := bufio.NewWriter(w)
	writer := csv.NewWriter(bw)
	if err := writer.Write(labels); err != nil {
		return err
	}
	row := make([]string, len(labels))
	for i := 0; i < n; i++ {
		row[0] = format(float64(i) * wav.DT)
		for j, c := range wav.Channels {
			row[j+1] = ""
			if i < len(c.Data) {
				row[j+1] = format(c.Data[i])
			}
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

// Recording is a timestamped series from a polled ADC
type Recording struct {
	// RelTimes is the time of each sample in seconds, may be empty
	RelTimes []float64

	// Measurement is the actual numeric data
	Measurement []float64

	// Name is the label to use for the data
	Name string
}

// EncodeCSV writes the recording as a CSV.  Without times only the
// measurement column is written.
func (r Recording) EncodeCSV(w io.Writer) error {
	timed := len(r.RelTimes) > 0
	if timed && len(r.RelTimes) != len(r.Measurement) {
		return fmt.Errorf("%d times for %d samples: %w", len(r.RelTimes), len(r.Measurement), bcm.ErrConfig)
	}
	bw := bufio.NewWriter(w)
	writer := csv.NewWriter(bw)
	row := []string{r.Name}
	if timed {
		row = []string{"time", r.Name}
	}
	if err := writer.Write(row); err != nil {
		return err
	}
	for i, m := range r.Measurement {
		if timed {
			row[0], row[1] = format(r.RelTimes[i]), format(m)
		} else {
			row[0] = format(m)
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return bw.Flush()
}
