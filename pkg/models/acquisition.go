package models

import (
	"math"
	"time"
)

// ChannelData holds the samples read from one input channel during an acquisition
type ChannelData struct {
	Channel int       `json:"channel" doc:"Input channel index (1-based)"`
	Samples []float64 `json:"-"`
	Missing bool      `json:"missing" doc:"True when the channel reply could not be parsed"`
	Error   string    `json:"error,omitempty" doc:"Reason the channel is missing"`
}

// Acquisition is one trigger-synchronized multi-channel capture.
// It is assembled once by the acquisition controller and never mutated afterwards.
type Acquisition struct {
	ID              string        `json:"id"`
	Timestamp       time.Time     `json:"timestamp"`
	Elapsed         float64       `json:"elapsed" doc:"Seconds since the session started"`
	SampleRate      float64       `json:"sample_rate" doc:"Effective sample rate in Hz"`
	Decimation      int           `json:"decimation"`
	TriggerTimedOut bool          `json:"trigger_timed_out" doc:"Trigger was not detected before the deadline"`
	FillTimedOut    bool          `json:"fill_timed_out" doc:"Buffer was not reported full before the deadline"`
	ShortBuffer     bool          `json:"short_buffer" doc:"Channels returned fewer samples than the configured buffer size"`
	Channels        []ChannelData `json:"channels"`
}

// Channel returns the data for the given channel index
func (a *Acquisition) Channel(ch int) (ChannelData, bool) {
	for _, c := range a.Channels {
		if c.Channel == ch {
			return c, true
		}
	}
	return ChannelData{}, false
}

// Present returns the channels that carry samples
func (a *Acquisition) Present() []ChannelData {
	out := make([]ChannelData, 0, len(a.Channels))
	for _, c := range a.Channels {
		if !c.Missing {
			out = append(out, c)
		}
	}
	return out
}

// Length returns the shared buffer length of the present channels
func (a *Acquisition) Length() int {
	for _, c := range a.Channels {
		if !c.Missing {
			return len(c.Samples)
		}
	}
	return 0
}

// ChannelStats summarizes one channel of an acquisition
type ChannelStats struct {
	Channel       int     `json:"channel"`
	Min           float64 `json:"min" doc:"Minimum voltage"`
	Max           float64 `json:"max" doc:"Maximum voltage"`
	RMS           float64 `json:"rms" doc:"RMS voltage"`
	PeakToPeak    float64 `json:"peak_to_peak"`
	PeakFrequency float64 `json:"peak_frequency,omitempty" doc:"Frequency of the strongest non-DC bin in Hz"`
	PeakMagnitude float64 `json:"peak_magnitude,omitempty" doc:"Magnitude of the strongest non-DC bin"`
}

// Extrema is the running (min, max) voltage pair of a session.
// It only ever widens.
type Extrema struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Valid bool    `json:"valid" doc:"False until the first observation"`
}

// Observe widens the extrema to include [min, max]
func (e *Extrema) Observe(min, max float64) {
	if math.IsNaN(min) || math.IsNaN(max) {
		return
	}
	if !e.Valid {
		e.Min, e.Max, e.Valid = min, max, true
		return
	}
	if min < e.Min {
		e.Min = min
	}
	if max > e.Max {
		e.Max = max
	}
}

// Range returns display limits padded by margin times the span.
// A zero span is padded by margin volts.
func (e Extrema) Range(margin float64) (lo, hi float64) {
	if !e.Valid {
		return -margin, margin
	}
	pad := margin * (e.Max - e.Min)
	if pad <= 0 {
		pad = margin
	}
	return e.Min - pad, e.Max + pad
}

// ChannelConfig is the live configuration of one input channel
type ChannelConfig struct {
	Channel       int    `json:"channel"`
	AttenuationDB int    `json:"attenuation_db"`
	GainMode      string `json:"gain_mode" doc:"Instrument gain token (LV/HV)"`
}

// Frame is what the presentation side receives after every acquisition
type Frame struct {
	SessionID   string         `json:"session_id"`
	Sequence    int            `json:"sequence"`
	RBW         float64        `json:"rbw_hz"`
	Acquisition *Acquisition   `json:"acquisition"`
	Spectra     []Spectrum     `json:"spectra"`
	Stats       []ChannelStats `json:"stats"`
	Extrema     Extrema        `json:"extrema"`
}

// Spectrum returns the spectrum computed for the given channel
func (f *Frame) Spectrum(ch int) (*Spectrum, bool) {
	for i := range f.Spectra {
		if f.Spectra[i].Channel == ch {
			return &f.Spectra[i], true
		}
	}
	return nil, false
}
