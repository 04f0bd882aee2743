package models

// AutoscaleMargin pads the global extrema when suggesting voltage axis limits
const AutoscaleMargin = 0.1

// WaveformPoint is one time-domain sample
type WaveformPoint struct {
	Time    float64 `json:"time" doc:"Seconds from the first sample of the buffer"`
	Voltage float64 `json:"voltage" doc:"Sample value in volts"`
}

// Waveform is a display copy of one channel's time-domain buffer, keeping
// every Stride-th sample
type Waveform struct {
	Channel    int       `json:"channel"`
	SampleRate float64   `json:"sample_rate" doc:"Sample rate of the full buffer in Hz"`
	Stride     int       `json:"stride" doc:"Distance between kept samples"`
	Length     int       `json:"length" doc:"Samples in the full buffer"`
	Times      []float64 `json:"times"`
	Volts      []float64 `json:"volts"`
}

// Len returns the number of kept samples
func (w *Waveform) Len() int {
	return len(w.Volts)
}

// Points pairs each kept sample with its time
func (w *Waveform) Points() []WaveformPoint {
	out := make([]WaveformPoint, len(w.Volts))
	for i := range w.Volts {
		out[i] = WaveformPoint{Time: w.Times[i], Voltage: w.Volts[i]}
	}
	return out
}

// Waveform returns the buffer of channel ch reduced to at most maxPoints
// samples. maxPoints <= 0 keeps every sample. Missing channels have no
// waveform.
func (a *Acquisition) Waveform(ch, maxPoints int) (*Waveform, bool) {
	c, ok := a.Channel(ch)
	if !ok || c.Missing {
		return nil, false
	}

	n := len(c.Samples)
	stride := 1
	if maxPoints > 0 && n > maxPoints {
		stride = (n + maxPoints - 1) / maxPoints
	}
	kept := (n + stride - 1) / stride

	w := &Waveform{
		Channel:    ch,
		SampleRate: a.SampleRate,
		Stride:     stride,
		Length:     n,
		Times:      make([]float64, 0, kept),
		Volts:      make([]float64, 0, kept),
	}
	for i := 0; i < n; i += stride {
		t := float64(i)
		if a.SampleRate > 0 {
			t /= a.SampleRate
		}
		w.Times = append(w.Times, t)
		w.Volts = append(w.Volts, c.Samples[i])
	}
	return w, true
}

// Waveforms returns the reduced buffers of every present channel
func (a *Acquisition) Waveforms(maxPoints int) []Waveform {
	out := make([]Waveform, 0, len(a.Channels))
	for _, c := range a.Channels {
		if w, ok := a.Waveform(c.Channel, maxPoints); ok {
			out = append(out, *w)
		}
	}
	return out
}
