package models

// FrequencyPoint represents a single frequency measurement
type FrequencyPoint struct {
	Frequency float64 `json:"frequency" doc:"Frequency in Hz"`
	Magnitude float64 `json:"magnitude" doc:"Magnitude in dB or volts, depending on the spectrum mode"`
}

// SpectrumMode selects the magnitude convention of a spectrum
type SpectrumMode string

const (
	// SpectrumDecibel is a Hann-windowed 20*log10|X| spectrum
	SpectrumDecibel SpectrumMode = "db"
	// SpectrumAmplitude is a rectangular-window |X|*2/n amplitude spectrum
	SpectrumAmplitude SpectrumMode = "amplitude"
)

// Spectrum is the frequency-domain view of one channel of one acquisition
type Spectrum struct {
	Channel      int          `json:"channel"`
	Mode         SpectrumMode `json:"mode"`
	RBW          float64      `json:"rbw_hz" doc:"Requested resolution bandwidth"`
	EffectiveRBW float64      `json:"effective_rbw_hz" doc:"Bin spacing actually obtained"`
	Window       int          `json:"window" doc:"Number of time-domain samples transformed"`
	Frequencies  []float64    `json:"frequencies"`
	Magnitudes   []float64    `json:"magnitudes"`
}

// Len returns the number of bins
func (s *Spectrum) Len() int {
	return len(s.Frequencies)
}

// Points returns the spectrum as frequency/magnitude pairs
func (s *Spectrum) Points() []FrequencyPoint {
	pts := make([]FrequencyPoint, len(s.Frequencies))
	for i := range s.Frequencies {
		pts[i] = FrequencyPoint{Frequency: s.Frequencies[i], Magnitude: s.Magnitudes[i]}
	}
	return pts
}

// Peak returns the strongest bin, ignoring DC
func (s *Spectrum) Peak() (FrequencyPoint, bool) {
	if len(s.Magnitudes) < 2 {
		return FrequencyPoint{}, false
	}
	best := 1
	for i := 2; i < len(s.Magnitudes); i++ {
		if s.Magnitudes[i] > s.Magnitudes[best] {
			best = i
		}
	}
	return FrequencyPoint{Frequency: s.Frequencies[best], Magnitude: s.Magnitudes[best]}, true
}
