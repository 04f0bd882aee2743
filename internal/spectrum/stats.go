package spectrum

import (
	"math"

	"github.com/RMahshie/spectrascope/pkg/models"
)

// Summarize computes the voltage statistics of one channel
func Summarize(ch models.ChannelData) models.ChannelStats {
	st := models.ChannelStats{Channel: ch.Channel}
	if len(ch.Samples) == 0 {
		return st
	}

	st.Min, st.Max = ch.Samples[0], ch.Samples[0]
	var sumSq float64
	for _, v := range ch.Samples {
		st.Min = math.Min(st.Min, v)
		st.Max = math.Max(st.Max, v)
		sumSq += v * v
	}
	st.RMS = math.Sqrt(sumSq / float64(len(ch.Samples)))
	st.PeakToPeak = st.Max - st.Min
	return st
}

// WithPeak fills the peak frequency fields from a spectrum
func WithPeak(st models.ChannelStats, s *models.Spectrum) models.ChannelStats {
	if s == nil {
		return st
	}
	if p, ok := s.Peak(); ok {
		st.PeakFrequency = p.Frequency
		st.PeakMagnitude = p.Magnitude
	}
	return st
}
