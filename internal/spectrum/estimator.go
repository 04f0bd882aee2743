// Package spectrum turns time-domain channel buffers into RBW-controlled
// magnitude spectra.
package spectrum

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/RMahshie/spectrascope/pkg/models"
)

// Epsilon is added to every magnitude before taking the logarithm
const Epsilon = 1e-10

var (
	ErrShortBuffer = errors.New("buffer shorter than two samples")
	ErrInvalidRBW  = errors.New("resolution bandwidth must be positive and finite")
	ErrSampleRate  = errors.New("sample rate must be positive and finite")
)

// ParseMode converts a configuration string into a spectrum mode
func ParseMode(s string) (models.SpectrumMode, error) {
	switch models.SpectrumMode(s) {
	case "", models.SpectrumDecibel:
		return models.SpectrumDecibel, nil
	case models.SpectrumAmplitude:
		return models.SpectrumAmplitude, nil
	}
	return "", fmt.Errorf("unknown spectrum mode %q", s)
}

// WindowSize returns round(sampleRate/rbw) clamped to [2, n]
func WindowSize(sampleRate, rbw float64, n int) int {
	w := math.Round(sampleRate / rbw)
	if w > float64(n) {
		w = float64(n)
	}
	if w < 2 {
		w = 2
	}
	return int(w)
}

// Hann returns a symmetric Hann window of length n
func Hann(n int) []float64 {
	if n <= 0 {
		return nil
	}
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// Estimator computes spectra at a fixed sample rate. FFT plans and windows
// are cached per window length. Transforms are serialized, so an Estimator
// may be shared between goroutines.
type Estimator struct {
	sampleRate float64
	mode       models.SpectrumMode

	mu      sync.Mutex
	ffts    map[int]*fourier.FFT
	windows map[int][]float64
}

// NewEstimator creates an estimator for the given sample rate and mode
func NewEstimator(sampleRate float64, mode models.SpectrumMode) (*Estimator, error) {
	if !(sampleRate > 0) || math.IsInf(sampleRate, 0) {
		return nil, ErrSampleRate
	}
	if mode == "" {
		mode = models.SpectrumDecibel
	}
	if mode != models.SpectrumDecibel && mode != models.SpectrumAmplitude {
		return nil, fmt.Errorf("unknown spectrum mode %q", mode)
	}
	return &Estimator{
		sampleRate: sampleRate,
		mode:       mode,
		ffts:       make(map[int]*fourier.FFT),
		windows:    make(map[int][]float64),
	}, nil
}

// SampleRate returns the sample rate the estimator was built for
func (e *Estimator) SampleRate() float64 {
	return e.sampleRate
}

// Mode returns the magnitude convention
func (e *Estimator) Mode() models.SpectrumMode {
	return e.mode
}

// Estimate computes the spectrum of buffer at the requested RBW.
// Only the first WindowSize samples are transformed; the rest of the
// buffer is ignored.
func (e *Estimator) Estimate(buffer []float64, rbw float64) (*models.Spectrum, error) {
	if len(buffer) < 2 {
		return nil, ErrShortBuffer
	}
	if !(rbw > 0) || math.IsInf(rbw, 0) {
		return nil, ErrInvalidRBW
	}

	n := WindowSize(e.sampleRate, rbw, len(buffer))

	e.mu.Lock()
	defer e.mu.Unlock()
	fft, window := e.planLocked(n)

	seg := make([]float64, n)
	if e.mode == models.SpectrumDecibel {
		for i := range seg {
			seg[i] = buffer[i] * window[i]
		}
	} else {
		copy(seg, buffer[:n])
	}

	coeffs := fft.Coefficients(nil, seg)

	bins := n / 2
	s := &models.Spectrum{
		Mode:         e.mode,
		RBW:          rbw,
		EffectiveRBW: e.sampleRate / float64(n),
		Window:       n,
		Frequencies:  make([]float64, bins),
		Magnitudes:   make([]float64, bins),
	}
	for k := 0; k < bins; k++ {
		s.Frequencies[k] = float64(k) * e.sampleRate / float64(n)
		mag := math.Hypot(real(coeffs[k]), imag(coeffs[k]))
		if e.mode == models.SpectrumDecibel {
			s.Magnitudes[k] = 20 * math.Log10(mag+Epsilon)
		} else {
			s.Magnitudes[k] = mag * 2 / float64(n)
		}
	}
	return s, nil
}

// EstimateChannel computes the spectrum of one channel of an acquisition
func (e *Estimator) EstimateChannel(ch models.ChannelData, rbw float64) (*models.Spectrum, error) {
	s, err := e.Estimate(ch.Samples, rbw)
	if err != nil {
		return nil, fmt.Errorf("channel %d: %w", ch.Channel, err)
	}
	s.Channel = ch.Channel
	return s, nil
}

const maxPlans = 16

func (e *Estimator) planLocked(n int) (*fourier.FFT, []float64) {
	fft, ok := e.ffts[n]
	if !ok {
		if len(e.ffts) >= maxPlans {
			clear(e.ffts)
			clear(e.windows)
		}
		fft = fourier.NewFFT(n)
		e.ffts[n] = fft
		e.windows[n] = Hann(n)
	}
	return fft, e.windows[n]
}
