// Package metrics exposes Prometheus collectors for the acquisition loop.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RMahshie/spectrascope/pkg/models"
)

const namespace = "spectrascope"

// Metrics holds the collectors of one session. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	acquisitions     prometheus.Counter
	skippedTicks     *prometheus.CounterVec // by reason
	waitTimeouts     *prometheus.CounterVec // by stage (trigger/fill)
	missingChannels  *prometheus.CounterVec // by channel
	reconfigurations *prometheus.CounterVec // by kind and result
	acquisitionTime  prometheus.Histogram
	rbw              prometheus.Gauge
	attenuation      *prometheus.GaugeVec // by channel
	globalMin        prometheus.Gauge
	globalMax        prometheus.Gauge
	channelRMS       *prometheus.GaugeVec // by channel
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		acquisitions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Acquisitions published",
		}),
		skippedTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_ticks_total",
			Help:      "Acquisition ticks skipped because of a non-fatal error",
		}, []string{"reason"}),
		waitTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_timeouts_total",
			Help:      "Trigger or buffer-fill waits that hit their deadline",
		}, []string{"stage"}),
		missingChannels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_channels_total",
			Help:      "Channel reads that could not be parsed",
		}, []string{"channel"}),
		reconfigurations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconfigurations_total",
			Help:      "Reconfiguration commands by kind and result",
		}, []string{"kind", "result"}),
		acquisitionTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquisition_duration_seconds",
			Help:      "Wall time of one acquisition including trigger and fill waits",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		rbw: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rbw_hz",
			Help:      "Current resolution bandwidth",
		}),
		attenuation: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attenuation_db",
			Help:      "Current attenuation per channel",
		}, []string{"channel"}),
		globalMin: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_min_volts",
			Help:      "Lowest voltage observed this session",
		}),
		globalMax: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_max_volts",
			Help:      "Highest voltage observed this session",
		}),
		channelRMS: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_rms_volts",
			Help:      "RMS voltage of the latest acquisition per channel",
		}, []string{"channel"}),
	}
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFrame records one published acquisition
func (m *Metrics) ObserveFrame(f *models.Frame, took time.Duration) {
	if m == nil || f == nil || f.Acquisition == nil {
		return
	}
	m.acquisitions.Inc()
	m.acquisitionTime.Observe(took.Seconds())
	if f.Acquisition.TriggerTimedOut {
		m.waitTimeouts.WithLabelValues("trigger").Inc()
	}
	if f.Acquisition.FillTimedOut {
		m.waitTimeouts.WithLabelValues("fill").Inc()
	}
	for _, c := range f.Acquisition.Channels {
		if c.Missing {
			m.missingChannels.WithLabelValues(strconv.Itoa(c.Channel)).Inc()
		}
	}
	for _, st := range f.Stats {
		m.channelRMS.WithLabelValues(strconv.Itoa(st.Channel)).Set(st.RMS)
	}
	if f.Extrema.Valid {
		m.globalMin.Set(f.Extrema.Min)
		m.globalMax.Set(f.Extrema.Max)
	}
}

// SkippedTick records a tick that produced no acquisition
func (m *Metrics) SkippedTick(reason string) {
	if m == nil {
		return
	}
	m.skippedTicks.WithLabelValues(reason).Inc()
}

// Reconfigured records a reconfiguration command outcome
func (m *Metrics) Reconfigured(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconfigurations.WithLabelValues(kind, result).Inc()
}

// SetRBW records the resolution bandwidth in effect
func (m *Metrics) SetRBW(hz float64) {
	if m == nil {
		return
	}
	m.rbw.Set(hz)
}

// SetAttenuation records the attenuation of one channel
func (m *Metrics) SetAttenuation(ch, db int) {
	if m == nil {
		return
	}
	m.attenuation.WithLabelValues(strconv.Itoa(ch)).Set(float64(db))
}
