// Package session runs the acquisition scheduling loop for one instrument
// connection and applies reconfiguration commands between acquisitions.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/RMahshie/spectrascope/internal/acquisition"
	"github.com/RMahshie/spectrascope/internal/config"
	"github.com/RMahshie/spectrascope/internal/metrics"
	"github.com/RMahshie/spectrascope/internal/repository"
	"github.com/RMahshie/spectrascope/internal/scpi"
	"github.com/RMahshie/spectrascope/internal/spectrum"
	"github.com/RMahshie/spectrascope/pkg/models"
)

var (
	ErrCommandPending = errors.New("a reconfiguration command is already pending")
	ErrNotRunning     = errors.New("session is not running")
	ErrAlreadyStarted = errors.New("session already started")
)

// Acquirer produces acquisitions from the instrument
type Acquirer interface {
	Configure(ctx context.Context) error
	Acquire(ctx context.Context) (*models.Acquisition, error)
	Stop(ctx context.Context) error
	Close() error
}

// Gain holds the per-channel attenuation state
type Gain interface {
	SetAttenuation(ctx context.Context, ch, db int) error
	Channels() []models.ChannelConfig
	Supported() []int
}

// Estimator computes channel spectra
type Estimator interface {
	EstimateChannel(ch models.ChannelData, rbw float64) (*models.Spectrum, error)
}

// Presenter receives every published frame. Present is called on the loop
// goroutine and must not block.
type Presenter interface {
	Present(frame *models.Frame)
}

// Options holds the scheduling parameters
type Options struct {
	InstrumentAddress string
	Interval          time.Duration
	Duration          time.Duration
	HistorySize       int
	RBW               float64
	RBWMin            float64
	RBWMax            float64
	RBWPolicy         string
	ShutdownTimeout   time.Duration
}

// Option configures optional collaborators
type Option func(*Session)

// WithRepository persists the session record and acquisition summaries
func WithRepository(repo repository.SessionRepository) Option {
	return func(s *Session) { s.repo = repo }
}

// WithMetrics records loop metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithPresenter adds a frame consumer
func WithPresenter(p Presenter) Option {
	return func(s *Session) { s.presenters = append(s.presenters, p) }
}

type commandKind string

const (
	cmdRBW         commandKind = "rbw"
	cmdAttenuation commandKind = "attenuation"
)

type command struct {
	kind    commandKind
	rbw     float64
	channel int
	db      int
	reply   chan error
}

// Session owns the mutable acquisition state: RBW, global extrema,
// history and counters. Reconfiguration reaches it only through the loop.
type Session struct {
	id         string
	opts       Options
	acq        Acquirer
	gain       Gain
	est        Estimator
	repo       repository.SessionRepository
	metrics    *metrics.Metrics
	presenters []Presenter

	commands chan command
	done     chan struct{}

	mu              sync.RWMutex
	started         bool
	running         bool
	startedAt       time.Time
	rbw             float64
	extrema         models.Extrema
	sequence        int
	skipped         int
	triggerTimeouts int
	latest          *models.Frame
	history         []*models.Acquisition
}

// New creates a session. It does not touch the instrument until Run.
func New(opts Options, acq Acquirer, gain Gain, est Estimator, options ...Option) *Session {
	if opts.HistorySize < 1 {
		opts.HistorySize = 1
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.RBWPolicy == "" {
		opts.RBWPolicy = config.RBWPolicyClamp
	}
	s := &Session{
		id:       uuid.New().String(),
		opts:     opts,
		acq:      acq,
		gain:     gain,
		est:      est,
		commands: make(chan command, 1),
		done:     make(chan struct{}),
		rbw:      opts.RBW,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Run configures the instrument and acquires on a fixed cadence until ctx is
// done, the configured duration elapses, or a fatal error occurs. The
// instrument is stopped and the transport closed however Run returns.
func (s *Session) Run(ctx context.Context) (stats models.SessionStats, err error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return models.SessionStats{}, ErrAlreadyStarted
	}
	s.started = true
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	logger := log.With().Str("session", s.id).Logger()
	logger.Info().
		Str("instrument", s.opts.InstrumentAddress).
		Dur("interval", s.opts.Interval).
		Dur("duration", s.opts.Duration).
		Float64("rbw_hz", s.opts.RBW).
		Msg("Session starting")

	defer func() {
		stats = s.shutdown(context.WithoutCancel(ctx), err)
	}()

	s.metrics.SetRBW(s.currentRBW())
	for _, c := range s.gain.Channels() {
		s.metrics.SetAttenuation(c.Channel, c.AttenuationDB)
	}

	if s.repo != nil {
		rec := &models.SessionRecord{ID: s.id, InstrumentAddress: s.opts.InstrumentAddress, StartedAt: s.startedAt}
		if err := s.repo.CreateSession(ctx, rec); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist session, continuing without persistence")
			s.repo = nil
		}
	}

	if err := s.acq.Configure(ctx); err != nil {
		if ctx.Err() != nil {
			return models.SessionStats{}, nil
		}
		return models.SessionStats{}, fmt.Errorf("configure instrument: %w", err)
	}

	if s.opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Duration)
		defer cancel()
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	if err := s.tick(ctx); err != nil {
		return models.SessionStats{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return models.SessionStats{}, nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				return models.SessionStats{}, err
			}
		case cmd := <-s.commands:
			cmd.reply <- s.apply(ctx, cmd)
		}
	}
}

// tick runs one acquisition and publishes its frame. Only a lost connection
// is returned; every other failure skips the tick.
func (s *Session) tick(ctx context.Context) error {
	began := time.Now()
	acq, err := s.acq.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, scpi.ErrConnectionLost) {
			log.Error().Err(err).Str("session", s.id).Msg("Instrument connection lost")
			return err
		}
		reason := "error"
		if errors.Is(err, scpi.ErrTimeout) {
			reason = "timeout"
		}
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		s.metrics.SkippedTick(reason)
		log.Warn().Err(err).Str("session", s.id).Str("reason", reason).Msg("Acquisition failed, skipping tick")
		return nil
	}

	frame := s.publish(acq)
	took := time.Since(began)

	s.metrics.ObserveFrame(frame, took)
	s.record(ctx, frame)
	for _, p := range s.presenters {
		p.Present(frame)
	}

	log.Info().
		Str("session", s.id).
		Int("sequence", frame.Sequence).
		Int("channels", len(acq.Present())).
		Bool("trigger_timed_out", acq.TriggerTimedOut).
		Dur("took", took).
		Msg("Acquisition published")
	return nil
}

// publish computes spectra and statistics and folds the acquisition into
// the session state. The returned frame is never modified afterwards.
func (s *Session) publish(acq *models.Acquisition) *models.Frame {
	rbw := s.currentRBW()

	frame := &models.Frame{
		SessionID:   s.id,
		RBW:         rbw,
		Acquisition: acq,
	}
	for _, ch := range acq.Present() {
		spec, err := s.est.EstimateChannel(ch, rbw)
		if err != nil {
			log.Warn().Err(err).Int("channel", ch.Channel).Msg("Spectrum estimation failed")
		} else {
			frame.Spectra = append(frame.Spectra, *spec)
		}
		frame.Stats = append(frame.Stats, spectrum.WithPeak(spectrum.Summarize(ch), spec))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range frame.Stats {
		s.extrema.Observe(st.Min, st.Max)
	}
	s.sequence++
	if acq.TriggerTimedOut {
		s.triggerTimeouts++
	}
	frame.Sequence = s.sequence
	frame.Extrema = s.extrema

	s.history = append(s.history, acq)
	if over := len(s.history) - s.opts.HistorySize; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
	s.latest = frame
	return frame
}

func (s *Session) record(ctx context.Context, frame *models.Frame) {
	if s.repo == nil {
		return
	}
	acq := frame.Acquisition
	summary := &models.AcquisitionSummary{
		ID:              acq.ID,
		SessionID:       s.id,
		Sequence:        frame.Sequence,
		Timestamp:       acq.Timestamp,
		Elapsed:         acq.Elapsed,
		SampleRate:      acq.SampleRate,
		RBW:             frame.RBW,
		TriggerTimedOut: acq.TriggerTimedOut,
		FillTimedOut:    acq.FillTimedOut,
		Channels:        frame.Stats,
	}
	for _, c := range acq.Channels {
		if c.Missing {
			summary.Missing = append(summary.Missing, c.Channel)
		}
	}
	if err := s.repo.RecordAcquisition(ctx, summary); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("session", s.id).Int("sequence", frame.Sequence).Msg("Failed to persist acquisition summary")
	}
}

// shutdown stops the instrument, releases the transport and finalizes the
// session record. ctx must not be cancelled.
func (s *Session) shutdown(ctx context.Context, runErr error) models.SessionStats {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()

	if err := s.acq.Stop(ctx); err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("Failed to stop acquisition")
	}
	if err := s.acq.Close(); err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("Failed to close instrument connection")
	}

	s.mu.Lock()
	s.running = false
	stats := models.SessionStats{
		ID:              s.id,
		StartedAt:       s.startedAt,
		EndedAt:         time.Now(),
		Acquisitions:    s.sequence,
		SkippedTicks:    s.skipped,
		TriggerTimeouts: s.triggerTimeouts,
		Extrema:         s.extrema,
	}
	s.mu.Unlock()
	close(s.done)

	if s.repo != nil {
		rec := &models.SessionRecord{
			ID:                s.id,
			InstrumentAddress: s.opts.InstrumentAddress,
			StartedAt:         stats.StartedAt,
			EndedAt:           &stats.EndedAt,
			Acquisitions:      stats.Acquisitions,
			SkippedTicks:      stats.SkippedTicks,
			TriggerTimeouts:   stats.TriggerTimeouts,
		}
		if stats.Extrema.Valid {
			rec.GlobalMin, rec.GlobalMax = &stats.Extrema.Min, &stats.Extrema.Max
		}
		if runErr != nil {
			msg := runErr.Error()
			rec.ErrorMsg = &msg
		}
		if err := s.repo.FinishSession(ctx, rec); err != nil {
			log.Warn().Err(err).Str("session", s.id).Msg("Failed to finalize session record")
		}
	}

	event := log.Info()
	if runErr != nil {
		event = log.Error().Err(runErr)
	}
	event.
		Str("session", s.id).
		Int("acquisitions", stats.Acquisitions).
		Int("skipped_ticks", stats.SkippedTicks).
		Int("trigger_timeouts", stats.TriggerTimeouts).
		Float64("global_min", stats.Extrema.Min).
		Float64("global_max", stats.Extrema.Max).
		Dur("ran", stats.EndedAt.Sub(stats.StartedAt)).
		Msg("Session ended")
	return stats
}

// SetRBW requests a new resolution bandwidth. It returns the value that will
// be used from the next acquisition on.
func (s *Session) SetRBW(ctx context.Context, hz float64) (float64, error) {
	applied, err := s.normalizeRBW(hz)
	if err != nil {
		s.metrics.Reconfigured(string(cmdRBW), err)
		return 0, err
	}
	if err := s.submit(ctx, command{kind: cmdRBW, rbw: applied}); err != nil {
		return 0, err
	}
	return applied, nil
}

// SetAttenuation requests a new attenuation on one channel
func (s *Session) SetAttenuation(ctx context.Context, ch, db int) error {
	return s.submit(ctx, command{kind: cmdAttenuation, channel: ch, db: db})
}

func (s *Session) normalizeRBW(hz float64) (float64, error) {
	if math.IsNaN(hz) || math.IsInf(hz, 0) || hz <= 0 {
		return 0, fmt.Errorf("%w: rbw %v Hz", acquisition.ErrInvalidConfiguration, hz)
	}
	lo, hi := s.opts.RBWMin, s.opts.RBWMax
	if hz >= lo && hz <= hi {
		return hz, nil
	}
	if s.opts.RBWPolicy == config.RBWPolicyReject {
		return 0, fmt.Errorf("%w: rbw %g Hz outside [%g, %g]", acquisition.ErrInvalidConfiguration, hz, lo, hi)
	}
	return math.Min(math.Max(hz, lo), hi), nil
}

// submit queues a command for the loop and waits for its result. Only one
// command may be queued at a time.
func (s *Session) submit(ctx context.Context, cmd command) error {
	if !s.Running() {
		return ErrNotRunning
	}
	cmd.reply = make(chan error, 1)

	select {
	case s.commands <- cmd:
	default:
		return ErrCommandPending
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		// the loop may have answered just before exiting
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply runs on the loop goroutine, between acquisitions
func (s *Session) apply(ctx context.Context, cmd command) error {
	var err error
	switch cmd.kind {
	case cmdRBW:
		s.mu.Lock()
		prev := s.rbw
		s.rbw = cmd.rbw
		s.mu.Unlock()
		s.metrics.SetRBW(cmd.rbw)
		log.Info().Str("session", s.id).Float64("from_hz", prev).Float64("rbw_hz", cmd.rbw).Msg("RBW updated")
	case cmdAttenuation:
		err = s.gain.SetAttenuation(ctx, cmd.channel, cmd.db)
		if err == nil {
			s.metrics.SetAttenuation(cmd.channel, cmd.db)
		} else {
			log.Warn().Err(err).Int("channel", cmd.channel).Int("attenuation_db", cmd.db).Msg("Attenuation rejected")
		}
	default:
		err = fmt.Errorf("unknown command %q", cmd.kind)
	}
	s.metrics.Reconfigured(string(cmd.kind), err)
	return err
}

func (s *Session) currentRBW() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rbw
}

// Running reports whether the loop is active
func (s *Session) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Done is closed when Run has returned
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status returns a snapshot of the session state
func (s *Session) Status() models.SessionStatus {
	s.mu.RLock()
	st := models.SessionStatus{
		ID:              s.id,
		Running:         s.running,
		StartedAt:       s.startedAt,
		Acquisitions:    s.sequence,
		SkippedTicks:    s.skipped,
		TriggerTimeouts: s.triggerTimeouts,
		RBW:             s.rbw,
		MinRBW:          s.opts.RBWMin,
		MaxRBW:          s.opts.RBWMax,
		Extrema:         s.extrema,
	}
	if s.latest != nil {
		ts := s.latest.Acquisition.Timestamp
		st.LastAcquisition = &ts
	}
	s.mu.RUnlock()

	st.Channels = s.gain.Channels()
	st.SupportedAttenuation = s.gain.Supported()
	return st
}

// Latest returns the most recent frame, or nil before the first acquisition
func (s *Session) Latest() *models.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// History returns the retained acquisitions, oldest first
func (s *Session) History() []*models.Acquisition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}

// Extrema returns the running global extrema
func (s *Session) Extrema() models.Extrema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extrema
}
