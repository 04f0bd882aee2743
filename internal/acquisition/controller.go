package acquisition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/RMahshie/spectrascope/internal/scpi"
	"github.com/RMahshie/spectrascope/pkg/models"
)

// State is the acquisition controller state
type State int

const (
	Idle State = iota
	Triggering
	WaitingForTrigger
	WaitingForFill
	Reading
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Triggering:
		return "triggering"
	case WaitingForTrigger:
		return "waiting_for_trigger"
	case WaitingForFill:
		return "waiting_for_fill"
	case Reading:
		return "reading"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options holds the capture parameters
type Options struct {
	Channels       []int
	Decimation     int
	BaseSampleRate float64
	// BufferSize is the expected samples per channel; 0 disables the check
	BufferSize     int
	TriggerSource  string
	TriggerLevel   float64
	TriggerDelay   int
	PollInterval   time.Duration
	TriggerTimeout time.Duration
	FillTimeout    time.Duration
	ParallelReads  bool
}

// DefaultOptions returns the Red Pitaya defaults for four channels
func DefaultOptions() Options {
	return Options{
		Channels:       []int{1, 2, 3, 4},
		Decimation:     1,
		BaseSampleRate: 125e6,
		BufferSize:     16384,
		TriggerSource:  "CH1_PE",
		PollInterval:   10 * time.Millisecond,
		TriggerTimeout: 500 * time.Millisecond,
		FillTimeout:    500 * time.Millisecond,
	}
}

// Controller runs acquisitions one at a time
type Controller struct {
	link  *Link
	gain  *GainState
	opts  Options
	start time.Time

	mu    sync.Mutex
	state State
}

// NewController creates a controller. gain may be nil when channel gain is
// not managed.
func NewController(link *Link, gain *GainState, opts Options) *Controller {
	if opts.Decimation < 1 {
		opts.Decimation = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.TriggerSource == "" {
		opts.TriggerSource = "CH1_PE"
	}
	return &Controller{
		link:  link,
		gain:  gain,
		opts:  opts,
		start: time.Now(),
	}
}

// SampleRate returns the effective sample rate
func (c *Controller) SampleRate() float64 {
	return c.opts.BaseSampleRate / float64(c.opts.Decimation)
}

// Channels returns the channels read on every acquisition
func (c *Controller) Channels() []int {
	return c.opts.Channels
}

// State returns the current controller state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		log.Debug().Stringer("from", prev).Stringer("to", s).Msg("Controller state")
	}
}

// Configure resets the instrument and applies decimation, data format,
// trigger settings and channel gains.
func (c *Controller) Configure(ctx context.Context) error {
	cmds := []string{
		"ACQ:RST",
		fmt.Sprintf("ACQ:DEC %d", c.opts.Decimation),
		"ACQ:DATA:FORMAT ASCII",
		"ACQ:DATA:UNITS VOLTS",
		fmt.Sprintf("ACQ:TRIG:LEV %g", c.opts.TriggerLevel),
		fmt.Sprintf("ACQ:TRIG:DLY %d", c.opts.TriggerDelay),
	}
	for _, cmd := range cmds {
		if err := c.link.Send(ctx, cmd); err != nil {
			return fmt.Errorf("configure: %w", err)
		}
	}
	if c.gain != nil {
		if err := c.gain.ApplyAll(ctx); err != nil {
			return fmt.Errorf("configure: %w", err)
		}
	}

	log.Info().
		Int("decimation", c.opts.Decimation).
		Float64("sample_rate", c.SampleRate()).
		Str("trigger", c.opts.TriggerSource).
		Ints("channels", c.opts.Channels).
		Msg("Instrument configured")
	return nil
}

// Acquire arms the instrument, waits for trigger and buffer fill, and reads
// every channel. Trigger and fill deadlines do not abort the capture; they
// are reported on the returned acquisition.
func (c *Controller) Acquire(ctx context.Context) (*models.Acquisition, error) {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.state = Triggering
	c.mu.Unlock()
	defer c.setState(Idle)

	began := time.Now()

	if err := c.link.Send(ctx, "ACQ:START"); err != nil {
		return nil, fmt.Errorf("arm: %w", err)
	}
	if err := c.link.Send(ctx, "ACQ:TRIG "+c.opts.TriggerSource); err != nil {
		return nil, fmt.Errorf("arm: %w", err)
	}

	c.setState(WaitingForTrigger)
	trigTimedOut, err := c.poll(ctx, "ACQ:TRIG:STAT?", "TD", c.opts.TriggerTimeout)
	if err != nil {
		return nil, fmt.Errorf("wait for trigger: %w", err)
	}
	if trigTimedOut {
		log.Warn().Dur("timeout", c.opts.TriggerTimeout).Msg("Trigger not detected, proceeding")
	}

	c.setState(WaitingForFill)
	fillTimedOut, err := c.poll(ctx, "ACQ:TRIG:FILL?", "1", c.opts.FillTimeout)
	if err != nil {
		return nil, fmt.Errorf("wait for fill: %w", err)
	}
	if fillTimedOut {
		log.Warn().Dur("timeout", c.opts.FillTimeout).Msg("Buffer not full, proceeding")
	}

	c.setState(Reading)
	channels, err := c.readChannels(ctx)
	if err != nil {
		return nil, err
	}
	harmonize(channels)
	length, short := c.checkLength(channels)

	now := time.Now()
	acq := &models.Acquisition{
		ID:              uuid.New().String(),
		Timestamp:       now,
		Elapsed:         now.Sub(c.start).Seconds(),
		SampleRate:      c.SampleRate(),
		Decimation:      c.opts.Decimation,
		TriggerTimedOut: trigTimedOut,
		FillTimedOut:    fillTimedOut,
		ShortBuffer:     short,
		Channels:        channels,
	}
	if short {
		log.Warn().Int("length", length).Int("expected", c.opts.BufferSize).Msg("Channel buffers shorter than expected")
	}

	log.Debug().
		Str("acquisition", acq.ID).
		Int("length", acq.Length()).
		Dur("duration", now.Sub(began)).
		Msg("Acquisition complete")
	return acq, nil
}

// poll queries cmd every poll interval until the reply equals want or the
// timeout elapses. Each query is bounded by the same deadline, and a query
// that times out counts as not ready.
func (c *Controller) poll(ctx context.Context, cmd, want string, timeout time.Duration) (timedOut bool, err error) {
	deadline := time.Now().Add(timeout)
	for {
		qctx, cancel := context.WithDeadline(ctx, deadline)
		reply, err := c.link.Query(qctx, cmd)
		cancel()
		switch {
		case err == nil:
			if strings.EqualFold(strings.TrimSpace(reply), want) {
				return false, nil
			}
		case ctx.Err() == nil && (errors.Is(err, scpi.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)):
			log.Debug().Err(err).Str("cmd", cmd).Msg("Poll query timed out")
		default:
			return false, err
		}

		if !time.Now().Before(deadline) {
			return true, nil
		}

		t := time.NewTimer(c.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
}

// readChannels reads every configured channel. A reply that cannot be parsed
// marks that channel missing; a transport failure aborts the read.
func (c *Controller) readChannels(ctx context.Context) ([]models.ChannelData, error) {
	out := make([]models.ChannelData, len(c.opts.Channels))

	if !c.opts.ParallelReads {
		for i, ch := range c.opts.Channels {
			raw, err := fetchChannel(ctx, c.link, ch)
			if err != nil {
				return nil, err
			}
			out[i] = decode(ch, raw)
		}
		return out, nil
	}

	// Exchanges are still serialized by the link; decoding overlaps with the
	// next channel's transfer. Results are only visible after every worker joins.
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range c.opts.Channels {
		g.Go(func() error {
			raw, err := fetchChannel(gctx, c.link, ch)
			if err != nil {
				return err
			}
			out[i] = decode(ch, raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func decode(ch int, raw string) models.ChannelData {
	samples, err := ParseSamples(raw)
	if err != nil {
		log.Warn().Err(err).Int("channel", ch).Msg("Channel reply malformed, marking missing")
		return models.ChannelData{Channel: ch, Missing: true, Error: err.Error()}
	}
	return models.ChannelData{Channel: ch, Samples: samples}
}

// harmonize truncates every present channel to the shortest present length
func harmonize(channels []models.ChannelData) {
	shortest := -1
	for _, c := range channels {
		if !c.Missing && (shortest < 0 || len(c.Samples) < shortest) {
			shortest = len(c.Samples)
		}
	}
	for i := range channels {
		if !channels[i].Missing && len(channels[i].Samples) > shortest {
			channels[i].Samples = channels[i].Samples[:shortest]
		}
	}
}

// checkLength reports the shared length of the present channels and whether
// it falls short of the configured buffer size
func (c *Controller) checkLength(channels []models.ChannelData) (int, bool) {
	for _, ch := range channels {
		if !ch.Missing {
			n := len(ch.Samples)
			return n, c.opts.BufferSize > 0 && n < c.opts.BufferSize
		}
	}
	return 0, false
}

// Stop halts acquisition on the instrument
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.link.Send(ctx, "ACQ:STOP"); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// Close releases the instrument connection
func (c *Controller) Close() error {
	return c.link.Close()
}
