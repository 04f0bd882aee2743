package acquisition

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/RMahshie/spectrascope/pkg/models"
)

// GainState tracks the attenuation selected on every input channel.
// An entry only changes after the instrument accepted the new setting.
type GainState struct {
	link      *Link
	modes     map[int]string
	supported []int
	channels  []int

	mu          sync.RWMutex
	attenuation map[int]int
}

// NewGainState creates the gain state for channels, all at defaultDB.
// modes maps each supported attenuation step to its instrument gain token.
func NewGainState(link *Link, channels []int, defaultDB int, modes map[int]string) (*GainState, error) {
	if len(modes) == 0 {
		return nil, fmt.Errorf("%w: no gain modes", ErrInvalidConfiguration)
	}
	if _, ok := modes[defaultDB]; !ok {
		return nil, fmt.Errorf("%w: default attenuation %d dB not supported", ErrInvalidConfiguration, defaultDB)
	}

	g := &GainState{
		link:        link,
		modes:       make(map[int]string, len(modes)),
		channels:    slices.Clone(channels),
		attenuation: make(map[int]int, len(channels)),
	}
	for db, token := range modes {
		g.modes[db] = token
		g.supported = append(g.supported, db)
	}
	slices.Sort(g.supported)
	for _, ch := range channels {
		g.attenuation[ch] = defaultDB
	}
	return g, nil
}

// SetAttenuation selects db on channel ch. Unknown channels and unsupported
// steps are rejected before anything is sent to the instrument.
func (g *GainState) SetAttenuation(ctx context.Context, ch, db int) error {
	token, err := g.token(ch, db)
	if err != nil {
		return err
	}

	if err := g.link.Send(ctx, gainCommand(ch, token)); err != nil {
		return fmt.Errorf("set channel %d attenuation: %w", ch, err)
	}

	g.mu.Lock()
	g.attenuation[ch] = db
	g.mu.Unlock()

	log.Info().Int("channel", ch).Int("attenuation_db", db).Str("gain", token).Msg("Attenuation updated")
	return nil
}

// ApplyAll pushes the current attenuation of every channel to the instrument
func (g *GainState) ApplyAll(ctx context.Context) error {
	for _, c := range g.Channels() {
		if err := g.link.Send(ctx, gainCommand(c.Channel, c.GainMode)); err != nil {
			return fmt.Errorf("apply channel %d gain: %w", c.Channel, err)
		}
	}
	return nil
}

// Attenuation returns the current attenuation of channel ch
func (g *GainState) Attenuation(ch int) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	db, ok := g.attenuation[ch]
	return db, ok
}

// Channels returns the configuration of every channel in channel order
func (g *GainState) Channels() []models.ChannelConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.ChannelConfig, 0, len(g.channels))
	for _, ch := range g.channels {
		db := g.attenuation[ch]
		out = append(out, models.ChannelConfig{Channel: ch, AttenuationDB: db, GainMode: g.modes[db]})
	}
	return out
}

// Supported returns the accepted attenuation steps in ascending order
func (g *GainState) Supported() []int {
	return slices.Clone(g.supported)
}

func (g *GainState) token(ch, db int) (string, error) {
	if !slices.Contains(g.channels, ch) {
		return "", fmt.Errorf("%w: unknown channel %d", ErrInvalidConfiguration, ch)
	}
	token, ok := g.modes[db]
	if !ok {
		return "", fmt.Errorf("%w: attenuation %d dB not in %v", ErrInvalidConfiguration, db, g.supported)
	}
	return token, nil
}

func gainCommand(ch int, token string) string {
	return fmt.Sprintf("ACQ:SOUR%d:GAIN %s", ch, token)
}
