package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/RMahshie/spectrascope/internal/acquisition"
	"github.com/RMahshie/spectrascope/pkg/models"
)

type fakeAcquirer struct {
	mu         sync.Mutex
	next       func(ctx context.Context, n int) (*models.Acquisition, error)
	calls      int
	configured bool
	stopped    bool
	closed     bool
	configErr  error
}

func (f *fakeAcquirer) Configure(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = true
	return f.configErr
}

func (f *fakeAcquirer) Acquire(ctx context.Context) (*models.Acquisition, error) {
	f.mu.Lock()
	n := f.calls
	f.calls++
	next := f.next
	f.mu.Unlock()
	return next(ctx, n)
}

func (f *fakeAcquirer) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeAcquirer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAcquirer) shutDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped && f.closed
}

// script returns the given results in order, then calls done and blocks
// until the context ends.
func script(done func(), results ...func() (*models.Acquisition, error)) func(context.Context, int) (*models.Acquisition, error) {
	return func(ctx context.Context, n int) (*models.Acquisition, error) {
		if n < len(results) {
			return results[n]()
		}
		done()
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func ok(acq *models.Acquisition) func() (*models.Acquisition, error) {
	return func() (*models.Acquisition, error) { return acq, nil }
}

func fail(err error) func() (*models.Acquisition, error) {
	return func() (*models.Acquisition, error) { return nil, err }
}

// acquisitionWith builds an acquisition whose channel i swings between
// mins[i] and maxs[i]
func acquisitionWith(mins, maxs []float64) *models.Acquisition {
	acq := &models.Acquisition{ID: uuid.New().String(), SampleRate: 125e6, Decimation: 1}
	for i := range maxs {
		samples := make([]float64, 16)
		for k := range samples {
			if k%2 == 0 {
				samples[k] = mins[i]
			} else {
				samples[k] = maxs[i]
			}
		}
		acq.Channels = append(acq.Channels, models.ChannelData{Channel: i + 1, Samples: samples})
	}
	return acq
}

type fakeGain struct {
	mu  sync.Mutex
	att map[int]int
}

func newFakeGain() *fakeGain {
	return &fakeGain{att: map[int]int{1: 0, 2: 0, 3: 0, 4: 0}}
}

func (g *fakeGain) SetAttenuation(_ context.Context, ch, db int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.att[ch]; !ok || (db != 0 && db != 20) {
		return fmt.Errorf("%w: channel %d %d dB", acquisition.ErrInvalidConfiguration, ch, db)
	}
	g.att[ch] = db
	return nil
}

func (g *fakeGain) Channels() []models.ChannelConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := []models.ChannelConfig{}
	for ch := 1; ch <= 4; ch++ {
		mode := "LV"
		if g.att[ch] == 20 {
			mode = "HV"
		}
		out = append(out, models.ChannelConfig{Channel: ch, AttenuationDB: g.att[ch], GainMode: mode})
	}
	return out
}

func (g *fakeGain) Supported() []int {
	return []int{0, 20}
}

type recordingPresenter struct {
	mu     sync.Mutex
	frames []*models.Frame
}

func (p *recordingPresenter) Present(f *models.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
}

func (p *recordingPresenter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func (p *recordingPresenter) last() *models.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return nil
	}
	return p.frames[len(p.frames)-1]
}

// MockSessionRepository is a mock implementation of repository.SessionRepository
type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) CreateSession(ctx context.Context, session *models.SessionRecord) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionRepository) FinishSession(ctx context.Context, session *models.SessionRecord) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionRepository) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SessionRecord), args.Error(1)
}

func (m *MockSessionRepository) RecordAcquisition(ctx context.Context, summary *models.AcquisitionSummary) error {
	args := m.Called(ctx, summary)
	return args.Error(0)
}

func (m *MockSessionRepository) ListAcquisitions(ctx context.Context, sessionID string, limit int) ([]*models.AcquisitionSummary, error) {
	args := m.Called(ctx, sessionID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AcquisitionSummary), args.Error(1)
}
