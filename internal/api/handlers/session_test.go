package handlers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/RMahshie/spectrascope/internal/acquisition"
	"github.com/RMahshie/spectrascope/internal/repository"
	"github.com/RMahshie/spectrascope/internal/scpi"
	"github.com/RMahshie/spectrascope/internal/session"
	"github.com/RMahshie/spectrascope/pkg/models"
)

// MockSessionService implements SessionService for testing
type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) Status() models.SessionStatus {
	args := m.Called()
	return args.Get(0).(models.SessionStatus)
}

func (m *MockSessionService) Latest() *models.Frame {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*models.Frame)
}

func (m *MockSessionService) SetRBW(ctx context.Context, hz float64) (float64, error) {
	args := m.Called(ctx, hz)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockSessionService) SetAttenuation(ctx context.Context, ch, db int) error {
	args := m.Called(ctx, ch, db)
	return args.Error(0)
}

// MockSessionRepository implements repository.SessionRepository for testing
type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) CreateSession(ctx context.Context, s *models.SessionRecord) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSessionRepository) FinishSession(ctx context.Context, s *models.SessionRecord) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSessionRepository) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SessionRecord), args.Error(1)
}

func (m *MockSessionRepository) RecordAcquisition(ctx context.Context, s *models.AcquisitionSummary) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSessionRepository) ListAcquisitions(ctx context.Context, sessionID string, limit int) ([]*models.AcquisitionSummary, error) {
	args := m.Called(ctx, sessionID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AcquisitionSummary), args.Error(1)
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var se huma.StatusError
	require.True(t, errors.As(err, &se), "expected a huma status error, got %v", err)
	return se.GetStatus()
}

func testFrame() *models.Frame {
	return &models.Frame{
		SessionID: "s",
		Sequence:  7,
		RBW:       100e3,
		Acquisition: &models.Acquisition{
			ID:              "acq-1",
			Timestamp:       time.Unix(1700000000, 0),
			SampleRate:      1e3,
			TriggerTimedOut: true,
			Channels: []models.ChannelData{
				{Channel: 1, Samples: []float64{0, 1}},
				{Channel: 2, Missing: true, Error: "malformed"},
			},
		},
		Spectra: []models.Spectrum{{
			Channel:      1,
			Mode:         models.SpectrumDecibel,
			RBW:          100e3,
			EffectiveRBW: 100e3,
			Window:       4,
			Frequencies:  []float64{0, 100e3},
			Magnitudes:   []float64{-3, -20},
		}},
		Stats:   []models.ChannelStats{{Channel: 1, Min: 0, Max: 1}},
		Extrema: models.Extrema{Min: 0, Max: 1, Valid: true},
	}
}

func TestSetRBW(t *testing.T) {
	tests := []struct {
		name        string
		requested   float64
		mockSetup   func(*MockSessionService)
		wantRBW     float64
		wantClamped bool
		wantStatus  int
	}{
		{
			name:      "accepted",
			requested: 50e3,
			mockSetup: func(m *MockSessionService) {
				m.On("SetRBW", mock.Anything, 50e3).Return(50e3, nil)
			},
			wantRBW: 50e3,
		},
		{
			name:      "clamped",
			requested: 10,
			mockSetup: func(m *MockSessionService) {
				m.On("SetRBW", mock.Anything, 10.0).Return(1e3, nil)
			},
			wantRBW:     1e3,
			wantClamped: true,
		},
		{
			name:      "invalid",
			requested: -1,
			mockSetup: func(m *MockSessionService) {
				m.On("SetRBW", mock.Anything, -1.0).Return(0.0, fmt.Errorf("%w: rbw -1", acquisition.ErrInvalidConfiguration))
			},
			wantStatus: 400,
		},
		{
			name:      "pending",
			requested: 20e3,
			mockSetup: func(m *MockSessionService) {
				m.On("SetRBW", mock.Anything, 20e3).Return(0.0, session.ErrCommandPending)
			},
			wantStatus: 409,
		},
		{
			name:      "not running",
			requested: 20e3,
			mockSetup: func(m *MockSessionService) {
				m.On("SetRBW", mock.Anything, 20e3).Return(0.0, session.ErrNotRunning)
			},
			wantStatus: 503,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockSessionService{}
			tt.mockSetup(svc)
			handler := NewSessionHandler(svc, nil)

			resp, err := handler.SetRBW(context.Background(), &models.SetRBWRequest{
				Body: models.SetRBWRequestBody{RBW: tt.requested},
			})

			if tt.wantStatus != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantStatus, statusOf(t, err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantRBW, resp.Body.RBW)
				assert.Equal(t, tt.wantClamped, resp.Body.Clamped)
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestSetAttenuation(t *testing.T) {
	tests := []struct {
		name       string
		channel    int
		db         int
		setErr     error
		wantStatus int
	}{
		{name: "high voltage", channel: 2, db: 20},
		{name: "unsupported step", channel: 2, db: 10, setErr: acquisition.ErrInvalidConfiguration, wantStatus: 400},
		{name: "instrument unreachable", channel: 1, db: 0, setErr: scpi.ErrConnectionLost, wantStatus: 502},
		{name: "unexpected", channel: 1, db: 0, setErr: assert.AnError, wantStatus: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockSessionService{}
			svc.On("SetAttenuation", mock.Anything, tt.channel, tt.db).Return(tt.setErr)
			if tt.setErr == nil {
				svc.On("Status").Return(models.SessionStatus{Channels: []models.ChannelConfig{
					{Channel: 1, AttenuationDB: 0, GainMode: "LV"},
					{Channel: 2, AttenuationDB: 20, GainMode: "HV"},
				}})
			}
			handler := NewSessionHandler(svc, nil)

			req := &models.SetAttenuationRequest{Channel: tt.channel}
			req.Body.AttenuationDB = tt.db
			resp, err := handler.SetAttenuation(context.Background(), req)

			if tt.wantStatus != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantStatus, statusOf(t, err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, models.ChannelConfig{Channel: 2, AttenuationDB: 20, GainMode: "HV"}, resp.Body)
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestGetSpectrum(t *testing.T) {
	tests := []struct {
		name       string
		frame      *models.Frame
		channel    int
		wantStatus int
	}{
		{name: "present channel", frame: testFrame(), channel: 1},
		{name: "missing channel", frame: testFrame(), channel: 2, wantStatus: 404},
		{name: "no acquisition yet", frame: nil, channel: 1, wantStatus: 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockSessionService{}
			svc.On("Latest").Return(tt.frame)
			handler := NewSessionHandler(svc, nil)

			resp, err := handler.GetSpectrum(context.Background(), &models.GetSpectrumRequest{Channel: tt.channel})
			if tt.wantStatus != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantStatus, statusOf(t, err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "acq-1", resp.Body.AcquisitionID)
			assert.True(t, resp.Body.TriggerTimedOut)
			assert.Equal(t, 4, resp.Body.Window)
			assert.Equal(t, []models.FrequencyPoint{
				{Frequency: 0, Magnitude: -3},
				{Frequency: 100e3, Magnitude: -20},
			}, resp.Body.FrequencyData)
		})
	}
}

func TestGetWaveform(t *testing.T) {
	tests := []struct {
		name       string
		frame      *models.Frame
		channel    int
		maxPoints  int
		want       []models.WaveformPoint
		wantStride int
		wantStatus int
	}{
		{
			name:       "full buffer",
			frame:      testFrame(),
			channel:    1,
			want:       []models.WaveformPoint{{Time: 0, Voltage: 0}, {Time: 0.001, Voltage: 1}},
			wantStride: 1,
		},
		{
			name:       "reduced",
			frame:      testFrame(),
			channel:    1,
			maxPoints:  1,
			want:       []models.WaveformPoint{{Time: 0, Voltage: 0}},
			wantStride: 2,
		},
		{name: "missing channel", frame: testFrame(), channel: 2, wantStatus: 404},
		{name: "unknown channel", frame: testFrame(), channel: 5, wantStatus: 404},
		{name: "no acquisition yet", frame: nil, channel: 1, wantStatus: 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockSessionService{}
			svc.On("Latest").Return(tt.frame)
			handler := NewSessionHandler(svc, nil)

			resp, err := handler.GetWaveform(context.Background(), &models.GetWaveformRequest{Channel: tt.channel, MaxPoints: tt.maxPoints})
			if tt.wantStatus != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantStatus, statusOf(t, err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "acq-1", resp.Body.AcquisitionID)
			assert.Equal(t, 1e3, resp.Body.SampleRate)
			assert.Equal(t, 2, resp.Body.Length)
			assert.Equal(t, tt.wantStride, resp.Body.Stride)
			assert.Equal(t, tt.want, resp.Body.Samples)
			assert.InDelta(t, -0.1, resp.Body.YMin, 1e-12)
			assert.InDelta(t, 1.1, resp.Body.YMax, 1e-12)
		})
	}
}

func TestGetLatestAcquisition(t *testing.T) {
	svc := &MockSessionService{}
	svc.On("Latest").Return(testFrame()).Once()
	svc.On("Latest").Return(nil).Once()
	handler := NewSessionHandler(svc, nil)

	resp, err := handler.GetLatestAcquisition(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 7, resp.Body.Sequence)
	assert.Equal(t, 1.0, resp.Body.Extrema.Max)
	assert.Len(t, resp.Body.Stats, 1)

	_, err = handler.GetLatestAcquisition(context.Background(), nil)
	assert.Equal(t, 404, statusOf(t, err))
}

func TestGetSessionStatus(t *testing.T) {
	svc := &MockSessionService{}
	svc.On("Status").Return(models.SessionStatus{ID: "abc", Running: true, RBW: 100e3})
	handler := NewSessionHandler(svc, nil)

	resp, err := handler.GetSessionStatus(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.Body.ID)
	assert.True(t, resp.Body.Running)
}

func TestListAcquisitions(t *testing.T) {
	id := uuid.New().String()

	tests := []struct {
		name       string
		noRepo     bool
		id         string
		mockSetup  func(*MockSessionRepository)
		wantStatus int
		wantCount  int
	}{
		{
			name: "lists summaries",
			id:   id,
			mockSetup: func(m *MockSessionRepository) {
				m.On("GetSession", mock.Anything, id).Return(&models.SessionRecord{ID: id}, nil)
				m.On("ListAcquisitions", mock.Anything, id, 10).Return([]*models.AcquisitionSummary{{Sequence: 2}, {Sequence: 1}}, nil)
			},
			wantCount: 2,
		},
		{
			name:       "persistence disabled",
			noRepo:     true,
			id:         id,
			wantStatus: 503,
		},
		{
			name:       "bad id",
			id:         "not-a-uuid",
			mockSetup:  func(m *MockSessionRepository) {},
			wantStatus: 400,
		},
		{
			name: "unknown session",
			id:   id,
			mockSetup: func(m *MockSessionRepository) {
				m.On("GetSession", mock.Anything, id).Return(nil, repository.ErrNotFound)
			},
			wantStatus: 404,
		},
		{
			name: "database failure",
			id:   id,
			mockSetup: func(m *MockSessionRepository) {
				m.On("GetSession", mock.Anything, id).Return(&models.SessionRecord{ID: id}, nil)
				m.On("ListAcquisitions", mock.Anything, id, 10).Return(nil, assert.AnError)
			},
			wantStatus: 500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var handler *SessionHandler
			repo := &MockSessionRepository{}
			if tt.noRepo {
				handler = NewSessionHandler(&MockSessionService{}, nil)
			} else {
				tt.mockSetup(repo)
				handler = NewSessionHandler(&MockSessionService{}, repo)
			}

			resp, err := handler.ListAcquisitions(context.Background(), &models.ListAcquisitionsRequest{ID: tt.id, Limit: 10})
			if tt.wantStatus != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantStatus, statusOf(t, err))
			} else {
				require.NoError(t, err)
				assert.Len(t, resp.Body.Acquisitions, tt.wantCount)
				assert.Equal(t, id, resp.Body.Session.ID)
			}
			repo.AssertExpectations(t)
		})
	}
}
