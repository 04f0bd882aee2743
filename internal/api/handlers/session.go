package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/RMahshie/spectrascope/internal/acquisition"
	"github.com/RMahshie/spectrascope/internal/repository"
	"github.com/RMahshie/spectrascope/internal/scpi"
	"github.com/RMahshie/spectrascope/internal/session"
	"github.com/RMahshie/spectrascope/pkg/models"
)

// SessionService is the part of the acquisition session the HTTP layer uses
type SessionService interface {
	Status() models.SessionStatus
	Latest() *models.Frame
	SetRBW(ctx context.Context, hz float64) (float64, error)
	SetAttenuation(ctx context.Context, ch, db int) error
}

// SessionHandler handles session-related HTTP requests
type SessionHandler struct {
	session SessionService
	repo    repository.SessionRepository
}

// NewSessionHandler creates a new session handler. repo may be nil when
// persistence is disabled.
func NewSessionHandler(svc SessionService, repo repository.SessionRepository) *SessionHandler {
	return &SessionHandler{
		session: svc,
		repo:    repo,
	}
}

// GetSessionStatus returns the current session state
func (h *SessionHandler) GetSessionStatus(ctx context.Context, _ *struct{}) (*models.GetSessionStatusResponse, error) {
	return &models.GetSessionStatusResponse{Body: h.session.Status()}, nil
}

// SetRBW changes the resolution bandwidth used from the next acquisition on
func (h *SessionHandler) SetRBW(ctx context.Context, req *models.SetRBWRequest) (*models.SetRBWResponse, error) {
	log.Info().Float64("rbw_hz", req.Body.RBW).Msg("RBW change requested")

	applied, err := h.session.SetRBW(ctx, req.Body.RBW)
	if err != nil {
		return nil, toHTTPError("Failed to set RBW", err)
	}

	return &models.SetRBWResponse{
		Body: models.SetRBWResponseBody{
			RBW:     applied,
			Clamped: applied != req.Body.RBW,
		},
	}, nil
}

// SetAttenuation changes the attenuation of one channel
func (h *SessionHandler) SetAttenuation(ctx context.Context, req *models.SetAttenuationRequest) (*models.SetAttenuationResponse, error) {
	log.Info().Int("channel", req.Channel).Int("attenuation_db", req.Body.AttenuationDB).Msg("Attenuation change requested")

	if err := h.session.SetAttenuation(ctx, req.Channel, req.Body.AttenuationDB); err != nil {
		return nil, toHTTPError("Failed to set attenuation", err)
	}

	for _, c := range h.session.Status().Channels {
		if c.Channel == req.Channel {
			return &models.SetAttenuationResponse{Body: c}, nil
		}
	}
	return nil, huma.Error500InternalServerError("Channel configuration missing after update")
}

// GetSpectrum returns the latest spectrum of one channel
func (h *SessionHandler) GetSpectrum(ctx context.Context, req *models.GetSpectrumRequest) (*models.GetSpectrumResponse, error) {
	frame := h.session.Latest()
	if frame == nil {
		return nil, huma.Error404NotFound("No acquisition available yet")
	}

	spec, ok := frame.Spectrum(req.Channel)
	if !ok {
		return nil, huma.Error404NotFound(fmt.Sprintf("No spectrum for channel %d in the latest acquisition", req.Channel))
	}

	return &models.GetSpectrumResponse{
		Body: models.GetSpectrumResponseBody{
			Channel:         spec.Channel,
			AcquisitionID:   frame.Acquisition.ID,
			Timestamp:       frame.Acquisition.Timestamp,
			Mode:            spec.Mode,
			RBW:             spec.RBW,
			EffectiveRBW:    spec.EffectiveRBW,
			Window:          spec.Window,
			TriggerTimedOut: frame.Acquisition.TriggerTimedOut,
			FrequencyData:   spec.Points(),
		},
	}, nil
}

// GetWaveform returns the latest time-domain buffer of one channel
func (h *SessionHandler) GetWaveform(ctx context.Context, req *models.GetWaveformRequest) (*models.GetWaveformResponse, error) {
	frame := h.session.Latest()
	if frame == nil {
		return nil, huma.Error404NotFound("No acquisition available yet")
	}

	w, ok := frame.Acquisition.Waveform(req.Channel, req.MaxPoints)
	if !ok {
		return nil, huma.Error404NotFound(fmt.Sprintf("No samples for channel %d in the latest acquisition", req.Channel))
	}

	lo, hi := frame.Extrema.Range(models.AutoscaleMargin)
	return &models.GetWaveformResponse{
		Body: models.GetWaveformResponseBody{
			Channel:         w.Channel,
			AcquisitionID:   frame.Acquisition.ID,
			Timestamp:       frame.Acquisition.Timestamp,
			SampleRate:      w.SampleRate,
			Stride:          w.Stride,
			Length:          w.Length,
			TriggerTimedOut: frame.Acquisition.TriggerTimedOut,
			YMin:            lo,
			YMax:            hi,
			Samples:         w.Points(),
		},
	}, nil
}

// GetLatestAcquisition returns the metadata and statistics of the latest acquisition
func (h *SessionHandler) GetLatestAcquisition(ctx context.Context, _ *struct{}) (*models.GetLatestAcquisitionResponse, error) {
	frame := h.session.Latest()
	if frame == nil {
		return nil, huma.Error404NotFound("No acquisition available yet")
	}

	return &models.GetLatestAcquisitionResponse{
		Body: models.GetLatestAcquisitionResponseBody{
			Sequence:    frame.Sequence,
			Acquisition: frame.Acquisition,
			Stats:       frame.Stats,
			Extrema:     frame.Extrema,
		},
	}, nil
}

// ListAcquisitions returns the persisted acquisition summaries of a session
func (h *SessionHandler) ListAcquisitions(ctx context.Context, req *models.ListAcquisitionsRequest) (*models.ListAcquisitionsResponse, error) {
	if h.repo == nil {
		return nil, huma.Error503ServiceUnavailable("Persistence is not configured")
	}
	if _, err := uuid.Parse(req.ID); err != nil {
		return nil, huma.Error400BadRequest("Invalid session ID", err)
	}

	rec, err := h.repo.GetSession(ctx, req.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, huma.Error404NotFound("Session not found", err)
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to load session", err)
	}

	list, err := h.repo.ListAcquisitions(ctx, req.ID, req.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to list acquisitions", err)
	}

	return &models.ListAcquisitionsResponse{
		Body: models.ListAcquisitionsResponseBody{
			Session:      rec,
			Acquisitions: list,
		},
	}, nil
}

// toHTTPError maps session and instrument errors onto HTTP status codes
func toHTTPError(msg string, err error) error {
	switch {
	case errors.Is(err, acquisition.ErrInvalidConfiguration):
		return huma.Error400BadRequest(msg, err)
	case errors.Is(err, session.ErrCommandPending):
		return huma.Error409Conflict(msg, err)
	case errors.Is(err, session.ErrNotRunning):
		return huma.Error503ServiceUnavailable(msg, err)
	case errors.Is(err, scpi.ErrTimeout), errors.Is(err, scpi.ErrConnectionLost):
		return huma.Error502BadGateway(msg, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return huma.Error503ServiceUnavailable(msg, err)
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}
