package repository

import (
	"context"
	"errors"

	"github.com/RMahshie/spectrascope/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// SessionRepository defines the interface for session and acquisition summary operations
type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.SessionRecord) error
	FinishSession(ctx context.Context, session *models.SessionRecord) error
	GetSession(ctx context.Context, id string) (*models.SessionRecord, error)
	RecordAcquisition(ctx context.Context, summary *models.AcquisitionSummary) error
	ListAcquisitions(ctx context.Context, sessionID string, limit int) ([]*models.AcquisitionSummary, error)
}
