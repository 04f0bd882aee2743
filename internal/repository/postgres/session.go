package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/RMahshie/spectrascope/internal/repository"
	"github.com/RMahshie/spectrascope/pkg/models"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Migrate applies the schema migrations in order
func Migrate(ctx context.Context, db *sql.DB) error {
	names, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		stmt, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(stmt)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", strings.TrimPrefix(name, "migrations/"), err)
		}
	}
	return nil
}

// PostgresSessionRepository implements SessionRepository for PostgreSQL
type PostgresSessionRepository struct {
	db *sql.DB
}

// NewPostgresSessionRepository creates a new PostgreSQL session repository
func NewPostgresSessionRepository(db *sql.DB) repository.SessionRepository {
	return &PostgresSessionRepository{db: db}
}

// CreateSession inserts a new session record
func (r *PostgresSessionRepository) CreateSession(ctx context.Context, session *models.SessionRecord) error {
	query := `
		INSERT INTO sessions (id, instrument_address, started_at)
		VALUES ($1, $2, $3)`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.InstrumentAddress,
		session.StartedAt)

	return err
}

// FinishSession stores the final counters of a session
func (r *PostgresSessionRepository) FinishSession(ctx context.Context, session *models.SessionRecord) error {
	query := `
		UPDATE sessions
		SET ended_at = $1, acquisitions = $2, skipped_ticks = $3, trigger_timeouts = $4,
		    global_min = $5, global_max = $6, error_message = $7
		WHERE id = $8`

	res, err := r.db.ExecContext(ctx, query,
		session.EndedAt,
		session.Acquisitions,
		session.SkippedTicks,
		session.TriggerTimeouts,
		session.GlobalMin,
		session.GlobalMax,
		session.ErrorMsg,
		session.ID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetSession retrieves a session by ID
func (r *PostgresSessionRepository) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	query := `
		SELECT id, instrument_address, started_at, ended_at, acquisitions, skipped_ticks,
		       trigger_timeouts, global_min, global_max, error_message
		FROM sessions
		WHERE id = $1`

	var session models.SessionRecord
	var endedAt sql.NullTime
	var globalMin, globalMax sql.NullFloat64
	var errorMsg sql.NullString

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.InstrumentAddress,
		&session.StartedAt,
		&endedAt,
		&session.Acquisitions,
		&session.SkippedTicks,
		&session.TriggerTimeouts,
		&globalMin,
		&globalMax,
		&errorMsg)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	if globalMin.Valid {
		session.GlobalMin = &globalMin.Float64
	}
	if globalMax.Valid {
		session.GlobalMax = &globalMax.Float64
	}
	if errorMsg.Valid {
		session.ErrorMsg = &errorMsg.String
	}

	return &session, nil
}

// RecordAcquisition stores the summary of one acquisition
func (r *PostgresSessionRepository) RecordAcquisition(ctx context.Context, summary *models.AcquisitionSummary) error {
	stats, err := json.Marshal(summary.Channels)
	if err != nil {
		return fmt.Errorf("failed to marshal channel stats: %w", err)
	}

	missing := summary.Missing
	if missing == nil {
		missing = []int{}
	}
	missingJSON, err := json.Marshal(missing)
	if err != nil {
		return fmt.Errorf("failed to marshal missing channels: %w", err)
	}

	query := `
		INSERT INTO acquisitions (id, session_id, sequence, captured_at, elapsed, sample_rate, rbw_hz,
		                          trigger_timed_out, fill_timed_out, channel_stats, missing_channels)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.db.ExecContext(ctx, query,
		summary.ID,
		summary.SessionID,
		summary.Sequence,
		summary.Timestamp,
		summary.Elapsed,
		summary.SampleRate,
		summary.RBW,
		summary.TriggerTimedOut,
		summary.FillTimedOut,
		string(stats),
		string(missingJSON))

	return err
}

// ListAcquisitions retrieves the most recent acquisition summaries of a session, newest first
func (r *PostgresSessionRepository) ListAcquisitions(ctx context.Context, sessionID string, limit int) ([]*models.AcquisitionSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, session_id, sequence, captured_at, elapsed, sample_rate, rbw_hz,
		       trigger_timed_out, fill_timed_out, channel_stats, missing_channels
		FROM acquisitions
		WHERE session_id = $1
		ORDER BY sequence DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []*models.AcquisitionSummary{}
	for rows.Next() {
		var s models.AcquisitionSummary
		var statsStr, missingStr string

		err := rows.Scan(
			&s.ID,
			&s.SessionID,
			&s.Sequence,
			&s.Timestamp,
			&s.Elapsed,
			&s.SampleRate,
			&s.RBW,
			&s.TriggerTimedOut,
			&s.FillTimedOut,
			&statsStr,
			&missingStr)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(statsStr), &s.Channels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channel stats: %w", err)
		}
		if err := json.Unmarshal([]byte(missingStr), &s.Missing); err != nil {
			return nil, fmt.Errorf("failed to unmarshal missing channels: %w", err)
		}
		if len(s.Missing) == 0 {
			s.Missing = nil
		}

		summaries = append(summaries, &s)
	}

	return summaries, rows.Err()
}
