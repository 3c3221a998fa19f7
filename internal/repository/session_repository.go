package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"parkpulse/internal/models"
	"parkpulse/pkg/database"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
)

// SessionRepository persists inferred operating sessions, one row per
// (park, local date), upserted
type SessionRepository interface {
	UpsertSession(ctx context.Context, session *models.OperatingSession) error
	GetSession(ctx context.Context, parkID int64, sessionDate time.Time) (*models.OperatingSession, error)
}

// sessionRepository implements SessionRepository
type sessionRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) SessionRepository {
	return &sessionRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// UpsertSession creates or updates an operating session keyed by
// (park_id, session_date)
func (r *sessionRepository) UpsertSession(ctx context.Context, session *models.OperatingSession) error {
	query := `
		INSERT INTO operating_sessions (
			park_id, session_date, session_start_utc, session_end_utc,
			operating_minutes, rides_active, open_snapshots, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (park_id, session_date) DO UPDATE SET
			session_start_utc = EXCLUDED.session_start_utc,
			session_end_utc = EXCLUDED.session_end_utc,
			operating_minutes = EXCLUDED.operating_minutes,
			rides_active = EXCLUDED.rides_active,
			open_snapshots = EXCLUDED.open_snapshots,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	err := r.db.DB().QueryRowContext(ctx, query,
		session.ParkID,
		session.SessionDate,
		session.SessionStartUTC,
		session.SessionEndUTC,
		session.OperatingMinutes,
		session.RidesActive,
		session.OpenSnapshots,
		session.UpdatedAt,
	).Scan(&session.ID)

	if err != nil {
		return fmt.Errorf("failed to upsert operating session: %w", err)
	}

	r.metrics.OperatingSessionsTotal.Inc()

	r.logger.Debug(ctx, "[REPO_UPSERT_SESSION] Operating session saved", logging.Fields{
		"park_id":           session.ParkID,
		"session_date":      session.SessionDate.Format("2006-01-02"),
		"operating_minutes": session.OperatingMinutes,
	})

	return nil
}

// GetSession retrieves the operating session for a park and local date
func (r *sessionRepository) GetSession(ctx context.Context, parkID int64, sessionDate time.Time) (*models.OperatingSession, error) {
	query := `
		SELECT id, park_id, session_date, session_start_utc, session_end_utc,
		       operating_minutes, rides_active, open_snapshots, updated_at
		FROM operating_sessions
		WHERE park_id = $1 AND session_date = $2
	`

	var session models.OperatingSession
	err := r.db.GetContext(ctx, "get_session", &session, query, parkID, sessionDate)

	if err == sql.ErrNoRows {
		return nil, &NotFoundError{
			Resource: "operating_session",
			ID:       fmt.Sprintf("%d:%s", parkID, sessionDate.Format("2006-01-02")),
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get operating session: %w", err)
	}

	return &session, nil
}
