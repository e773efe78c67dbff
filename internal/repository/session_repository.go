// internal/repository/session_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"meter-bridge/internal/database"
	"meter-bridge/internal/model"
)

// sessionRepository implements SessionRepository interface
type sessionRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *database.DB, logger *zap.Logger) SessionRepository {
	return &sessionRepository{
		db:     db,
		logger: logger,
	}
}

// CreateSession creates a new recording session row
func (r *sessionRepository) CreateSession(ctx context.Context, info *SessionInfo) error {
	query := `
		INSERT INTO recording_sessions (
			id, started_at, mode, interval_ms, port, meter_model, firmware_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		info.ID, info.StartedAt, info.Mode, info.Interval.Milliseconds(),
		info.Port, info.MeterModel, info.FirmwareVersion,
	)

	if err != nil {
		r.logger.Error("Failed to create recording session", zap.Error(err), zap.String("session_id", info.ID.String()))
		return fmt.Errorf("failed to create recording session: %w", err)
	}

	return nil
}

// FinishSession marks a session as stopped
func (r *sessionRepository) FinishSession(ctx context.Context, id uuid.UUID, stoppedAt time.Time) error {
	query := `UPDATE recording_sessions SET stopped_at = $2 WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, id, stoppedAt)
	if err != nil {
		r.logger.Error("Failed to finish recording session", zap.Error(err), zap.String("session_id", id.String()))
		return fmt.Errorf("failed to finish recording session: %w", err)
	}

	return nil
}

// InsertMeasurement stores one record. Overflow readings store NULL
// for the value; the overflow flag carries the information.
func (r *sessionRepository) InsertMeasurement(ctx context.Context, sessionID uuid.UUID, rec *model.Record) error {
	query := `
		INSERT INTO measurements (
			session_id, record_index, recorded_at, mode, range_label, value, overflow, unit
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	var value interface{}
	if !rec.Overflow {
		value = decimal.NewFromFloat(rec.Value).String()
	}

	_, err := r.db.ExecContext(ctx, query,
		sessionID, rec.Index, rec.Timestamp, rec.Mode, rec.Range,
		value, rec.Overflow, rec.Unit,
	)

	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}

	return nil
}

// GetSession retrieves one session by id
func (r *sessionRepository) GetSession(ctx context.Context, id uuid.UUID) (*SessionInfo, error) {
	query := `
		SELECT id, started_at, stopped_at, mode, interval_ms, port, meter_model, firmware_version
		FROM recording_sessions WHERE id = $1
	`

	info, err := r.scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("recording session not found: %s", id)
		}
		r.logger.Error("Failed to get recording session", zap.Error(err), zap.String("session_id", id.String()))
		return nil, fmt.Errorf("failed to get recording session: %w", err)
	}

	return info, nil
}

// ListSessions retrieves the most recent sessions
func (r *sessionRepository) ListSessions(ctx context.Context, limit int) ([]*SessionInfo, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, started_at, stopped_at, mode, interval_ms, port, meter_model, firmware_version
		FROM recording_sessions ORDER BY started_at DESC LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		r.logger.Error("Failed to list recording sessions", zap.Error(err))
		return nil, fmt.Errorf("failed to list recording sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionInfo
	for rows.Next() {
		info, err := r.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording session: %w", err)
		}
		sessions = append(sessions, info)
	}

	return sessions, rows.Err()
}

// ListMeasurements retrieves a page of a session's records in insertion order
func (r *sessionRepository) ListMeasurements(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]*model.Record, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT record_index, recorded_at, mode, range_label, value, overflow, unit
		FROM measurements
		WHERE session_id = $1
		ORDER BY record_index ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID, limit, offset)
	if err != nil {
		r.logger.Error("Failed to list measurements", zap.Error(err), zap.String("session_id", sessionID.String()))
		return nil, fmt.Errorf("failed to list measurements: %w", err)
	}
	defer rows.Close()

	var records []*model.Record
	for rows.Next() {
		rec := &model.Record{}
		var value sql.NullString
		if err := rows.Scan(&rec.Index, &rec.Timestamp, &rec.Mode, &rec.Range, &value, &rec.Overflow, &rec.Unit); err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		if value.Valid {
			d, err := decimal.NewFromString(value.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse stored value %q: %w", value.String, err)
			}
			rec.Value, _ = d.Float64()
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *sessionRepository) scanSession(row rowScanner) (*SessionInfo, error) {
	info := &SessionInfo{}
	var stoppedAt sql.NullTime
	var intervalMs int64

	if err := row.Scan(
		&info.ID, &info.StartedAt, &stoppedAt, &info.Mode, &intervalMs,
		&info.Port, &info.MeterModel, &info.FirmwareVersion,
	); err != nil {
		return nil, err
	}

	if stoppedAt.Valid {
		t := stoppedAt.Time
		info.StoppedAt = &t
	}
	info.Interval = time.Duration(intervalMs) * time.Millisecond

	return info, nil
}
