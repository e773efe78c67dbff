// internal/repository/interfaces.go
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"meter-bridge/internal/model"
	"meter-bridge/internal/recording"
)

// SessionInfo is the stored description of one recording session
type SessionInfo struct {
	ID              uuid.UUID             `json:"id"`
	StartedAt       time.Time             `json:"started_at"`
	StoppedAt       *time.Time            `json:"stopped_at,omitempty"`
	Mode            recording.SessionMode `json:"mode"`
	Interval        time.Duration         `json:"interval"`
	Port            string                `json:"port,omitempty"`
	MeterModel      string                `json:"meter_model,omitempty"`
	FirmwareVersion string                `json:"firmware_version,omitempty"`
}

// SessionRepository persists recording sessions and their measurements
type SessionRepository interface {
	CreateSession(ctx context.Context, info *SessionInfo) error
	FinishSession(ctx context.Context, id uuid.UUID, stoppedAt time.Time) error
	InsertMeasurement(ctx context.Context, sessionID uuid.UUID, rec *model.Record) error
	GetSession(ctx context.Context, id uuid.UUID) (*SessionInfo, error)
	ListSessions(ctx context.Context, limit int) ([]*SessionInfo, error)
	ListMeasurements(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]*model.Record, error)
}
