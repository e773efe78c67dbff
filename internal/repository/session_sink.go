// internal/repository/session_sink.go
package repository

import (
	"context"
	"time"

	"meter-bridge/internal/model"
	"meter-bridge/internal/recording"
)

// writeTimeout bounds each sink write so a stalled database cannot
// back up the recording queue indefinitely.
const writeTimeout = 5 * time.Second

// sessionSink adapts a SessionRepository to the recording.Sink interface
type sessionSink struct {
	repo    SessionRepository
	session recording.Session
}

// NewSessionSink creates the session row and returns a sink that
// streams the session's records into the measurement store
func NewSessionSink(ctx context.Context, repo SessionRepository, session recording.Session, snap model.Snapshot) (recording.Sink, error) {
	info := &SessionInfo{
		ID:              session.ID,
		StartedAt:       session.StartedAt,
		Mode:            session.Mode,
		Interval:        session.Interval,
		Port:            snap.Port,
		MeterModel:      snap.Model,
		FirmwareVersion: snap.FirmwareVersion,
	}
	if err := repo.CreateSession(ctx, info); err != nil {
		return nil, err
	}

	return &sessionSink{repo: repo, session: session}, nil
}

// Name identifies the sink in logs
func (s *sessionSink) Name() string {
	return "postgres:" + s.session.ID.String()
}

// Write stores one record
func (s *sessionSink) Write(rec model.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.repo.InsertMeasurement(ctx, s.session.ID, &rec)
}

// Close marks the session row as stopped
func (s *sessionSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.repo.FinishSession(ctx, s.session.ID, time.Now())
}
