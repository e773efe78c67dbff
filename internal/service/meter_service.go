// internal/service/meter_service.go
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meter-bridge/internal/config"
	"meter-bridge/internal/meter"
	"meter-bridge/internal/model"
	"meter-bridge/internal/recording"
	"meter-bridge/internal/repository"
	"meter-bridge/internal/scpi"
	"meter-bridge/internal/transport"
	"meter-bridge/internal/utils"
)

// EventPublisher receives the service's outbound event streams. The
// websocket hub implements it; a nil publisher silently drops events.
type EventPublisher interface {
	PublishMeasurement(m model.Measurement)
	PublishSnapshot(s model.Snapshot)
}

// MeterService owns the instrument session lifecycle and is the single
// entry point for everything the transport layer exposes
type MeterService struct {
	cfg         *config.Config
	logger      *utils.ServiceLogger
	baseLogger  *zap.Logger
	state       *meter.StateMachine
	recorder    *recording.Recorder
	sessionRepo repository.SessionRepository

	mutex     sync.Mutex
	poller    *meter.Poller
	publisher EventPublisher

	latestMutex sync.Mutex
	latest      *model.Measurement
	published   time.Time

	refreshCancel context.CancelFunc
	refreshDone   chan struct{}
}

// NewMeterService creates the service. sessionRepo may be nil when the
// measurement store is disabled.
func NewMeterService(
	cfg *config.Config,
	sessionRepo repository.SessionRepository,
	logger *zap.Logger,
) *MeterService {
	ms := &MeterService{
		cfg:         cfg,
		logger:      utils.NewServiceLogger(logger, "meter-service"),
		baseLogger:  logger,
		state:       meter.NewStateMachine(&cfg.Meter, logger),
		sessionRepo: sessionRepo,
	}
	ms.recorder = recording.NewRecorder(&cfg.Recording, ms.buildSinks, logger)
	return ms
}

// SetPublisher wires the outbound event stream. Must be called before
// Start.
func (ms *MeterService) SetPublisher(p EventPublisher) {
	ms.publisher = p
}

// Start launches the publish loop and, when configured, the initial
// connection attempt
func (ms *MeterService) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	ms.refreshCancel = cancel
	ms.refreshDone = make(chan struct{})
	go ms.refreshLoop(ctx)

	if ms.cfg.Meter.ConnectOnStartup {
		if err := ms.Connect(context.Background(), ms.cfg.Serial.Port); err != nil {
			ms.logger.Warn("Startup connection failed", zap.Error(err))
		}
	}
	return nil
}

// Stop ends any active session and the publish loop
func (ms *MeterService) Stop(ctx context.Context) error {
	if err := ms.Disconnect(ctx); err != nil {
		ms.logger.Warn("Disconnect during shutdown failed", zap.Error(err))
	}

	if ms.refreshCancel != nil {
		ms.refreshCancel()
		select {
		case <-ms.refreshDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ListPorts enumerates candidate serial ports
func (ms *MeterService) ListPorts() ([]string, error) {
	return transport.ListPorts()
}

// Connect starts a session on the given port, or the configured port
// when empty. Fails if a session is already active.
func (ms *MeterService) Connect(ctx context.Context, port string) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	if ms.poller != nil && ms.poller.IsRunning() {
		return fmt.Errorf("already connected")
	}

	if port == "" {
		port = ms.cfg.Serial.Port
	}
	if port == "" {
		return fmt.Errorf("no serial port configured")
	}

	sessionCfg := *ms.cfg
	sessionCfg.Serial.Port = port

	tr, err := transport.NewSerialTransport(&transport.Config{
		Port:     port,
		BaudRate: sessionCfg.Serial.BaudRate,
		DataBits: sessionCfg.Serial.DataBits,
		StopBits: sessionCfg.Serial.StopBits,
		Parity:   sessionCfg.Serial.Parity,
		Timeout:  sessionCfg.Serial.Timeout,
	}, ms.baseLogger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	poller := meter.NewPoller(&sessionCfg, tr, ms.state, ms.baseLogger, ms.onMeasurement)
	if err := poller.Start(); err != nil {
		return err
	}

	ms.poller = poller
	ms.logger.Info("Session started", zap.String("port", port))
	return nil
}

// Disconnect ends the active session gracefully. A no-op when nothing
// is connected. An active recording session is stopped first.
func (ms *MeterService) Disconnect(ctx context.Context) error {
	if ms.recorder.Status().Active {
		if _, err := ms.recorder.Stop(); err != nil {
			ms.logger.Warn("Failed to stop recording on disconnect", zap.Error(err))
		}
	}

	ms.mutex.Lock()
	poller := ms.poller
	ms.mutex.Unlock()

	if poller == nil {
		return nil
	}
	return poller.Stop(ctx)
}

// Snapshot returns the current instrument state
func (ms *MeterService) Snapshot() model.Snapshot {
	return ms.state.Snapshot()
}

// LatestMeasurements returns up to n of the most recent readings
func (ms *MeterService) LatestMeasurements(n int) []model.Measurement {
	return ms.recorder.Latest(n)
}

// Ranges returns the selectable ranges for a mode
func (ms *MeterService) Ranges(mode model.Mode) ([]scpi.RangeOption, error) {
	table, ok := scpi.ConfigTableFor(mode)
	if !ok {
		return nil, fmt.Errorf("unknown mode: %s", mode)
	}
	return table.Ranges, nil
}

// SetMode switches the measurement function. Applied optimistically;
// the next function readback confirms or overrides it.
func (ms *MeterService) SetMode(mode model.Mode) error {
	if !model.IsValidMode(mode) || mode == model.ModeDiodeContAmbiguous {
		return fmt.Errorf("invalid mode: %s", mode)
	}

	line, err := scpi.ModeCommand(mode)
	if err != nil {
		return err
	}

	if err := ms.submit(line, func() {
		ms.state.ApplyOptimisticMode(mode)
	}); err != nil {
		return err
	}

	// Entering continuity or diode mode resets the instrument's beeper
	// and threshold settings, so they are re-sent behind the mode change.
	snap := ms.state.Snapshot()
	switch mode {
	case model.ModeContinuity:
		if err := ms.submit(scpi.ContThresholdCommand(snap.ContThreshold), nil); err != nil {
			return err
		}
		return ms.submit(scpi.BeeperCommand(snap.BeeperEnabled), nil)
	case model.ModeDiode:
		if err := ms.submit(scpi.DiodeThresholdCommand(snap.DiodeThreshold), nil); err != nil {
			return err
		}
		return ms.submit(scpi.BeeperCommand(snap.BeeperEnabled), nil)
	}
	return nil
}

// SetRange selects a range of the current measurement function
func (ms *MeterService) SetRange(rangeLabel string) error {
	snap := ms.state.Snapshot()

	line, err := scpi.RangeCommand(snap.Mode, rangeLabel)
	if err != nil {
		return err
	}

	return ms.submit(line, func() {
		ms.state.ApplyOptimisticRange(rangeLabel)
	})
}

// SetRate selects the sampling rate
func (ms *MeterService) SetRate(rate string) error {
	if !scpi.IsValidRate(scpi.Rate(rate)) {
		return fmt.Errorf("invalid rate: %s (want S, M or F)", rate)
	}

	return ms.submit(scpi.RateCommand(scpi.Rate(rate)), func() {
		ms.state.ApplyOptimisticRate(rate)
	})
}

// SetBeeper enables or disables the instrument beeper
func (ms *MeterService) SetBeeper(enabled bool) error {
	return ms.submit(scpi.BeeperCommand(enabled), func() {
		ms.state.ApplyOptimisticBeeper(enabled)
	})
}

// SetThresholds sets the continuity and diode thresholds
func (ms *MeterService) SetThresholds(contOhms int, diodeVolts float64) error {
	if contOhms < 0 || contOhms > 1000 {
		return fmt.Errorf("continuity threshold out of range: %d", contOhms)
	}
	if diodeVolts < 0 || diodeVolts > 3.0 {
		return fmt.Errorf("diode threshold out of range: %g", diodeVolts)
	}

	if err := ms.submit(scpi.ContThresholdCommand(contOhms), nil); err != nil {
		return err
	}
	return ms.submit(scpi.DiodeThresholdCommand(diodeVolts), func() {
		ms.state.ApplyOptimisticThresholds(contOhms, diodeVolts)
	})
}

// StartRecording begins a recording session
func (ms *MeterService) StartRecording(mode recording.SessionMode, interval time.Duration) (recording.Session, error) {
	if ms.state.State() != model.StateReady {
		return recording.Session{}, fmt.Errorf("not connected")
	}
	return ms.recorder.Start(mode, interval)
}

// StopRecording ends the active recording session
func (ms *MeterService) StopRecording() (recording.Session, error) {
	return ms.recorder.Stop()
}

// RecordingStatus returns the recorder state
func (ms *MeterService) RecordingStatus() recording.Status {
	return ms.recorder.Status()
}

// ListSessions returns stored recording sessions. Requires the
// measurement store.
func (ms *MeterService) ListSessions(ctx context.Context, limit int) ([]*repository.SessionInfo, error) {
	if ms.sessionRepo == nil {
		return nil, fmt.Errorf("measurement store disabled")
	}
	return ms.sessionRepo.ListSessions(ctx, limit)
}

// SessionRecords returns a page of a stored session's records
func (ms *MeterService) SessionRecords(ctx context.Context, id string, limit, offset int) ([]*model.Record, error) {
	if ms.sessionRepo == nil {
		return nil, fmt.Errorf("measurement store disabled")
	}
	sessionID, err := parseSessionID(id)
	if err != nil {
		return nil, err
	}
	return ms.sessionRepo.ListMeasurements(ctx, sessionID, limit, offset)
}

func parseSessionID(id string) (uuid.UUID, error) {
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid session id %q: %w", id, err)
	}
	return sessionID, nil
}

// submit queues one command for the session goroutine, requiring a
// Ready session
func (ms *MeterService) submit(line string, apply func()) error {
	if ms.state.State() != model.StateReady {
		return fmt.Errorf("not connected")
	}

	ms.mutex.Lock()
	poller := ms.poller
	ms.mutex.Unlock()

	if poller == nil {
		return fmt.Errorf("not connected")
	}
	return poller.Submit(line, apply)
}

// onMeasurement runs on the session goroutine for every accepted
// reading. It must not block.
func (ms *MeterService) onMeasurement(m model.Measurement) {
	ms.recorder.Observe(m)

	ms.latestMutex.Lock()
	ms.latest = &m
	ms.latestMutex.Unlock()
}

// buildSinks is the recorder's sink factory: a session file in the
// configured format, plus the measurement store when enabled
func (ms *MeterService) buildSinks(session recording.Session) ([]recording.Sink, error) {
	var sinks []recording.Sink

	switch ms.cfg.Recording.Format {
	case "json":
		sink, err := recording.NewJSONSink(ms.cfg.Recording.OutputDir, session)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	default:
		sink, err := recording.NewCSVSink(ms.cfg.Recording.OutputDir, session)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	if ms.sessionRepo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sink, err := repository.NewSessionSink(ctx, ms.sessionRepo, session, ms.state.Snapshot())
		if err != nil {
			// The file sink still works; record without the store.
			ms.logger.Error("Failed to open measurement store sink", zap.Error(err))
		} else {
			sinks = append(sinks, sink)
		}
	}

	return sinks, nil
}

// snapshotChanged reports whether any field other than the update
// timestamp differs between two snapshots. The timestamp is excluded
// because periodic readbacks refresh it even when nothing changed.
func snapshotChanged(prev, cur model.Snapshot) bool {
	prev.UpdatedAt = cur.UpdatedAt
	return prev != cur
}

// refreshLoop publishes state and readings at the refresh cadence,
// decoupled from the poll cadence so slow consumers see a steady
// stream instead of every raw cycle
func (ms *MeterService) refreshLoop(ctx context.Context) {
	defer close(ms.refreshDone)

	ticker := time.NewTicker(ms.cfg.Poller.RefreshInterval)
	defer ticker.Stop()

	var lastSnapshot model.Snapshot

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if ms.publisher == nil {
			continue
		}

		snap := ms.state.Snapshot()
		if snapshotChanged(lastSnapshot, snap) {
			ms.publisher.PublishSnapshot(snap)
			lastSnapshot = snap
		}

		ms.latestMutex.Lock()
		latest := ms.latest
		published := ms.published
		if latest != nil {
			ms.published = latest.Timestamp
		}
		ms.latestMutex.Unlock()

		if latest != nil && latest.Timestamp.After(published) {
			ms.publisher.PublishMeasurement(*latest)
		}
	}
}
