// internal/meter/state.go
package meter

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"meter-bridge/internal/config"
	"meter-bridge/internal/model"
	"meter-bridge/internal/scpi"
)

// StateMachine is the authoritative model of the instrument state. It
// reconciles two update streams: locally-issued commands, applied
// optimistically, and periodic readbacks, which win on disagreement
// because the front panel can change the instrument independently.
//
// Writes go through a single mutex-guarded copy-on-write path; readers
// always get a complete immutable copy, never a partially-updated one.
type StateMachine struct {
	mutex  sync.RWMutex
	snap   model.Snapshot
	logger *zap.Logger

	// pendingMode is the optimistic mode guess awaiting confirmation
	// by a function readback.
	pendingMode *model.Mode

	// Readback confirmations required before the session is Ready.
	identityConfirmed bool
	modeConfirmed     bool

	defaults config.MeterConfig
}

// NewStateMachine creates a state machine seeded from the meter
// configuration
func NewStateMachine(cfg *config.MeterConfig, logger *zap.Logger) *StateMachine {
	sm := &StateMachine{
		logger:   logger,
		defaults: *cfg,
	}
	sm.snap = sm.initialSnapshot()
	return sm
}

func (sm *StateMachine) initialSnapshot() model.Snapshot {
	return model.Snapshot{
		State:          model.StateDisconnected,
		Mode:           model.ModeVoltageDC,
		Range:          model.RangeAuto,
		Rate:           sm.defaults.Rate,
		BeeperEnabled:  sm.defaults.BeeperEnabled,
		ContThreshold:  sm.defaults.ContThreshold,
		DiodeThreshold: sm.defaults.DiodeThreshold,
		RemoteLock:     sm.defaults.LockRemote,
		UpdatedAt:      time.Now(),
	}
}

// Snapshot returns an immutable copy of the current state
func (sm *StateMachine) Snapshot() model.Snapshot {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.snap
}

// State returns the current connection state
func (sm *StateMachine) State() model.ConnectionState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.snap.State
}

func (sm *StateMachine) update(mutate func(s *model.Snapshot)) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	mutate(&sm.snap)
	sm.snap.UpdatedAt = time.Now()
}

// BeginSession moves the machine into Connecting for the given port
func (sm *StateMachine) BeginSession(port string) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.snap = sm.initialSnapshot()
	sm.snap.State = model.StateConnecting
	sm.snap.Port = port
	sm.snap.UpdatedAt = time.Now()
	sm.pendingMode = nil
	sm.identityConfirmed = false
	sm.modeConfirmed = false
}

// BeginSync moves the machine into Syncing after a successful open
func (sm *StateMachine) BeginSync() {
	sm.update(func(s *model.Snapshot) {
		s.State = model.StateSyncing
	})
}

// ApplyIdentity records a confirmed identity readback
func (sm *StateMachine) ApplyIdentity(id *scpi.Identity, quirkActive bool) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.snap.Manufacturer = id.Manufacturer
	sm.snap.Model = id.Model
	sm.snap.SerialNumber = id.SerialNumber
	sm.snap.FirmwareVersion = id.Firmware
	sm.snap.QuirkActive = quirkActive
	sm.snap.UpdatedAt = time.Now()
	sm.identityConfirmed = true
}

// ApplyModeReadback records an authoritative mode readback. A pending
// optimistic guess that disagrees is overwritten, since the instrument
// may have been changed at its front panel mid-transition. Returns
// true when the readback changed the mode held in the snapshot.
func (sm *StateMachine) ApplyModeReadback(mode model.Mode) bool {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.pendingMode != nil && *sm.pendingMode != mode {
		sm.logger.Warn("Mode readback disagrees with optimistic state",
			zap.String("optimistic", string(*sm.pendingMode)),
			zap.String("readback", string(mode)),
		)
	}
	sm.pendingMode = nil
	sm.modeConfirmed = true

	changed := sm.snap.Mode != mode
	if changed {
		sm.snap.Mode = mode
		sm.snap.Range = model.RangeAuto
	}
	sm.snap.UpdatedAt = time.Now()
	return changed
}

// ApplyOptimisticMode applies a locally-issued mode change before any
// readback confirms it
func (sm *StateMachine) ApplyOptimisticMode(mode model.Mode) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	m := mode
	sm.pendingMode = &m
	sm.snap.Mode = mode
	sm.snap.Range = model.RangeAuto
	sm.snap.UpdatedAt = time.Now()
}

// ApplyOptimisticRange applies a locally-issued range change
func (sm *StateMachine) ApplyOptimisticRange(rangeLabel string) {
	sm.update(func(s *model.Snapshot) {
		s.Range = rangeLabel
	})
}

// ApplyOptimisticRate applies a locally-issued sampling rate change
func (sm *StateMachine) ApplyOptimisticRate(rate string) {
	sm.update(func(s *model.Snapshot) {
		s.Rate = rate
	})
}

// ApplyOptimisticBeeper applies a locally-issued beeper change
func (sm *StateMachine) ApplyOptimisticBeeper(enabled bool) {
	sm.update(func(s *model.Snapshot) {
		s.BeeperEnabled = enabled
	})
}

// ApplyOptimisticThresholds applies locally-issued threshold changes
func (sm *StateMachine) ApplyOptimisticThresholds(contOhms int, diodeVolts float64) {
	sm.update(func(s *model.Snapshot) {
		s.ContThreshold = contOhms
		s.DiodeThreshold = diodeVolts
	})
}

// MarkReady promotes Syncing to Ready once every required field has
// had at least one confirmed readback. Returns true on promotion.
func (sm *StateMachine) MarkReady() bool {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.snap.State != model.StateSyncing {
		return false
	}
	if !sm.identityConfirmed || !sm.modeConfirmed {
		return false
	}

	sm.snap.State = model.StateReady
	sm.snap.LastError = ""
	sm.snap.UpdatedAt = time.Now()
	return true
}

// SetError records the most recent error description without touching
// the rest of the snapshot
func (sm *StateMachine) SetError(msg string) {
	sm.update(func(s *model.Snapshot) {
		s.LastError = msg
	})
}

// Disconnect clears the session. The error message, if any, survives
// so the caller can surface why the session ended.
func (sm *StateMachine) Disconnect(errMsg string) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.snap = sm.initialSnapshot()
	sm.snap.LastError = errMsg
	sm.snap.UpdatedAt = time.Now()
	sm.pendingMode = nil
	sm.identityConfirmed = false
	sm.modeConfirmed = false
}
