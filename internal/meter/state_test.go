// internal/meter/state_test.go
package meter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meter-bridge/internal/config"
	"meter-bridge/internal/model"
	"meter-bridge/internal/scpi"
)

func testMeterConfig() *config.MeterConfig {
	return &config.MeterConfig{
		Rate:           "S",
		BeeperEnabled:  true,
		ContThreshold:  50,
		DiodeThreshold: 2.0,
		LockRemote:     true,
	}
}

func newTestStateMachine(t *testing.T) *StateMachine {
	t.Helper()
	return NewStateMachine(testMeterConfig(), zap.NewNop())
}

func TestInitialSnapshot(t *testing.T) {
	sm := newTestStateMachine(t)
	snap := sm.Snapshot()

	assert.Equal(t, model.StateDisconnected, snap.State)
	assert.Equal(t, model.ModeVoltageDC, snap.Mode)
	assert.Equal(t, model.RangeAuto, snap.Range)
	assert.Equal(t, "S", snap.Rate)
	assert.True(t, snap.BeeperEnabled)
	assert.Equal(t, 50, snap.ContThreshold)
	assert.Equal(t, 2.0, snap.DiodeThreshold)
	assert.False(t, snap.IsConnected())
}

func TestSessionLifecycle(t *testing.T) {
	sm := newTestStateMachine(t)

	sm.BeginSession("/dev/ttyUSB0")
	snap := sm.Snapshot()
	assert.Equal(t, model.StateConnecting, snap.State)
	assert.Equal(t, "/dev/ttyUSB0", snap.Port)

	sm.BeginSync()
	assert.Equal(t, model.StateSyncing, sm.State())

	// Not ready until both identity and mode have been read back.
	assert.False(t, sm.MarkReady())

	sm.ApplyIdentity(&scpi.Identity{
		Manufacturer: "OWON",
		Model:        "XDM1041",
		SerialNumber: "21000101",
		Firmware:     "V4.2.0",
	}, true)
	assert.False(t, sm.MarkReady())

	sm.ApplyModeReadback(model.ModeVoltageDC)
	require.True(t, sm.MarkReady())

	snap = sm.Snapshot()
	assert.Equal(t, model.StateReady, snap.State)
	assert.Equal(t, "XDM1041", snap.Model)
	assert.True(t, snap.QuirkActive)
	assert.True(t, snap.IsConnected())
}

func TestMarkReadyOnlyFromSyncing(t *testing.T) {
	sm := newTestStateMachine(t)

	sm.ApplyIdentity(&scpi.Identity{Manufacturer: "OWON", Model: "XDM1041"}, false)
	sm.ApplyModeReadback(model.ModeVoltageDC)

	// Still Disconnected; no session was begun.
	assert.False(t, sm.MarkReady())
}

func TestOptimisticModeConfirmedByReadback(t *testing.T) {
	sm := newTestStateMachine(t)
	sm.BeginSession("/dev/ttyUSB0")

	sm.ApplyOptimisticMode(model.ModeResistance2W)
	assert.Equal(t, model.ModeResistance2W, sm.Snapshot().Mode)

	changed := sm.ApplyModeReadback(model.ModeResistance2W)
	assert.False(t, changed)
	assert.Equal(t, model.ModeResistance2W, sm.Snapshot().Mode)
}

func TestReadbackWinsOverOptimisticMode(t *testing.T) {
	sm := newTestStateMachine(t)
	sm.BeginSession("/dev/ttyUSB0")

	sm.ApplyOptimisticMode(model.ModeCapacitance)

	// Front panel changed the function before the command landed.
	changed := sm.ApplyModeReadback(model.ModeFrequency)
	assert.True(t, changed)
	assert.Equal(t, model.ModeFrequency, sm.Snapshot().Mode)
}

func TestModeChangeResetsRange(t *testing.T) {
	sm := newTestStateMachine(t)
	sm.BeginSession("/dev/ttyUSB0")

	sm.ApplyOptimisticRange("50V")
	assert.Equal(t, "50V", sm.Snapshot().Range)

	sm.ApplyOptimisticMode(model.ModeCurrentDC)
	assert.Equal(t, model.RangeAuto, sm.Snapshot().Range)
}

func TestReadbackOfSameModeKeepsRange(t *testing.T) {
	sm := newTestStateMachine(t)
	sm.BeginSession("/dev/ttyUSB0")

	sm.ApplyModeReadback(model.ModeVoltageDC)
	sm.ApplyOptimisticRange("50V")

	// Periodic readback confirming the current mode must not clobber
	// the selected range.
	sm.ApplyModeReadback(model.ModeVoltageDC)
	assert.Equal(t, "50V", sm.Snapshot().Range)
}

func TestOptimisticSettings(t *testing.T) {
	sm := newTestStateMachine(t)

	sm.ApplyOptimisticRate("F")
	sm.ApplyOptimisticBeeper(false)
	sm.ApplyOptimisticThresholds(100, 1.5)

	snap := sm.Snapshot()
	assert.Equal(t, "F", snap.Rate)
	assert.False(t, snap.BeeperEnabled)
	assert.Equal(t, 100, snap.ContThreshold)
	assert.Equal(t, 1.5, snap.DiodeThreshold)
}

func TestDisconnectResetsToDefaultsKeepingError(t *testing.T) {
	sm := newTestStateMachine(t)
	sm.BeginSession("/dev/ttyUSB0")
	sm.BeginSync()
	sm.ApplyIdentity(&scpi.Identity{Manufacturer: "OWON", Model: "XDM1041", Firmware: "V4.2.0"}, true)
	sm.ApplyModeReadback(model.ModeDiode)
	sm.MarkReady()

	sm.Disconnect("device unresponsive after 5 consecutive timeouts")

	snap := sm.Snapshot()
	assert.Equal(t, model.StateDisconnected, snap.State)
	assert.Empty(t, snap.Port)
	assert.Empty(t, snap.Model)
	assert.Equal(t, model.ModeVoltageDC, snap.Mode)
	assert.Equal(t, "device unresponsive after 5 consecutive timeouts", snap.LastError)
}

func TestReadyClearsStaleError(t *testing.T) {
	sm := newTestStateMachine(t)
	sm.Disconnect("open failed: no such device")
	require.NotEmpty(t, sm.Snapshot().LastError)

	sm.BeginSession("/dev/ttyUSB0")
	sm.BeginSync()
	sm.ApplyIdentity(&scpi.Identity{Manufacturer: "OWON", Model: "XDM1041", Firmware: "V4.3.0"}, false)
	sm.ApplyModeReadback(model.ModeVoltageDC)
	require.True(t, sm.MarkReady())

	assert.Empty(t, sm.Snapshot().LastError)
}
