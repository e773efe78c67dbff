// internal/meter/poller_test.go
package meter

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meter-bridge/internal/config"
	"meter-bridge/internal/model"
	"meter-bridge/internal/transport"
)

// fakeTransport scripts the instrument side of the wire. respond maps
// a received command to the response frame queued for the next read;
// commands it declines leave the read queue empty, which surfaces as
// a timeout.
type fakeTransport struct {
	mu      sync.Mutex
	open    bool
	writes  []string
	queue   []string
	respond func(cmd string) (string, bool)
}

func (f *fakeTransport) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) WriteLine(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open {
		return transport.ErrNotOpen
	}

	cmd := strings.TrimSuffix(string(data), "\n")
	f.writes = append(f.writes, cmd)

	if f.respond != nil {
		if resp, ok := f.respond(cmd); ok {
			f.queue = append(f.queue, resp)
		}
	}
	return nil
}

func (f *fakeTransport) ReadLine(ctx context.Context, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open {
		return nil, transport.ErrNotOpen
	}
	if len(f.queue) == 0 {
		return nil, transport.ErrTimeout
	}

	line := f.queue[0]
	f.queue = f.queue[1:]
	return []byte(line), nil
}

func (f *fakeTransport) wroteCommand(cmd string) bool {
	return f.commandCount(cmd) > 0
}

func (f *fakeTransport) commandCount(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, w := range f.writes {
		if w == cmd {
			count++
		}
	}
	return count
}

// meterResponder answers like an XDM1041 on old firmware. measResponses
// bounds how many MEAS? queries get an answer; negative means unlimited.
func meterResponder(firmware string, measResponses int) func(cmd string) (string, bool) {
	remaining := measResponses
	return func(cmd string) (string, bool) {
		switch cmd {
		case "*IDN?":
			return "OWON,XDM1041,21000101," + firmware + "\r\n", true
		case "FUNC?":
			return "\"VOLT\"\r\n", true
		case "MEAS?":
			if remaining == 0 {
				return "", false
			}
			remaining--
			return "2.35E-03\r\n", true
		default:
			return "", false
		}
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Serial: config.SerialConfig{
			Port:    "/dev/ttyUSB0",
			Timeout: 20 * time.Millisecond,
		},
		Poller: config.PollerConfig{
			PollInterval:       time.Millisecond,
			RefreshInterval:    time.Millisecond,
			MaxTimeouts:        3,
			FunctionReadbackNr: 5,
		},
		Meter: *testMeterConfig(),
	}
}

type pollerFixture struct {
	cfg          *config.Config
	tr           *fakeTransport
	state        *StateMachine
	poller       *Poller
	measurements chan model.Measurement
}

func newPollerFixture(t *testing.T, respond func(cmd string) (string, bool)) *pollerFixture {
	t.Helper()

	cfg := testConfig()
	tr := &fakeTransport{respond: respond}
	state := NewStateMachine(&cfg.Meter, zap.NewNop())
	measurements := make(chan model.Measurement, 256)

	poller := NewPoller(cfg, tr, state, zap.NewNop(), func(m model.Measurement) {
		select {
		case measurements <- m:
		default:
		}
	})

	return &pollerFixture{
		cfg:          cfg,
		tr:           tr,
		state:        state,
		poller:       poller,
		measurements: measurements,
	}
}

func (fx *pollerFixture) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fx.poller.Stop(ctx))
}

func waitForState(t *testing.T, sm *StateMachine, want model.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sm.State() == want
	}, 2*time.Second, 2*time.Millisecond, "state never reached %s", want)
}

func TestPollerHandshakeReachesReady(t *testing.T) {
	fx := newPollerFixture(t, meterResponder("V4.2.0", -1))

	require.NoError(t, fx.poller.Start())
	defer fx.stop(t)

	waitForState(t, fx.state, model.StateReady)

	snap := fx.state.Snapshot()
	assert.Equal(t, "OWON", snap.Manufacturer)
	assert.Equal(t, "XDM1041", snap.Model)
	assert.Equal(t, "V4.2.0", snap.FirmwareVersion)
	assert.True(t, snap.QuirkActive)
	assert.Equal(t, model.ModeVoltageDC, snap.Mode)

	// Settings burst lands between identity and the first function
	// readback.
	assert.True(t, fx.tr.wroteCommand("RATE S"))
	assert.True(t, fx.tr.wroteCommand("SYST:BEEP:STATe ON"))
	assert.True(t, fx.tr.wroteCommand("CONT:THREshold 50"))
	assert.True(t, fx.tr.wroteCommand("DIOD:THREshold 2"))
	assert.True(t, fx.tr.wroteCommand("SYST:REM"))
}

func TestPollerFixedFirmwareDisablesQuirk(t *testing.T) {
	fx := newPollerFixture(t, meterResponder("V4.3.0", -1))

	require.NoError(t, fx.poller.Start())
	defer fx.stop(t)

	waitForState(t, fx.state, model.StateReady)
	assert.False(t, fx.state.Snapshot().QuirkActive)
}

func TestPollerDeliversMeasurements(t *testing.T) {
	fx := newPollerFixture(t, meterResponder("V4.3.0", -1))

	require.NoError(t, fx.poller.Start())
	defer fx.stop(t)

	waitForState(t, fx.state, model.StateReady)

	select {
	case m := <-fx.measurements:
		assert.InDelta(t, 2.35e-3, m.Value, 1e-12)
		assert.Equal(t, model.ModeVoltageDC, m.Mode)
		assert.Equal(t, model.UnitVolt, m.Unit)
	case <-time.After(2 * time.Second):
		t.Fatal("no measurement delivered")
	}
}

func TestPollerGoesUnresponsiveAfterConsecutiveTimeouts(t *testing.T) {
	// Handshake succeeds, two measurements arrive, then silence.
	fx := newPollerFixture(t, meterResponder("V4.3.0", 2))

	require.NoError(t, fx.poller.Start())

	waitForState(t, fx.state, model.StateDisconnected)

	snap := fx.state.Snapshot()
	assert.Contains(t, snap.LastError, "unresponsive")
	assert.False(t, fx.tr.IsOpen())
	assert.Eventually(t, func() bool {
		return !fx.poller.IsRunning()
	}, 2*time.Second, 2*time.Millisecond)
}

func TestPollerGracefulStopReleasesInstrument(t *testing.T) {
	fx := newPollerFixture(t, meterResponder("V4.3.0", -1))

	require.NoError(t, fx.poller.Start())
	waitForState(t, fx.state, model.StateReady)

	fx.stop(t)

	assert.True(t, fx.tr.wroteCommand("SYST:LOC"))
	assert.True(t, fx.tr.wroteCommand("*RST"))
	assert.False(t, fx.tr.IsOpen())

	snap := fx.state.Snapshot()
	assert.Equal(t, model.StateDisconnected, snap.State)
	assert.Empty(t, snap.LastError)
}

func TestPollerReconnectsAfterFailure(t *testing.T) {
	fx := newPollerFixture(t, meterResponder("V4.3.0", 0))

	require.NoError(t, fx.poller.Start())
	waitForState(t, fx.state, model.StateDisconnected)
	require.Eventually(t, func() bool {
		return !fx.poller.IsRunning()
	}, 2*time.Second, 2*time.Millisecond)

	// Same process, same poller: the next Start opens a fresh session.
	fx.tr.mu.Lock()
	fx.tr.respond = meterResponder("V4.3.0", -1)
	fx.tr.mu.Unlock()

	require.NoError(t, fx.poller.Start())
	defer fx.stop(t)

	waitForState(t, fx.state, model.StateReady)
}

func TestPollerResendsSettingsOnFrontPanelModeChange(t *testing.T) {
	var mu sync.Mutex
	function := "\"VOLT\"\r\n"
	base := meterResponder("V4.3.0", -1)
	respond := func(cmd string) (string, bool) {
		if cmd == "FUNC?" {
			mu.Lock()
			defer mu.Unlock()
			return function, true
		}
		return base(cmd)
	}

	fx := newPollerFixture(t, respond)
	require.NoError(t, fx.poller.Start())
	defer fx.stop(t)

	waitForState(t, fx.state, model.StateReady)

	// The user turns the front-panel dial to continuity.
	mu.Lock()
	function = "\"CONT\"\r\n"
	mu.Unlock()

	require.Eventually(t, func() bool {
		return fx.state.Snapshot().Mode == model.ModeContinuity
	}, 2*time.Second, 2*time.Millisecond, "function readback never picked up the change")

	// Switching functions reverts the instrument's threshold and beeper,
	// so both are sent again on top of the connect-time burst.
	require.Eventually(t, func() bool {
		return fx.tr.commandCount("CONT:THREshold 50") >= 2 &&
			fx.tr.commandCount("SYST:BEEP:STATe ON") >= 2
	}, 2*time.Second, 2*time.Millisecond, "settings were not re-sent after the mode change")
}

func TestPollerSubmitAppliesOptimistically(t *testing.T) {
	fx := newPollerFixture(t, meterResponder("V4.3.0", -1))

	require.NoError(t, fx.poller.Start())
	defer fx.stop(t)

	waitForState(t, fx.state, model.StateReady)

	applied := make(chan struct{})
	require.NoError(t, fx.poller.Submit("CONF:RES", func() {
		fx.state.ApplyOptimisticMode(model.ModeResistance2W)
		close(applied)
	}))

	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("submitted command never applied")
	}

	assert.True(t, fx.tr.wroteCommand("CONF:RES"))
	assert.Equal(t, model.ModeResistance2W, fx.state.Snapshot().Mode)
}

func TestPollerSubmitRejectedWhenStopped(t *testing.T) {
	fx := newPollerFixture(t, meterResponder("V4.3.0", -1))

	err := fx.poller.Submit("CONF:RES", nil)
	assert.ErrorIs(t, err, ErrPollerStopped)
}

func TestPollerDropsMalformedFrameAndContinues(t *testing.T) {
	var once sync.Once
	base := meterResponder("V4.3.0", -1)
	respond := func(cmd string) (string, bool) {
		if cmd == "MEAS?" {
			garbled := false
			once.Do(func() { garbled = true })
			if garbled {
				return "\x01\x02\r\n", true
			}
		}
		return base(cmd)
	}

	fx := newPollerFixture(t, respond)
	require.NoError(t, fx.poller.Start())
	defer fx.stop(t)

	waitForState(t, fx.state, model.StateReady)

	// The garbled frame is dropped; subsequent cycles keep delivering.
	select {
	case <-fx.measurements:
	case <-time.After(2 * time.Second):
		t.Fatal("polling did not survive a malformed frame")
	}
	assert.Equal(t, model.StateReady, fx.state.State())
}
