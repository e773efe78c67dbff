// internal/meter/poller.go
package meter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meter-bridge/internal/config"
	"meter-bridge/internal/model"
	"meter-bridge/internal/quirk"
	"meter-bridge/internal/scpi"
	"meter-bridge/internal/transport"
	"meter-bridge/internal/utils"
)

// ErrPollerRunning is returned when a session is already active.
var ErrPollerRunning = errors.New("meter: poller already running")

// ErrPollerStopped is returned when a command is submitted with no
// active session.
var ErrPollerStopped = errors.New("meter: poller not running")

// ErrCommandQueueFull is returned when the command queue cannot accept
// another command without blocking the caller.
var ErrCommandQueueFull = errors.New("meter: command queue full")

const commandQueueSize = 32

// command is one locally-issued instrument command. apply, if set, is
// invoked after the write succeeds so the optimistic state change is
// tied to the command actually reaching the wire.
type command struct {
	line  string
	apply func()
}

// MeasurementHandler receives every accepted measurement in poll order
type MeasurementHandler func(m model.Measurement)

// Poller owns the serial transport for the lifetime of one session and
// is the only goroutine that touches the wire. The protocol carries no
// response tagging, so correlation is purely positional: one query out,
// one response back, never two in flight.
type Poller struct {
	cfg       *config.Config
	transport transport.Transport
	state     *StateMachine
	logger    *utils.MeterLogger

	onMeasurement MeasurementHandler

	commands chan command

	mutex   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewPoller creates a poller bound to one transport and state machine
func NewPoller(cfg *config.Config, tr transport.Transport, state *StateMachine, baseLogger *zap.Logger, onMeasurement MeasurementHandler) *Poller {
	return &Poller{
		cfg:           cfg,
		transport:     tr,
		state:         state,
		logger:        utils.NewMeterLogger(baseLogger, cfg.Serial.Port),
		onMeasurement: onMeasurement,
	}
}

// Start begins a session: open, sync, then poll until stopped or the
// instrument goes unresponsive. Returns immediately; session progress
// is visible through the state machine.
func (p *Poller) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.running {
		return ErrPollerRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.commands = make(chan command, commandQueueSize)
	p.running = true

	go p.run(ctx, p.done, p.commands)
	return nil
}

// Stop ends the session gracefully: the instrument is released to
// local control and the port closed. Blocks until the session goroutine
// has exited or ctx expires.
func (p *Poller) Stop(ctx context.Context) error {
	p.mutex.Lock()
	if !p.running {
		p.mutex.Unlock()
		return nil
	}
	cancel := p.cancel
	done := p.done
	p.mutex.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether a session goroutine is active
func (p *Poller) IsRunning() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.running
}

// Submit queues one command for the session goroutine. Never blocks;
// a full queue rejects the command so the HTTP path stays responsive.
func (p *Poller) Submit(line string, apply func()) error {
	p.mutex.Lock()
	running := p.running
	commands := p.commands
	p.mutex.Unlock()

	if !running {
		return ErrPollerStopped
	}

	select {
	case commands <- command{line: line, apply: apply}:
		return nil
	default:
		return ErrCommandQueueFull
	}
}

func (p *Poller) finish() {
	p.mutex.Lock()
	p.running = false
	p.cancel = nil
	p.mutex.Unlock()
}

// run is the session goroutine. It is the single writer of both the
// transport and the state machine for the session's duration.
func (p *Poller) run(ctx context.Context, done chan struct{}, commands chan command) {
	defer close(done)
	defer p.finish()

	p.state.BeginSession(p.cfg.Serial.Port)

	if err := p.transport.Open(ctx); err != nil {
		p.logger.LogConnection("open", err)
		p.state.Disconnect(fmt.Sprintf("open failed: %v", err))
		return
	}

	p.state.BeginSync()
	p.logger.LogConnection("opened", nil)

	policy, err := p.sync(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		p.teardown(ctx, err)
		return
	}

	p.logger.LogConnection("ready", nil)
	p.poll(ctx, commands, policy)
}

// teardown ends the session. On a graceful stop (context cancelled)
// the instrument is reset and released to local control first; on an
// error the port is just closed.
func (p *Poller) teardown(ctx context.Context, cause error) {
	graceful := ctx.Err() != nil && cause == nil

	if graceful && p.transport.IsOpen() {
		// Session context is already cancelled; use a short
		// independent deadline for the release writes.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		for _, cmd := range []string{scpi.SCPI_COMMANDS.LOCAL_MODE, scpi.SCPI_COMMANDS.RESET} {
			if err := p.transport.WriteLine(releaseCtx, scpi.Encode(cmd)); err != nil {
				p.logger.LogConnection("release", err)
				break
			}
		}
	}

	if err := p.transport.Close(); err != nil {
		p.logger.LogConnection("close", err)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
		p.logger.LogConnection("disconnect", cause)
	} else {
		p.logger.LogConnection("disconnect", nil)
	}
	p.state.Disconnect(msg)
}

// sync performs the connect handshake: identity first, then the
// configured instrument settings, then a function readback that both
// confirms the mode and proves the settings burst was accepted.
func (p *Poller) sync(ctx context.Context) (quirk.RemapPolicy, error) {
	policy := quirk.PolicyPassThrough

	update, err := p.roundTrip(ctx, scpi.SCPI_COMMANDS.IDENTITY, scpi.QueryIdentity, policy)
	if err != nil {
		return policy, fmt.Errorf("identity query failed: %w", err)
	}

	opts := quirk.Options{
		AssumeSwapWhenUnknown: p.cfg.Meter.AssumeSwapUnknownFW,
		ReportAmbiguous:       p.cfg.Meter.ReportAmbiguousMode,
	}
	policy = quirk.PolicyFor(update.Identity.Model, update.Identity.Firmware, opts)
	p.state.ApplyIdentity(update.Identity, policy != quirk.PolicyPassThrough)

	p.logger.Info("Instrument identified",
		zap.String("model", update.Identity.Model),
		zap.String("firmware", update.Identity.Firmware),
		zap.String("remap_policy", policy.String()),
	)

	settings := []string{
		scpi.RateCommand(scpi.Rate(p.cfg.Meter.Rate)),
		scpi.BeeperCommand(p.cfg.Meter.BeeperEnabled),
		scpi.ContThresholdCommand(p.cfg.Meter.ContThreshold),
		scpi.DiodeThresholdCommand(p.cfg.Meter.DiodeThreshold),
	}
	if p.cfg.Meter.LockRemote {
		settings = append(settings, scpi.SCPI_COMMANDS.REMOTE_LOCK)
	}
	for _, cmd := range settings {
		if err := p.transport.WriteLine(ctx, scpi.Encode(cmd)); err != nil {
			return policy, fmt.Errorf("settings write failed: %w", err)
		}
	}

	update, err = p.roundTrip(ctx, scpi.SCPI_COMMANDS.FUNCTION, scpi.QueryFunction, policy)
	if err != nil {
		return policy, fmt.Errorf("function readback failed: %w", err)
	}
	p.state.ApplyModeReadback(update.Mode)

	if !p.state.MarkReady() {
		return policy, fmt.Errorf("sync incomplete")
	}
	return policy, nil
}

// poll runs the steady-state cycle: drain queued commands, then issue
// one query per tick. Every Nth cycle substitutes FUNC? for MEAS? so
// front-panel changes are picked up.
func (p *Poller) poll(ctx context.Context, commands chan command, policy quirk.RemapPolicy) {
	ticker := time.NewTicker(p.cfg.Poller.PollInterval)
	defer ticker.Stop()

	timeouts := 0
	cycle := 0

	for {
		select {
		case <-ctx.Done():
			p.teardown(ctx, nil)
			return
		case <-ticker.C:
		}

		if err := p.drainCommands(ctx, commands); err != nil {
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			p.teardown(ctx, err)
			return
		}

		cycle++
		query := scpi.QueryMeasurement
		line := scpi.SCPI_COMMANDS.MEASUREMENT
		if cycle%p.cfg.Poller.FunctionReadbackNr == 0 {
			query = scpi.QueryFunction
			line = scpi.SCPI_COMMANDS.FUNCTION
		}

		update, err := p.roundTrip(ctx, line, query, policy)
		switch {
		case err == nil:
			timeouts = 0
			p.applyUpdate(update, commands)

		case errors.Is(err, transport.ErrTimeout):
			timeouts++
			p.logger.Warn("Query timed out",
				zap.String("query", query.String()),
				zap.Int("consecutive", timeouts),
			)
			if timeouts >= p.cfg.Poller.MaxTimeouts {
				p.teardown(ctx, fmt.Errorf("device unresponsive after %d consecutive timeouts", timeouts))
				return
			}

		case errors.Is(err, context.Canceled):
			p.teardown(ctx, nil)
			return

		case isRecoverable(err):
			// Dropped frame. The next cycle re-issues the query, so
			// positional correlation self-heals.
			timeouts = 0
			p.logger.Warn("Response dropped", zap.Error(err))

		default:
			p.teardown(ctx, err)
			return
		}
	}
}

// drainCommands writes every queued command before the next query so
// user commands never wait behind a full poll cycle
func (p *Poller) drainCommands(ctx context.Context, commands chan command) error {
	for {
		select {
		case cmd := <-commands:
			if err := p.transport.WriteLine(ctx, scpi.Encode(cmd.line)); err != nil {
				return fmt.Errorf("command write failed: %w", err)
			}
			p.logger.Debug("Command sent", zap.String("command", cmd.line))
			if cmd.apply != nil {
				cmd.apply()
			}
		default:
			return nil
		}
	}
}

func (p *Poller) applyUpdate(update scpi.Update, commands chan command) {
	switch update.Kind {
	case scpi.UpdateMode:
		if p.state.ApplyModeReadback(update.Mode) {
			p.queueModeSettings(update.Mode, commands)
		}
	case scpi.UpdateMeasurement:
		if p.onMeasurement != nil && update.Measurement != nil {
			p.onMeasurement(*update.Measurement)
		}
	}
}

// queueModeSettings re-sends the beeper state and the relevant
// threshold after a function change into continuity or diode. The
// instrument reverts both to power-on defaults when the function
// switches, including switches made at the front panel.
func (p *Poller) queueModeSettings(mode model.Mode, commands chan command) {
	snap := p.state.Snapshot()

	var lines []string
	switch mode {
	case model.ModeContinuity:
		lines = []string{
			scpi.ContThresholdCommand(snap.ContThreshold),
			scpi.BeeperCommand(snap.BeeperEnabled),
		}
	case model.ModeDiode:
		lines = []string{
			scpi.DiodeThresholdCommand(snap.DiodeThreshold),
			scpi.BeeperCommand(snap.BeeperEnabled),
		}
	default:
		return
	}

	for _, line := range lines {
		select {
		case commands <- command{line: line}:
		default:
			p.logger.Warn("Command queue full, dropping setting re-send",
				zap.String("command", line),
			)
		}
	}
}

// roundTrip performs one sequential query/response exchange
func (p *Poller) roundTrip(ctx context.Context, line string, query scpi.QueryKind, policy quirk.RemapPolicy) (scpi.Update, error) {
	start := time.Now()

	if err := p.transport.WriteLine(ctx, scpi.Encode(line)); err != nil {
		p.logger.LogQuery(line, time.Since(start), err)
		return scpi.Update{}, err
	}

	raw, err := p.transport.ReadLine(ctx, p.cfg.Serial.Timeout)
	if err != nil {
		p.logger.LogQuery(line, time.Since(start), err)
		return scpi.Update{}, err
	}

	tok, err := scpi.Decode(raw)
	if err != nil {
		p.logger.LogQuery(line, time.Since(start), err)
		return scpi.Update{}, err
	}

	snap := p.state.Snapshot()
	update, err := scpi.Parse(query, tok, &snap, policy)
	p.logger.LogQuery(line, time.Since(start), err)
	if err != nil {
		return scpi.Update{}, err
	}
	return update, nil
}

// isRecoverable reports whether a round-trip failure should drop the
// frame and continue rather than end the session
func isRecoverable(err error) bool {
	var decodeErr *scpi.DecodeError
	var parseErr *scpi.ParseError
	return errors.As(err, &decodeErr) || errors.As(err, &parseErr)
}
