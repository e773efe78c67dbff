// internal/recording/recorder.go
package recording

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meter-bridge/internal/config"
	"meter-bridge/internal/model"
)

// ErrRecordingActive is returned when a session is already running.
var ErrRecordingActive = errors.New("recording: session already active")

// ErrRecordingInactive is returned when no session is running.
var ErrRecordingInactive = errors.New("recording: no active session")

// SessionMode selects how readings are sampled into records
type SessionMode string

const (
	// ModeManual records every accepted reading while the session runs.
	ModeManual SessionMode = "manual"
	// ModeInterval records at most one reading per configured interval.
	ModeInterval SessionMode = "interval"
)

// Session identifies one recording run
type Session struct {
	ID        uuid.UUID     `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	StoppedAt *time.Time    `json:"stopped_at,omitempty"`
	Mode      SessionMode   `json:"mode"`
	Interval  time.Duration `json:"interval,omitempty"`
	Records   int           `json:"records"`
}

// Sink receives the records of one session. Sinks run on the recorder's
// worker goroutine; a failing sink is reported and skipped, it never
// stalls or ends measurement polling.
type Sink interface {
	Name() string
	Write(rec model.Record) error
	Close() error
}

// SinkFactory builds the sinks for a new session
type SinkFactory func(session Session) ([]Sink, error)

// Status is the externally visible recorder state
type Status struct {
	Active  bool     `json:"active"`
	Session *Session `json:"session,omitempty"`
	Dropped int      `json:"dropped"`
}

// Recorder decouples recording from polling: the poller hands every
// reading to Observe, which is non-blocking; a worker goroutine drains
// a bounded queue into the session's sinks. A rolling buffer of the
// latest readings is kept whether or not a session is active.
type Recorder struct {
	cfg      *config.RecordingConfig
	logger   *zap.Logger
	newSinks SinkFactory

	bufMutex sync.RWMutex
	buffer   []model.Measurement
	bufHead  int
	bufFull  bool

	mutex        sync.Mutex
	active       bool
	session      Session
	queue        chan model.Record
	done         chan struct{}
	dropped      int
	lastRecorded time.Time
}

// NewRecorder creates a recorder with the given sink factory
func NewRecorder(cfg *config.RecordingConfig, factory SinkFactory, logger *zap.Logger) *Recorder {
	return &Recorder{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "recorder")),
		newSinks: factory,
		buffer:   make([]model.Measurement, cfg.BufferDepth),
	}
}

// Observe accepts one reading. Always updates the rolling buffer; while
// a session is active the reading is also queued for the sinks, subject
// to the session's sampling mode. Never blocks.
func (r *Recorder) Observe(m model.Measurement) {
	r.bufMutex.Lock()
	r.buffer[r.bufHead] = m
	r.bufHead++
	if r.bufHead == len(r.buffer) {
		r.bufHead = 0
		r.bufFull = true
	}
	r.bufMutex.Unlock()

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.active {
		return
	}
	if r.session.Mode == ModeInterval && m.Timestamp.Sub(r.lastRecorded) < r.session.Interval {
		return
	}

	rec := model.NewRecord(r.session.Records, &m)
	select {
	case r.queue <- rec:
		r.session.Records++
		r.lastRecorded = m.Timestamp
	default:
		r.dropped++
		if r.dropped == 1 || r.dropped%100 == 0 {
			r.logger.Warn("Recording queue full, dropping readings",
				zap.Int("dropped_total", r.dropped),
			)
		}
	}
}

// Start begins a recording session. interval is ignored unless mode is
// ModeInterval; an interval of zero falls back to the configured default.
func (r *Recorder) Start(mode SessionMode, interval time.Duration) (Session, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.active {
		return Session{}, ErrRecordingActive
	}
	if mode != ModeManual && mode != ModeInterval {
		return Session{}, errors.New("recording: unknown session mode")
	}
	if mode == ModeInterval && interval <= 0 {
		interval = r.cfg.Interval
	}
	if mode != ModeInterval {
		interval = 0
	}

	session := Session{
		ID:        uuid.New(),
		StartedAt: time.Now(),
		Mode:      mode,
		Interval:  interval,
	}

	sinks, err := r.newSinks(session)
	if err != nil {
		return Session{}, err
	}

	r.session = session
	r.queue = make(chan model.Record, r.cfg.QueueSize)
	r.done = make(chan struct{})
	r.dropped = 0
	r.lastRecorded = time.Time{}
	r.active = true

	go r.drain(r.queue, r.done, sinks)

	r.logger.Info("Recording session started",
		zap.String("session_id", session.ID.String()),
		zap.String("mode", string(mode)),
		zap.Duration("interval", interval),
	)
	return session, nil
}

// Stop ends the active session, flushes the queue and closes the sinks
func (r *Recorder) Stop() (Session, error) {
	r.mutex.Lock()
	if !r.active {
		r.mutex.Unlock()
		return Session{}, ErrRecordingInactive
	}

	queue := r.queue
	done := r.done
	r.active = false
	now := time.Now()
	r.session.StoppedAt = &now
	session := r.session
	r.mutex.Unlock()

	close(queue)
	<-done

	r.logger.Info("Recording session stopped",
		zap.String("session_id", session.ID.String()),
		zap.Int("records", session.Records),
	)
	return session, nil
}

// Status returns the recorder state
func (r *Recorder) Status() Status {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	st := Status{Active: r.active, Dropped: r.dropped}
	if r.active {
		s := r.session
		st.Session = &s
	}
	return st
}

// Latest returns up to n of the most recent readings, oldest first
func (r *Recorder) Latest(n int) []model.Measurement {
	r.bufMutex.RLock()
	defer r.bufMutex.RUnlock()

	size := r.bufHead
	if r.bufFull {
		size = len(r.buffer)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]model.Measurement, 0, n)
	start := r.bufHead - n
	if start < 0 {
		start += len(r.buffer)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buffer[(start+i)%len(r.buffer)])
	}
	return out
}

// drain is the session worker. It owns the sinks for the session's
// lifetime and closes them when the queue drains.
func (r *Recorder) drain(queue <-chan model.Record, done chan<- struct{}, sinks []Sink) {
	defer close(done)

	failed := make(map[string]bool)

	for rec := range queue {
		for _, sink := range sinks {
			if failed[sink.Name()] {
				continue
			}
			if err := sink.Write(rec); err != nil {
				failed[sink.Name()] = true
				r.logger.Error("Recording sink failed, disabling for session",
					zap.String("sink", sink.Name()),
					zap.Error(err),
				)
			}
		}
	}

	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			r.logger.Error("Failed to close recording sink",
				zap.String("sink", sink.Name()),
				zap.Error(err),
			)
		}
	}
}
