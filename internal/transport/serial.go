// internal/transport/serial.go
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// ErrTimeout marks a read that produced no complete line within the
// caller's deadline. It is never fatal; the poller retries next cycle.
var ErrTimeout = errors.New("transport: read timeout")

// ErrNotOpen marks an operation on a closed port.
var ErrNotOpen = errors.New("transport: port not open")

// readSlice bounds each blocking port read so that cancellation and
// deadlines stay responsive.
const readSlice = 20 * time.Millisecond

// Transport owns the exclusive serial handle for its lifetime
type Transport interface {
	Open(ctx context.Context) error
	WriteLine(ctx context.Context, data []byte) error
	ReadLine(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
	IsOpen() bool
}

// Config represents serial port configuration
type Config struct {
	Port     string        `json:"port"`
	BaudRate int           `json:"baud_rate"`
	DataBits int           `json:"data_bits"`
	StopBits int           `json:"stop_bits"`
	Parity   string        `json:"parity"`
	Timeout  time.Duration `json:"timeout"`
}

// SerialTransport is the serial port implementation of Transport
type SerialTransport struct {
	config  *Config
	port    serial.Port
	logger  *zap.Logger
	mutex   sync.Mutex
	isOpen  bool
	pending []byte
}

// NewSerialTransport creates a serial transport for the configured port
func NewSerialTransport(config *Config, logger *zap.Logger) (*SerialTransport, error) {
	if config.Port == "" {
		return nil, fmt.Errorf("port is required")
	}

	return &SerialTransport{
		config: config,
		logger: logger,
	}, nil
}

// Open opens the serial port with the configured mode
func (t *SerialTransport) Open(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.isOpen {
		return nil
	}

	mode := &serial.Mode{
		BaudRate: t.config.BaudRate,
		DataBits: t.config.DataBits,
		StopBits: serial.StopBits(t.config.StopBits),
	}

	switch t.config.Parity {
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}

	port, err := serial.Open(t.config.Port, mode)
	if err != nil {
		t.logger.Error("Failed to open serial port",
			zap.Error(err),
			zap.String("port", t.config.Port),
		)
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	// Short slice timeout keeps blocking reads interruptible; the
	// caller's deadline bounds the whole line read.
	if err := port.SetReadTimeout(readSlice); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	t.port = port
	t.isOpen = true
	t.pending = nil

	t.logger.Info("Serial port opened",
		zap.String("port", t.config.Port),
		zap.Int("baud_rate", t.config.BaudRate),
	)

	return nil
}

// Close releases the serial handle. Safe to call on a closed transport.
func (t *SerialTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.isOpen || t.port == nil {
		return nil
	}

	err := t.port.Close()
	t.port = nil
	t.isOpen = false
	t.pending = nil

	if err != nil {
		t.logger.Error("Failed to close serial port", zap.Error(err))
		return fmt.Errorf("failed to close serial port: %w", err)
	}

	t.logger.Info("Serial port closed", zap.String("port", t.config.Port))
	return nil
}

// WriteLine writes one already-terminated command line to the port
func (t *SerialTransport) WriteLine(ctx context.Context, data []byte) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.isOpen || t.port == nil {
		return ErrNotOpen
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	n, err := t.port.Write(data)
	if err != nil {
		t.logger.Error("Failed to write to serial port",
			zap.Error(err),
			zap.Int("bytes_to_write", len(data)),
		)
		return fmt.Errorf("failed to write to serial port: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	t.logger.Debug("Data written to serial port", zap.ByteString("data", data))
	return nil
}

// ReadLine reads bytes until a newline or the timeout elapses. The
// returned line includes its terminator. A timeout with no complete
// line returns ErrTimeout; bytes already received stay buffered for
// the next call. Cancelling the context interrupts the wait.
func (t *SerialTransport) ReadLine(ctx context.Context, timeout time.Duration) ([]byte, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.isOpen || t.port == nil {
		return nil, ErrNotOpen
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)

	for {
		if i := bytes.IndexByte(t.pending, '\n'); i >= 0 {
			line := make([]byte, i+1)
			copy(line, t.pending[:i+1])
			t.pending = t.pending[i+1:]

			t.logger.Debug("Line read from serial port", zap.ByteString("line", line))
			return line, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}

		n, err := t.port.Read(buf)
		if n > 0 {
			t.pending = append(t.pending, buf[:n]...)
		}
		if err != nil && err != io.EOF {
			t.logger.Error("Failed to read from serial port", zap.Error(err))
			return nil, fmt.Errorf("failed to read from serial port: %w", err)
		}
	}
}

// IsOpen returns whether the port is open
func (t *SerialTransport) IsOpen() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.isOpen
}
