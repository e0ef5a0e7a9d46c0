package rplidar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/teslashibe/go-rangefuse/internal/scan"
)

// SerialConfig configures the serial scanner link
type SerialConfig struct {
	Port               string
	BaudRate           int
	MinRotationSamples int           // Rotations with this many samples or fewer are dropped
	ReadTimeout        time.Duration // Per-read timeout on the port
	StallTimeout       time.Duration // Silence longer than this is a link failure
	MotorSpinUp        time.Duration
}

// DefaultSerialConfig returns sensible defaults for an A1 on a USB adapter
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		Port:               "/dev/ttyUSB0",
		BaudRate:           115200,
		MinRotationSamples: 5,
		ReadTimeout:        100 * time.Millisecond,
		StallTimeout:       2 * time.Second,
		MotorSpinUp:        500 * time.Millisecond,
	}
}

// SerialSource streams rotations from a scanner on a serial port
type SerialSource struct {
	cfg    SerialConfig
	logger *slog.Logger

	mu     sync.Mutex
	port   serial.Port
	link   *stallReader
	reader *rotationReader
	closed bool

	// Health tracking
	healthy       bool
	rotations     uint64
	lastError     error
	lastErrorTime time.Time
	lastRotation  time.Time
}

// NewSerialSource opens the port, starts the motor and begins scanning
func NewSerialSource(cfg SerialConfig, logger *slog.Logger) (*SerialSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultSerialConfig()
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.MinRotationSamples < 0 {
		cfg.MinRotationSamples = def.MinRotationSamples
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = def.StallTimeout
	}

	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open scanner port %s: %w", cfg.Port, err)
	}

	s := &SerialSource{
		cfg:     cfg,
		logger:  logger,
		port:    port,
		healthy: true,
	}

	if err := s.start(); err != nil {
		port.Close()
		return nil, err
	}

	logger.Info("serial scanner initialized",
		"port", cfg.Port,
		"baud_rate", cfg.BaudRate,
	)

	return s, nil
}

// start spins up the motor and issues the SCAN request
func (s *SerialSource) start() error {
	if err := s.port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}

	// DTR low drives the motor on A1 adapters
	if err := s.port.SetDTR(false); err != nil {
		s.logger.Debug("SetDTR failed (non-fatal)", "error", err)
	}
	time.Sleep(s.cfg.MotorSpinUp)

	if _, err := s.port.Write(request(cmdStop)); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input buffer: %w", err)
	}

	if _, err := s.port.Write(request(cmdScan)); err != nil {
		return fmt.Errorf("send scan: %w", err)
	}

	s.link = &stallReader{r: s.port, stall: s.cfg.StallTimeout, ctx: context.Background()}
	if err := readDescriptor(s.link); err != nil {
		return err
	}

	s.reader = newRotationReader(s.link, s.cfg.MinRotationSamples)
	return nil
}

// NextRotation blocks until the scanner completes a rotation
func (s *SerialSource) NextRotation(ctx context.Context) ([]scan.RawSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("scanner closed")
	}

	s.link.ctx = ctx
	rotation, err := s.reader.next()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.recordError(err)
		return nil, fmt.Errorf("read rotation: %w", err)
	}

	s.rotations++
	s.lastRotation = time.Now()
	s.healthy = true
	return rotation, nil
}

func (s *SerialSource) recordError(err error) {
	s.healthy = false
	s.lastError = err
	s.lastErrorTime = time.Now()

	s.logger.Warn("serial scanner marked unhealthy",
		"port", s.cfg.Port,
		"error", err,
		"skipped_bytes", s.reader.skipped,
	)
}

// Close stops scanning, stops the motor and releases the port
func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if _, err := s.port.Write(request(cmdStop)); err != nil {
		s.logger.Debug("stop command failed", "error", err)
	}
	if err := s.port.SetDTR(true); err != nil {
		s.logger.Debug("motor stop failed", "error", err)
	}

	err := s.port.Close()
	s.logger.Info("serial scanner closed", "rotations", s.rotations)
	return err
}

// Healthy returns true if the source is operational
func (s *SerialSource) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy && !s.closed
}

// Name returns the source type name
func (s *SerialSource) Name() string {
	return "serial"
}

// Stats returns serial link statistics
func (s *SerialSource) Stats() SerialStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr string
	if s.lastError != nil {
		lastErr = s.lastError.Error()
	}

	var skipped uint64
	if s.reader != nil {
		skipped = s.reader.skipped
	}

	return SerialStats{
		Port:          s.cfg.Port,
		Healthy:       s.healthy,
		Rotations:     s.rotations,
		SkippedBytes:  skipped,
		LastError:     lastErr,
		LastErrorTime: s.lastErrorTime,
		LastRotation:  s.lastRotation,
	}
}

// SerialStats contains serial link statistics
type SerialStats struct {
	Port          string    `json:"port"`
	Healthy       bool      `json:"healthy"`
	Rotations     uint64    `json:"rotations"`
	SkippedBytes  uint64    `json:"skipped_bytes"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastRotation  time.Time `json:"last_rotation,omitempty"`
}

// stallReader turns repeated empty reads (port timeouts) into an error once
// the link has been silent for longer than stall
type stallReader struct {
	r     io.Reader
	stall time.Duration
	ctx   context.Context
}

func (s *stallReader) Read(p []byte) (int, error) {
	start := time.Now()
	for {
		if err := s.ctx.Err(); err != nil {
			return 0, err
		}

		n, err := s.r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}

		if time.Since(start) > s.stall {
			return 0, fmt.Errorf("%w for %s", errLinkStalled, s.stall)
		}
	}
}
