package rplidar

import (
	"log/slog"

	"github.com/teslashibe/go-rangefuse/internal/scan"
)

// NewSource opens the serial scanner described by cfg
func NewSource(cfg SerialConfig, logger *slog.Logger) (scan.Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	src, err := NewSerialSource(cfg, logger)
	if err != nil {
		logger.Warn("serial scanner unavailable",
			"port", cfg.Port,
			"error", err,
			"hint", "check the USB adapter and dialout group membership",
		)
		return nil, err
	}
	return src, nil
}

// NewSourceWithFallback opens the serial scanner and falls back to the
// simulated room when no hardware is attached. Use for development only.
func NewSourceWithFallback(cfg SerialConfig, logger *slog.Logger) scan.Source {
	if logger == nil {
		logger = slog.Default()
	}

	src, err := NewSource(cfg, logger)
	if err == nil {
		return src
	}

	logger.Warn("using mock scanner - no hardware available")
	return NewMockSource()
}
