// Package scan holds the latest range-scanner rotation and the angular queries over it
package scan

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrDriverFailure marks an unrecoverable scanner driver error
var ErrDriverFailure = errors.New("scanner driver failure")

// RawSample is one measurement as reported by the scanner driver
type RawSample struct {
	Quality    int     `json:"quality"`
	AngleDeg   float64 `json:"angle_deg"`   // Scanner frame, clockwise from the scanner's zero
	DistanceMM float64 `json:"distance_mm"` // Millimetres, 0 = no return
}

// Sample is a normalized range sample
type Sample struct {
	AngleDeg  float64 `json:"angle_deg"`  // [0, 360)
	DistanceM float64 `json:"distance_m"` // Metres
	Quality   int     `json:"quality"`
}

// Snapshot is one full scanner rotation. Samples are unordered.
type Snapshot struct {
	Rotation   uint64    `json:"rotation"` // 0 until the first rotation completes
	CapturedAt time.Time `json:"captured_at"`
	Samples    []Sample  `json:"samples"`
}

// Empty reports whether the snapshot holds no samples
func (s Snapshot) Empty() bool {
	return len(s.Samples) == 0
}

// Age returns how long ago the snapshot was captured
func (s Snapshot) Age() time.Duration {
	if s.CapturedAt.IsZero() {
		return 0
	}
	return time.Since(s.CapturedAt)
}

// Source provides complete rotations from scanner hardware
type Source interface {
	// NextRotation blocks until a full rotation is available
	NextRotation(ctx context.Context) ([]RawSample, error)

	// Close releases hardware resources
	Close() error

	// Healthy returns true if the source is operational
	Healthy() bool

	// Name returns the source type name
	Name() string
}

// FromRaw converts a driver measurement to a Sample
func FromRaw(raw RawSample) Sample {
	return Sample{
		AngleDeg:  Normalize(raw.AngleDeg),
		DistanceM: math.Max(raw.DistanceMM, 0) / 1000.0,
		Quality:   raw.Quality,
	}
}

// FromRawRotation converts a whole rotation
func FromRawRotation(raw []RawSample) []Sample {
	samples := make([]Sample, len(raw))
	for i, r := range raw {
		samples[i] = FromRaw(r)
	}
	return samples
}
