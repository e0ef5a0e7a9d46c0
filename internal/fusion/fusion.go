// Package fusion attaches scanner distances and positions to camera detections
package fusion

import (
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/teslashibe/go-rangefuse/internal/calibration"
	"github.com/teslashibe/go-rangefuse/internal/scan"
	"github.com/teslashibe/go-rangefuse/internal/vision"
)

// Object is the fused measurement for one detection
type Object struct {
	DistanceM     float64 `json:"distance_m"`
	LidarAngleDeg float64 `json:"lidar_angle_deg"`
	Position      r3.Vec  `json:"position_m"`
}

// Result maps detection index to its fused measurement. Detections without a
// matching scan sample have no entry.
type Result struct {
	FrameID      uint64         `json:"frame_id"`
	Timestamp    time.Time      `json:"timestamp"`
	ScanRotation uint64         `json:"scan_rotation"`
	Objects      map[int]Object `json:"objects"`
}

// Len returns the number of fused detections
func (r Result) Len() int {
	return len(r.Objects)
}

// FrameMeta identifies the camera frame being fused
type FrameMeta struct {
	FrameID   uint64
	Timestamp time.Time
}

// SnapshotSource provides the current scan rotation
type SnapshotSource interface {
	Snapshot() scan.Snapshot
}

// CalibrationSource provides a read-only view of the calibration
type CalibrationSource interface {
	State() calibration.State
}

// LidarAngle converts a camera bearing to the scanner frame, in [0, 360)
func LidarAngle(cameraAngleDeg, offsetDeg float64) float64 {
	return scan.Normalize(cameraAngleDeg + offsetDeg)
}

// Associate looks up a scanner distance for every detection
func Associate(dets []vision.Detection, snap scan.Snapshot, cal calibration.State, toleranceDeg float64) map[int]float64 {
	distances := make(map[int]float64)
	if len(dets) == 0 || snap.Empty() {
		return distances
	}

	for i, d := range dets {
		lidar := LidarAngle(d.HorizontalAngleDeg, cal.AngularOffsetDeg)
		if dist, ok := scan.Nearest(snap, lidar, toleranceDeg); ok {
			distances[i] = dist
		}
	}
	return distances
}

// Positions places every detection that has a distance in the camera frame.
//
// The point is computed in the scanner frame from the rotated bearing and then
// shifted by the baseline along the offset direction. No rotation is applied
// to the baseline itself.
func Positions(dets []vision.Detection, distances map[int]float64, cal calibration.State) map[int]r3.Vec {
	positions := make(map[int]r3.Vec, len(distances))

	offsetRad := cal.AngularOffsetDeg * math.Pi / 180
	shift := r3.Vec{
		X: -cal.BaselineDistanceM * math.Cos(offsetRad),
		Y: -cal.BaselineDistanceM * math.Sin(offsetRad),
	}

	for i, d := range dets {
		dist, ok := distances[i]
		if !ok {
			continue
		}

		theta := LidarAngle(d.HorizontalAngleDeg, cal.AngularOffsetDeg) * math.Pi / 180
		inScanner := r3.Vec{
			X: dist * math.Cos(theta),
			Y: dist * math.Sin(theta),
		}
		positions[i] = r3.Add(inScanner, shift)
	}
	return positions
}

// Config configures the fusion engine
type Config struct {
	ToleranceDeg float64       // Angular tolerance for the nearest-sample query
	MaxScanAge   time.Duration // Older snapshots are ignored (0 = accept any age)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ToleranceDeg: scan.DefaultToleranceDeg,
	}
}

// Engine fuses one frame of detections at a time. It only reads the scan
// buffer and the calibration.
type Engine struct {
	cfg    Config
	scans  SnapshotSource
	calib  CalibrationSource
	logger *slog.Logger
}

// NewEngine creates a fusion engine
func NewEngine(cfg Config, scans SnapshotSource, calib CalibrationSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ToleranceDeg <= 0 {
		cfg.ToleranceDeg = scan.DefaultToleranceDeg
	}

	return &Engine{
		cfg:    cfg,
		scans:  scans,
		calib:  calib,
		logger: logger,
	}
}

// Process fuses one frame. It never fails: missing detections or scan data
// produce an empty result.
func (e *Engine) Process(dets []vision.Detection, meta FrameMeta) Result {
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}

	result := Result{
		FrameID:   meta.FrameID,
		Timestamp: meta.Timestamp,
		Objects:   make(map[int]Object),
	}

	if len(dets) == 0 {
		return result
	}

	snap := e.scans.Snapshot()
	result.ScanRotation = snap.Rotation

	if e.cfg.MaxScanAge > 0 && !snap.Empty() && snap.Age() > e.cfg.MaxScanAge {
		e.logger.Debug("ignoring stale scan",
			"rotation", snap.Rotation,
			"age", snap.Age(),
			"max_age", e.cfg.MaxScanAge,
		)
		return result
	}

	cal := e.calib.State()

	distances := Associate(dets, snap, cal, e.cfg.ToleranceDeg)
	positions := Positions(dets, distances, cal)

	for i, dist := range distances {
		result.Objects[i] = Object{
			DistanceM:     dist,
			LidarAngleDeg: LidarAngle(dets[i].HorizontalAngleDeg, cal.AngularOffsetDeg),
			Position:      positions[i],
		}

		e.logger.Debug("object fused",
			"class", dets[i].ClassName,
			"distance_m", dist,
			"lidar_angle_deg", result.Objects[i].LidarAngleDeg,
		)
	}

	return result
}

// Tolerance returns the configured angular tolerance in degrees
func (e *Engine) Tolerance() float64 {
	return e.cfg.ToleranceDeg
}
