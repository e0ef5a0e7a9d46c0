// Package calibration estimates the angular offset between the camera and the range scanner
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/teslashibe/go-rangefuse/internal/scan"
	"github.com/teslashibe/go-rangefuse/internal/vision"
)

// MinPoints is the number of correspondence points Estimate needs
const MinPoints = 3

var (
	// ErrInsufficientData is returned by Estimate with fewer than MinPoints points
	ErrInsufficientData = errors.New("insufficient calibration points")

	// ErrInvalidParameter is returned for non-finite calibration input
	ErrInvalidParameter = errors.New("invalid calibration parameter")

	// ErrPersist wraps a failed write-through. The in-memory state is kept.
	ErrPersist = errors.New("calibration not persisted")
)

// Point is one operator-confirmed camera/scanner correspondence
type Point struct {
	CameraCenter   vision.Pixel `json:"camera_center"`
	CameraAngleDeg float64      `json:"camera_angle_deg"`
	LidarAngleDeg  float64      `json:"lidar_angle_deg"`
	LidarDistanceM float64      `json:"lidar_distance_m"`
	AddedAt        time.Time    `json:"added_at"`
}

// State is the current calibration
type State struct {
	AngularOffsetDeg  float64 `json:"angular_offset_deg"` // (-180, 180]
	BaselineDistanceM float64 `json:"baseline_distance_m"`
	CameraFOVDeg      float64 `json:"camera_fov_deg"`
	IsCalibrated      bool    `json:"is_calibrated"`
	Points            []Point `json:"points"`
}

// Params returns the persisted subset of the state
func (s State) Params() Params {
	return Params{
		AngleCamLidar:    s.AngularOffsetDeg,
		DistanceCamLidar: s.BaselineDistanceM,
		CameraFOV:        s.CameraFOVDeg,
	}
}

// Store persists calibration parameters
type Store interface {
	Save(p Params) error
}

// History journals successful calibrations
type History interface {
	Record(ctx context.Context, rec Record) error
}

// Record describes one successful calibration
type Record struct {
	Kind       string    `json:"kind"` // manual, estimate, fov
	Params     Params    `json:"params"`
	PointCount int       `json:"point_count"`
	At         time.Time `json:"at"`
}

// Estimator owns the calibration state. All methods are safe for concurrent use;
// mutations are serialized.
type Estimator struct {
	logger *slog.Logger
	store  Store

	mu      sync.RWMutex
	state   State
	history History

	onChange func(State)

	notifyMu sync.Mutex
	pending  []State
	draining bool
}

// NewEstimator creates an uncalibrated estimator seeded with params.
// store may be nil to disable persistence.
func NewEstimator(params Params, store Store, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Estimator{
		logger: logger,
		store:  store,
		state: State{
			AngularOffsetDeg:  scan.WrapSigned(params.AngleCamLidar),
			BaselineDistanceM: params.DistanceCamLidar,
			CameraFOVDeg:      params.CameraFOV,
		},
	}
}

// SetHistory sets the calibration journal
func (e *Estimator) SetHistory(h History) {
	e.mu.Lock()
	e.history = h
	e.mu.Unlock()
}

// OnChange sets the callback invoked after every successful calibration.
// Callbacks run on a background goroutine, one at a time, in the order the
// changes were made.
func (e *Estimator) OnChange(callback func(State)) {
	e.mu.Lock()
	e.onChange = callback
	e.mu.Unlock()
}

// State returns a copy of the current calibration
func (e *Estimator) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.copyState()
}

func (e *Estimator) copyState() State {
	s := e.state
	s.Points = make([]Point, len(e.state.Points))
	copy(s.Points, e.state.Points)
	return s
}

// CameraFOV returns the configured horizontal field of view in degrees
func (e *Estimator) CameraFOV() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.CameraFOVDeg
}

// SetManual assigns the offset and baseline directly
func (e *Estimator) SetManual(angleDeg, distanceM float64) error {
	if !scan.Finite(angleDeg, distanceM) {
		return fmt.Errorf("%w: angle=%v distance=%v", ErrInvalidParameter, angleDeg, distanceM)
	}

	e.mu.Lock()
	e.state.AngularOffsetDeg = scan.WrapSigned(angleDeg)
	e.state.BaselineDistanceM = distanceM
	e.state.IsCalibrated = true

	e.logger.Info("manual calibration",
		"offset_deg", e.state.AngularOffsetDeg,
		"baseline_m", distanceM,
	)

	err := e.persistLocked("manual")
	e.mu.Unlock()

	return err
}

// SetCameraFOV updates the camera's horizontal field of view
func (e *Estimator) SetCameraFOV(fovDeg float64) error {
	if !scan.Finite(fovDeg) || fovDeg <= 0 || fovDeg >= 180 {
		return fmt.Errorf("%w: camera_fov=%v", ErrInvalidParameter, fovDeg)
	}

	e.mu.Lock()
	e.state.CameraFOVDeg = fovDeg
	e.logger.Info("camera fov updated", "fov_deg", fovDeg)
	err := e.persistLocked("fov")
	e.mu.Unlock()

	return err
}

// AddPoint appends a correspondence built from det's bearing and the
// operator-confirmed scanner angle and distance. It returns the point count.
func (e *Estimator) AddPoint(det vision.Detection, lidarAngleDeg, lidarDistanceM float64) (int, error) {
	if !scan.Finite(det.Center.X, det.Center.Y, det.HorizontalAngleDeg, lidarAngleDeg, lidarDistanceM) {
		return 0, fmt.Errorf("%w: non-finite calibration point", ErrInvalidParameter)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Points = append(e.state.Points, Point{
		CameraCenter:   det.Center,
		CameraAngleDeg: det.HorizontalAngleDeg,
		LidarAngleDeg:  lidarAngleDeg,
		LidarDistanceM: lidarDistanceM,
		AddedAt:        time.Now(),
	})

	n := len(e.state.Points)
	e.logger.Info("calibration point added", "points", n)
	return n, nil
}

// ClearPoints removes all correspondence points. The calibration itself is kept.
func (e *Estimator) ClearPoints() {
	e.mu.Lock()
	e.state.Points = nil
	e.mu.Unlock()

	e.logger.Info("calibration points cleared")
}

// Estimate derives the angular offset from the collected points.
//
// Each difference lidar-camera is wrapped to (-180, 180] and the offset is
// their arithmetic mean. This approximates a circular mean and is only good
// while the differences cluster well inside a half turn. The baseline is
// left unchanged.
func (e *Estimator) Estimate() (float64, error) {
	e.mu.Lock()

	n := len(e.state.Points)
	if n < MinPoints {
		e.mu.Unlock()
		e.logger.Warn("not enough calibration points", "points", n, "required", MinPoints)
		return 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, n, MinPoints)
	}

	diffs := make([]float64, n)
	for i, p := range e.state.Points {
		diffs[i] = scan.WrapSigned(p.LidarAngleDeg - p.CameraAngleDeg)
	}

	offset := stat.Mean(diffs, nil)
	e.state.AngularOffsetDeg = offset
	e.state.IsCalibrated = true

	e.logger.Info("calibration estimated",
		"offset_deg", offset,
		"baseline_m", e.state.BaselineDistanceM,
		"points", n,
	)

	err := e.persistLocked("estimate")
	e.mu.Unlock()

	return offset, err
}

// persistLocked writes the current parameters through to the store and
// journals the change. Caller holds e.mu.
func (e *Estimator) persistLocked(kind string) error {
	snapshot := e.copyState()
	history := e.history

	var err error
	if e.store != nil {
		if saveErr := e.store.Save(snapshot.Params()); saveErr != nil {
			e.logger.Error("failed to persist calibration", "error", saveErr)
			err = fmt.Errorf("%w: %v", ErrPersist, saveErr)
		}
	}

	if history != nil {
		rec := Record{
			Kind:       kind,
			Params:     snapshot.Params(),
			PointCount: len(snapshot.Points),
			At:         time.Now(),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if herr := history.Record(ctx, rec); herr != nil {
				e.logger.Warn("failed to journal calibration", "error", herr)
			}
		}()
	}

	if e.onChange != nil {
		e.enqueueLocked(snapshot)
	}

	return err
}

// enqueueLocked queues a change notification. Caller holds e.mu, so the queue
// order is the mutation order.
func (e *Estimator) enqueueLocked(s State) {
	e.notifyMu.Lock()
	e.pending = append(e.pending, s)
	start := !e.draining
	e.draining = true
	e.notifyMu.Unlock()

	if start {
		go e.drainNotifications()
	}
}

func (e *Estimator) drainNotifications() {
	for {
		e.notifyMu.Lock()
		if len(e.pending) == 0 {
			e.draining = false
			e.notifyMu.Unlock()
			return
		}
		s := e.pending[0]
		e.pending = e.pending[1:]
		e.notifyMu.Unlock()

		e.mu.RLock()
		onChange := e.onChange
		e.mu.RUnlock()

		if onChange != nil {
			onChange(s)
		}
	}
}
