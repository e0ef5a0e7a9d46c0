package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-rangefuse/internal/calibration"
	"github.com/teslashibe/go-rangefuse/internal/history"
	"github.com/teslashibe/go-rangefuse/internal/scan"
	"github.com/teslashibe/go-rangefuse/internal/vision"
)

type manualRequest struct {
	AngleCamLidar    *float64 `json:"angle_cam_lidar"`
	DistanceCamLidar *float64 `json:"distance_cam_lidar"`
	CameraFOV        *float64 `json:"camera_fov"`
}

type modeRequest struct {
	Enabled bool `json:"enabled"`
}

// pointRequest confirms where the scanner sees the calibration object.
// Without camera_angle_deg the detection closest to the centre of the latest
// frame is used; without lidar_distance_m the current scan is queried.
type pointRequest struct {
	LidarAngleDeg  *float64 `json:"lidar_angle_deg"`
	LidarDistanceM *float64 `json:"lidar_distance_m"`
	CameraAngleDeg *float64 `json:"camera_angle_deg"`
}

func (s *Server) calibrationSummary() fiber.Map {
	state := s.deps.Estimator.State()
	return fiber.Map{
		"angular_offset_deg":  state.AngularOffsetDeg,
		"baseline_distance_m": state.BaselineDistanceM,
		"camera_fov_deg":      state.CameraFOVDeg,
		"is_calibrated":       state.IsCalibrated,
		"points":              state.Points,
		"min_points":          calibration.MinPoints,
		"mode":                s.deps.Runner.CalibrationMode(),
	}
}

// calibrationResult maps an estimator error onto the response
func (s *Server) calibrationResult(c *fiber.Ctx, err error, body fiber.Map) error {
	if body == nil {
		body = fiber.Map{}
	}

	switch {
	case err == nil:
		body["persisted"] = true
	case errors.Is(err, calibration.ErrPersist):
		body["persisted"] = false
		body["warning"] = err.Error()
	case errors.Is(err, calibration.ErrInvalidParameter):
		return badRequest(c, err.Error())
	case errors.Is(err, calibration.ErrInsufficientData):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":    err.Error(),
			"points":   len(s.deps.Estimator.State().Points),
			"required": calibration.MinPoints,
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	body["calibration"] = s.calibrationSummary()
	return c.JSON(body)
}

// calibrationHandler returns the current calibration
func (s *Server) calibrationHandler(c *fiber.Ctx) error {
	return c.JSON(s.calibrationSummary())
}

// manualHandler sets the offset and baseline directly
func (s *Server) manualHandler(c *fiber.Ctx) error {
	var req manualRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if req.AngleCamLidar == nil {
		return badRequest(c, "angle_cam_lidar is required")
	}

	distance := s.deps.Estimator.State().BaselineDistanceM
	if req.DistanceCamLidar != nil {
		distance = *req.DistanceCamLidar
	}

	if req.CameraFOV != nil {
		if err := s.deps.Estimator.SetCameraFOV(*req.CameraFOV); err != nil && !errors.Is(err, calibration.ErrPersist) {
			return s.calibrationResult(c, err, nil)
		}
	}

	err := s.deps.Estimator.SetManual(*req.AngleCamLidar, distance)
	return s.calibrationResult(c, err, fiber.Map{})
}

// modeHandler toggles the calibration target overlay
func (s *Server) modeHandler(c *fiber.Ctx) error {
	var req modeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}

	s.deps.Runner.SetCalibrationMode(req.Enabled)
	return c.JSON(fiber.Map{
		"mode": req.Enabled,
	})
}

// addPointHandler records one camera/scanner correspondence
func (s *Server) addPointHandler(c *fiber.Ctx) error {
	var req pointRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if req.LidarAngleDeg == nil {
		return badRequest(c, "lidar_angle_deg is required")
	}
	lidarAngle := *req.LidarAngleDeg

	var det vision.Detection
	if req.CameraAngleDeg != nil {
		det = vision.Detection{HorizontalAngleDeg: *req.CameraAngleDeg}
	} else {
		out, ok := s.deps.Runner.Latest()
		idx := -1
		if ok {
			idx = vision.ClosestToCenter(out.Detections, out.Width, out.Height)
		}
		if idx < 0 {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "no detection in the current frame",
			})
		}
		det = out.Detections[idx]
	}

	var distance float64
	if req.LidarDistanceM != nil {
		distance = *req.LidarDistanceM
	} else {
		d, ok := scan.Nearest(s.deps.Buffer.Snapshot(), lidarAngle, s.tolerance())
		if !ok {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "no scan sample near lidar_angle_deg",
			})
		}
		distance = d
	}

	n, err := s.deps.Estimator.AddPoint(det, lidarAngle, distance)
	if err != nil {
		return s.calibrationResult(c, err, nil)
	}

	return c.JSON(fiber.Map{
		"points":           n,
		"required":         calibration.MinPoints,
		"camera_angle_deg": det.HorizontalAngleDeg,
		"lidar_angle_deg":  lidarAngle,
		"lidar_distance_m": distance,
	})
}

// clearPointsHandler drops all correspondences
func (s *Server) clearPointsHandler(c *fiber.Ctx) error {
	s.deps.Estimator.ClearPoints()
	return c.JSON(fiber.Map{
		"points": 0,
	})
}

// estimateHandler derives the offset from the collected points
func (s *Server) estimateHandler(c *fiber.Ctx) error {
	offset, err := s.deps.Estimator.Estimate()
	return s.calibrationResult(c, err, fiber.Map{
		"angular_offset_deg": offset,
	})
}

// historyHandler lists past calibrations, newest first
func (s *Server) historyHandler(c *fiber.Ctx) error {
	if s.deps.History == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "calibration history disabled",
		})
	}

	limit := c.QueryInt("limit", history.DefaultListLimit)
	if limit <= 0 {
		return badRequest(c, "limit must be positive")
	}

	runs, err := s.deps.History.List(c.UserContext(), limit)
	if err != nil {
		s.logger.Error("failed to list calibration history", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to read calibration history",
		})
	}

	return c.JSON(fiber.Map{
		"runs": runs,
	})
}

// tolerance is the angular window used when looking up a scan distance
func (s *Server) tolerance() float64 {
	if s.deps.Engine != nil {
		return s.deps.Engine.Tolerance()
	}
	return s.cfg.Fusion.ToleranceDeg
}
