// Package server provides the HTTP API for go-rangefuse
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-rangefuse/internal/calibration"
	"github.com/teslashibe/go-rangefuse/internal/config"
	"github.com/teslashibe/go-rangefuse/internal/fusion"
	"github.com/teslashibe/go-rangefuse/internal/health"
	"github.com/teslashibe/go-rangefuse/internal/history"
	"github.com/teslashibe/go-rangefuse/internal/pipeline"
	"github.com/teslashibe/go-rangefuse/internal/protocol"
	"github.com/teslashibe/go-rangefuse/internal/scan"
)

// Deps are the components the API exposes. Ingestor, Engine, History and Health may be nil.
type Deps struct {
	Buffer    *scan.Buffer
	Ingestor  *scan.Ingestor
	Estimator *calibration.Estimator
	Engine    *fusion.Engine
	Runner    *pipeline.Runner
	History   *history.Journal
	Health    *health.Checker
}

// Server is the HTTP server for go-rangefuse
type Server struct {
	app       *fiber.App
	cfg       *config.Config
	deps      Deps
	logger    *slog.Logger
	wsHub     *WSHub
	startTime time.Time
	version   string

	statsMu sync.RWMutex
	extra   map[string]func() any
}

// New creates a new HTTP server
func New(cfg *config.Config, deps Deps, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-rangefuse",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:       app,
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		wsHub:     NewWSHub(deps.Runner, logger),
		startTime: time.Now(),
		version:   version,
		extra:     make(map[string]func() any),
	}

	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")

	api.Get("/scan", s.scanHandler)
	api.Get("/scan/buckets", s.bucketsHandler)

	api.Get("/fusion", s.fusionHandler)
	api.Get("/fusion/stream", s.wsHub.UpgradeHandler())
	api.Get("/frame.jpg", s.frameHandler)

	api.Get("/calibration", s.calibrationHandler)
	cal := api.Group("/calibration")
	cal.Post("/manual", s.manualHandler)
	cal.Post("/mode", s.modeHandler)
	cal.Post("/points", s.addPointHandler)
	cal.Delete("/points", s.clearPointsHandler)
	cal.Post("/estimate", s.estimateHandler)
	cal.Get("/history", s.historyHandler)

	api.Get("/config", s.configHandler)
	api.Get("/stats", s.statsHandler)
}

// AddStats exposes an extra component under /api/stats
func (s *Server) AddStats(name string, fn func() any) {
	s.statsMu.Lock()
	s.extra[name] = fn
	s.statsMu.Unlock()
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	if s.deps.Health == nil {
		return c.JSON(fiber.Map{
			"status":         health.StatusOK,
			"version":        s.version,
			"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		})
	}

	status := s.deps.Health.GetStatus()
	if status.Status == health.StatusUnhealthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(status)
	}
	return c.JSON(status)
}

// scanHandler returns the current rotation
func (s *Server) scanHandler(c *fiber.Ctx) error {
	return c.JSON(s.deps.Buffer.Snapshot())
}

// bucketsHandler returns the per-bucket minimum range over [start, end)
func (s *Server) bucketsHandler(c *fiber.Ctx) error {
	start, err := queryFloat(c, "start", 0)
	if err != nil {
		return badRequest(c, err.Error())
	}
	end, err := queryFloat(c, "end", 0)
	if err != nil {
		return badRequest(c, err.Error())
	}
	step, err := queryFloat(c, "step", s.cfg.Fusion.ScanStepDeg)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if !scan.Finite(start, end, step) || step <= 0 {
		return badRequest(c, "start and end must be finite and step positive")
	}

	snap := s.deps.Buffer.Snapshot()
	return c.JSON(fiber.Map{
		"rotation": snap.Rotation,
		"start":    start,
		"end":      end,
		"step":     step,
		"buckets":  protocol.Buckets(scan.BucketedMinima(snap, start, end, step)),
	})
}

func queryFloat(c *fiber.Ctx, key string, def float64) (float64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

// fusionHandler returns the latest processed frame
func (s *Server) fusionHandler(c *fiber.Ctx) error {
	out, ok := s.deps.Runner.Latest()
	if !ok {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "no frame processed yet",
		})
	}
	return c.JSON(protocol.NewFusionData(out.Detections, out.Result))
}

// frameHandler serves the latest annotated frame
func (s *Server) frameHandler(c *fiber.Ctx) error {
	out, ok := s.deps.Runner.Latest()
	if !ok || len(out.Annotated) == 0 {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "no annotated frame available",
		})
	}

	c.Set("Content-Type", "image/jpeg")
	c.Set("Cache-Control", "no-store")
	return c.Send(out.Annotated)
}

// configHandler returns current configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"server": fiber.Map{
			"port":             s.cfg.Server.Port,
			"read_timeout_ms":  s.cfg.Server.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.Server.WriteTimeout.Milliseconds(),
		},
		"scanner": fiber.Map{
			"port":                 s.cfg.Scanner.Port,
			"baud_rate":            s.cfg.Scanner.BaudRate,
			"min_rotation_samples": s.cfg.Scanner.MinRotationSamples,
			"mock":                 s.cfg.Scanner.Mock,
		},
		"fusion": fiber.Map{
			"tolerance_deg":   s.cfg.Fusion.ToleranceDeg,
			"max_scan_age_ms": s.cfg.Fusion.MaxScanAge.Milliseconds(),
			"frame_hz":        s.cfg.Fusion.FrameHz,
			"scan_step_deg":   s.cfg.Fusion.ScanStepDeg,
		},
		"detector": fiber.Map{
			"confidence_threshold": s.cfg.Detector.ConfidenceThreshold,
			"classes":              s.cfg.Detector.Classes,
			"mock":                 s.cfg.Detector.Mock,
		},
		"calibration": fiber.Map{
			"file": s.cfg.Calibration.File,
		},
	})
}

// statsHandler returns statistics of every component
func (s *Server) statsHandler(c *fiber.Ctx) error {
	stats := fiber.Map{
		"buffer":            s.deps.Buffer.Stats(),
		"pipeline":          s.deps.Runner.Stats(),
		"calibration":       s.calibrationSummary(),
		"websocket_clients": s.wsHub.ClientCount(),
	}
	if s.deps.Ingestor != nil {
		stats["scanner"] = s.deps.Ingestor.Stats()
	}

	s.statsMu.RLock()
	for name, fn := range s.extra {
		stats[name] = fn()
	}
	s.statsMu.RUnlock()

	return c.JSON(stats)
}

// metricsHandler returns Prometheus-format metrics
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	buf := s.deps.Buffer.Stats()
	pipe := s.deps.Runner.Stats()
	cal := s.deps.Estimator.State()

	var ingest scan.IngestStats
	if s.deps.Ingestor != nil {
		ingest = s.deps.Ingestor.Stats()
	}

	metrics := fmt.Sprintf(`# HELP go_rangefuse_scan_rotations_total Scanner rotations ingested
# TYPE go_rangefuse_scan_rotations_total counter
go_rangefuse_scan_rotations_total %d

# HELP go_rangefuse_scan_errors_total Scanner read errors
# TYPE go_rangefuse_scan_errors_total counter
go_rangefuse_scan_errors_total %d

# HELP go_rangefuse_scan_samples Samples in the current rotation
# TYPE go_rangefuse_scan_samples gauge
go_rangefuse_scan_samples %d

# HELP go_rangefuse_scan_age_ms Age of the current rotation in milliseconds
# TYPE go_rangefuse_scan_age_ms gauge
go_rangefuse_scan_age_ms %d

# HELP go_rangefuse_scanner_healthy Scanner source health (1=healthy, 0=unhealthy)
# TYPE go_rangefuse_scanner_healthy gauge
go_rangefuse_scanner_healthy %d

# HELP go_rangefuse_frames_processed_total Camera frames processed
# TYPE go_rangefuse_frames_processed_total counter
go_rangefuse_frames_processed_total %d

# HELP go_rangefuse_detect_errors_total Detector errors
# TYPE go_rangefuse_detect_errors_total counter
go_rangefuse_detect_errors_total %d

# HELP go_rangefuse_fused_objects Detections fused in the latest frame
# TYPE go_rangefuse_fused_objects gauge
go_rangefuse_fused_objects %d

# HELP go_rangefuse_frame_latency_ms Processing latency of the latest frame
# TYPE go_rangefuse_frame_latency_ms gauge
go_rangefuse_frame_latency_ms %d

# HELP go_rangefuse_calibration_offset_degrees Camera to scanner angular offset
# TYPE go_rangefuse_calibration_offset_degrees gauge
go_rangefuse_calibration_offset_degrees %f

# HELP go_rangefuse_calibrated Calibration state (1=calibrated, 0=not calibrated)
# TYPE go_rangefuse_calibrated gauge
go_rangefuse_calibrated %d

# HELP go_rangefuse_calibration_points Collected calibration points
# TYPE go_rangefuse_calibration_points gauge
go_rangefuse_calibration_points %d

# HELP go_rangefuse_uptime_seconds Server uptime in seconds
# TYPE go_rangefuse_uptime_seconds gauge
go_rangefuse_uptime_seconds %d

# HELP go_rangefuse_websocket_clients Current WebSocket client count
# TYPE go_rangefuse_websocket_clients gauge
go_rangefuse_websocket_clients %d
`,
		ingest.Rotations,
		ingest.ErrorCount,
		buf.SampleCount,
		buf.AgeMs,
		boolToInt(ingest.SourceHealthy),
		pipe.FramesProcessed,
		pipe.DetectErrors,
		pipe.FusedObjects,
		pipe.LastLatencyMs,
		cal.AngularOffsetDeg,
		boolToInt(cal.IsCalibrated),
		len(cal.Points),
		int64(time.Since(s.startTime).Seconds()),
		s.wsHub.ClientCount(),
	)

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(metrics)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Server.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

// WSHub returns the WebSocket hub
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	s.wsHub.Close()

	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
