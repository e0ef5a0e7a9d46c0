// go-rangefuse: camera and range-scanner fusion daemon
// Attaches scanner distances to camera detections and calibrates the two sensors
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-rangefuse/internal/calibration"
	"github.com/teslashibe/go-rangefuse/internal/camera"
	"github.com/teslashibe/go-rangefuse/internal/config"
	"github.com/teslashibe/go-rangefuse/internal/fusion"
	"github.com/teslashibe/go-rangefuse/internal/health"
	"github.com/teslashibe/go-rangefuse/internal/history"
	"github.com/teslashibe/go-rangefuse/internal/mqttpub"
	"github.com/teslashibe/go-rangefuse/internal/pipeline"
	"github.com/teslashibe/go-rangefuse/internal/protocol"
	"github.com/teslashibe/go-rangefuse/internal/rplidar"
	"github.com/teslashibe/go-rangefuse/internal/scan"
	"github.com/teslashibe/go-rangefuse/internal/server"
	"github.com/teslashibe/go-rangefuse/internal/uplink"
	"github.com/teslashibe/go-rangefuse/internal/vision"
)

var (
	version     = "0.3.0"
	configPath  = flag.String("config", "/etc/go-rangefuse/config.yaml", "config file path")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	useMock     = flag.Bool("mock", false, "use the simulated scanner, a static camera frame and a scripted detector")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-rangefuse %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *useMock {
		cfg.Scanner.Mock = true
		cfg.Camera.Mock = true
		cfg.Detector.Mock = true
	}

	logger := setupLogger(cfg.Logging)

	logger.Info("starting go-rangefuse",
		"version", version,
		"config", *configPath,
		"port", cfg.Server.Port,
	)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := health.NewChecker(version)

	// Scanner
	source := newScanSource(cfg.Scanner, logger)
	defer source.Close()

	logger.Info("scanner ready",
		"type", source.Name(),
		"healthy", source.Healthy(),
	)

	buffer := scan.NewBuffer()
	ingestor := scan.NewIngestor(source, buffer, logger)

	// Calibration
	store := calibration.NewFileStore(cfg.Calibration.File)
	estimator := calibration.NewEstimator(store.LoadOrDefault(logger), store, logger)

	var journal *history.Journal
	if cfg.History.Enabled {
		journal, err = history.Open(cfg.History.Path, logger)
		if err != nil {
			logger.Warn("calibration history disabled", "path", cfg.History.Path, "error", err)
			journal = nil
		} else {
			defer journal.Close()
			estimator.SetHistory(journal)
		}
	}

	// Camera
	frames, err := newFrameSource(cfg.Camera, logger)
	if err != nil {
		logger.Error("failed to create camera source", "error", err)
		os.Exit(1)
	}
	if err := frames.Start(ctx); err != nil {
		logger.Error("failed to start camera", "error", err)
		os.Exit(1)
	}

	// Detector and fusion
	detector := newDetector(cfg, estimator, logger)

	engine := fusion.NewEngine(fusion.Config{
		ToleranceDeg: cfg.Fusion.ToleranceDeg,
		MaxScanAge:   cfg.Fusion.MaxScanAge,
	}, buffer, estimator, logger)

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.FrameHz = cfg.Fusion.FrameHz
	pipeCfg.DetectTimeout = cfg.Detector.Timeout
	runner := pipeline.NewRunner(pipeCfg, frames, detector, engine, logger)

	// Publishers
	var publisher *mqttpub.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqttpub.New(mqttpub.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}, logger)
		if err := publisher.Connect(); err != nil {
			logger.Warn("mqtt connect failed, retrying in background", "error", err)
		}
		defer publisher.Close()
	}

	var link *uplink.Client
	if cfg.Uplink.Enabled {
		upCfg := uplink.DefaultConfig()
		upCfg.URL = cfg.Uplink.URL
		upCfg.ReconnectBackoff = cfg.Uplink.ReconnectBackoff
		upCfg.MaxBackoff = cfg.Uplink.MaxBackoff
		upCfg.PingInterval = cfg.Uplink.PingInterval
		link = uplink.NewClient(upCfg, logger)
		link.Start(ctx)
	}

	// Server
	srv := server.New(cfg, server.Deps{
		Buffer:    buffer,
		Ingestor:  ingestor,
		Estimator: estimator,
		Engine:    engine,
		Runner:    runner,
		History:   journal,
		Health:    checker,
	}, logger, version)
	srv.AddStats("camera", func() any { return frames.Stats() })

	estimator.OnChange(func(s calibration.State) {
		if msg, err := protocol.NewCalibrationMessage(s); err == nil {
			srv.WSHub().Broadcast(msg)
		}
		if publisher != nil {
			if err := publisher.PublishCalibration(s); err != nil {
				logger.Debug("mqtt calibration publish failed", "error", err)
			}
		}
		if link != nil {
			if err := link.SendCalibration(s); err != nil {
				logger.Debug("uplink calibration send failed", "error", err)
			}
		}
	})

	// Health probes
	checker.Register("scanner", true, func() (bool, string) {
		if !source.Healthy() {
			return false, "scanner source unhealthy"
		}
		if st := buffer.Stats(); st.Rotation > 0 && st.AgeMs > 5000 {
			return false, fmt.Sprintf("no rotation for %dms", st.AgeMs)
		}
		return true, source.Name()
	})
	checker.Register("camera", true, func() (bool, string) {
		if !frames.Healthy() {
			return false, "no recent frame"
		}
		return true, frames.Stats().Source
	})
	if d, ok := detector.(*vision.HTTPDetector); ok {
		srv.AddStats("detector", func() any { return d.GetStats() })
		checker.Register("detector", false, func() (bool, string) {
			if !d.IsHealthy(ctx) {
				return false, "detector service unreachable"
			}
			return true, cfg.Detector.URL
		})
	}
	if publisher != nil {
		srv.AddStats("mqtt", func() any { return publisher.Stats() })
		checker.Register("mqtt", false, func() (bool, string) {
			if !publisher.Connected() {
				return false, "broker disconnected"
			}
			return true, cfg.MQTT.Broker
		})
	}
	if link != nil {
		srv.AddStats("uplink", func() any { return link.GetStats() })
		checker.Register("uplink", false, func() (bool, string) {
			if !link.IsConnected() {
				return false, "collector disconnected"
			}
			return true, cfg.Uplink.URL
		})
	}
	go checker.Run(ctx, 5*time.Second)

	// Start background loops
	go func() {
		err := ingestor.Run(ctx)
		if scan.IsDriverFailure(err) {
			logger.Error("scanner driver failed, shutting down", "error", err)
			cancel()
		}
	}()

	go runner.Run(ctx)
	go fanOut(runner, publisher, link, logger)
	if link != nil {
		go forwardScans(ctx, ingestor, link, cfg.Fusion.ScanStepDeg, logger)
	}

	go srv.WSHub().Run(ctx)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	printStartupBanner(cfg, version)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		logger.Warn("shutting down after fatal error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.GracefulTimeout,
	)
	defer shutdownCancel()

	// Stop in order: server -> pipeline -> ingestion -> camera -> uplink
	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	logger.Info("stopping pipeline...")
	runner.Stop()

	logger.Info("stopping scan ingestion...")
	ingestor.Stop()

	frames.Stop()

	if link != nil {
		if err := link.Close(); err != nil {
			logger.Warn("uplink close error", "error", err)
		}
	}

	logger.Info("go-rangefuse stopped")
}

func newScanSource(cfg config.ScannerConfig, logger *slog.Logger) scan.Source {
	if cfg.Mock {
		logger.Info("using mock scanner")
		return rplidar.NewMockSource()
	}

	serialCfg := rplidar.DefaultSerialConfig()
	serialCfg.Port = cfg.Port
	serialCfg.BaudRate = cfg.BaudRate
	serialCfg.MinRotationSamples = cfg.MinRotationSamples
	serialCfg.StallTimeout = cfg.StallTimeout

	if cfg.Fallback {
		return rplidar.NewSourceWithFallback(serialCfg, logger)
	}

	source, err := rplidar.NewSource(serialCfg, logger)
	if err != nil {
		logger.Error("failed to open scanner", "port", cfg.Port, "error", err)
		os.Exit(1)
	}
	return source
}

func newFrameSource(cfg config.CameraConfig, logger *slog.Logger) (camera.Source, error) {
	if cfg.Mock {
		logger.Info("using static camera frame", "width", cfg.Width, "height", cfg.Height)
		static, err := camera.NewStaticSource(cfg.Width, cfg.Height)
		if err != nil {
			return nil, err
		}
		return static, nil
	}

	return camera.NewClient(camera.Config{
		SnapshotURL: cfg.SnapshotURL,
		Framerate:   cfg.Framerate,
		Quality:     cfg.Quality,
		Timeout:     cfg.Timeout,
		StaleAfter:  camera.DefaultConfig().StaleAfter,
	}, logger), nil
}

func newDetector(cfg *config.Config, est *calibration.Estimator, logger *slog.Logger) vision.Detector {
	if cfg.Detector.Mock {
		// One object in the middle of the static frame
		w, h := cfg.Camera.Width, cfg.Camera.Height
		det := vision.NewDetection([4]int{w/2 - 40, h/2 - 80, w/2 + 40, h/2 + 80}, 0, "person", 0.9, w, est.CameraFOV())
		logger.Info("using mock detector")
		return vision.NewMockDetector(det)
	}

	return vision.NewHTTPDetector(vision.HTTPConfig{
		BaseURL:             cfg.Detector.URL,
		Timeout:             cfg.Detector.Timeout,
		ConfidenceThreshold: cfg.Detector.ConfidenceThreshold,
		Classes:             cfg.Detector.Classes,
	}, est.CameraFOV, logger)
}

// fanOut forwards processed frames to MQTT and the uplink until the runner stops
func fanOut(runner *pipeline.Runner, publisher *mqttpub.Publisher, link *uplink.Client, logger *slog.Logger) {
	if publisher == nil && link == nil {
		return
	}

	outputs := runner.Subscribe()
	for out := range outputs {
		if publisher != nil {
			if err := publisher.PublishFusion(out.Detections, out.Result); err != nil && !errors.Is(err, mqttpub.ErrNotConnected) {
				logger.Debug("mqtt fusion publish failed", "error", err)
			}
		}
		if link != nil {
			if err := link.SendFusion(out.Detections, out.Result); err != nil && !errors.Is(err, uplink.ErrNotConnected) {
				logger.Debug("uplink fusion send failed", "error", err)
			}
		}
	}
}

// forwardScans streams downsampled rotations to the uplink
func forwardScans(ctx context.Context, ingestor *scan.Ingestor, link *uplink.Client, stepDeg float64, logger *slog.Logger) {
	scans := ingestor.Subscribe()
	defer ingestor.Unsubscribe(scans)

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-scans:
			if !ok {
				return
			}
			if !link.IsConnected() {
				continue
			}
			msg, err := protocol.NewScanMessage(snap, stepDeg)
			if err != nil {
				continue
			}
			if err := link.SendMessage(msg); err != nil {
				logger.Debug("uplink scan send failed", "error", err)
			}
		}
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("📡 go-rangefuse v" + version)
	fmt.Println("   Camera and range-scanner fusion")
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health                    - Health check")
	fmt.Println("   GET  /api/scan                  - Current scanner rotation")
	fmt.Println("   GET  /api/fusion                - Latest fused detections")
	fmt.Println("   WS   /api/fusion/stream         - Real-time fusion stream")
	fmt.Println("   GET  /api/frame.jpg             - Annotated camera frame")
	fmt.Println("   GET  /api/calibration           - Calibration state")
	fmt.Println("   POST /api/calibration/estimate  - Estimate offset from points")
	fmt.Println("   GET  /metrics                   - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
