// Package pipeline drives the per-frame loop: capture, detect, fuse, annotate
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-rangefuse/internal/annotate"
	"github.com/teslashibe/go-rangefuse/internal/camera"
	"github.com/teslashibe/go-rangefuse/internal/fusion"
	"github.com/teslashibe/go-rangefuse/internal/vision"
)

// FrameSource provides the most recent camera frame
type FrameSource interface {
	GetLastFrame() *camera.Frame
}

// Config configures the frame loop
type Config struct {
	FrameHz       float64
	DetectTimeout time.Duration
	Annotate      annotate.Options
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		FrameHz:       30,
		DetectTimeout: 2 * time.Second,
		Annotate:      annotate.DefaultOptions(),
	}
}

// Output is the outcome of one processed frame
type Output struct {
	FrameID    uint64             `json:"frame_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Detections []vision.Detection `json:"detections"`
	Result     fusion.Result      `json:"result"`
	Annotated  []byte             `json:"-"` // JPEG with boxes and distances
	LatencyMs  int64              `json:"latency_ms"`
}

// Runner processes camera frames at a fixed rate
type Runner struct {
	cfg      Config
	frames   FrameSource
	detector vision.Detector
	engine   *fusion.Engine
	logger   *slog.Logger

	calibrationMode atomic.Bool

	mu          sync.RWMutex
	latest      *Output
	lastFrameID uint64

	// Metrics
	processed      atomic.Int64
	skipped        atomic.Int64
	detectErrors   atomic.Int64
	annotateErrors atomic.Int64
	fusedObjects   atomic.Int64
	lastLatencyMs  atomic.Int64

	// Lifecycle
	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}

	// Subscribers for processed frames
	subsMu sync.RWMutex
	subs   map[chan Output]struct{}
}

// NewRunner creates a frame loop
func NewRunner(cfg Config, frames FrameSource, detector vision.Detector, engine *fusion.Engine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FrameHz <= 0 {
		cfg.FrameHz = DefaultConfig().FrameHz
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = DefaultConfig().DetectTimeout
	}

	return &Runner{
		cfg:      cfg,
		frames:   frames,
		detector: detector,
		engine:   engine,
		logger:   logger,
		done:     make(chan struct{}),
		subs:     make(map[chan Output]struct{}),
	}
}

// Run processes frames until ctx is cancelled (blocking, use goroutine)
func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)

	r.lifeMu.Lock()
	if r.stopped {
		r.lifeMu.Unlock()
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.lifeMu.Unlock()

	interval := time.Duration(float64(time.Second) / r.cfg.FrameHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("frame pipeline started",
		"frame_hz", r.cfg.FrameHz,
		"detector", r.detector.Name(),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("frame pipeline stopped",
				"processed", r.processed.Load(),
				"detect_errors", r.detectErrors.Load(),
			)
			return
		case <-ticker.C:
			r.Step(ctx)
		}
	}
}

// Step processes the latest frame once. It returns false when there is no
// new frame or detection failed.
func (r *Runner) Step(ctx context.Context) (Output, bool) {
	frame := r.frames.GetLastFrame()
	if frame == nil {
		return Output{}, false
	}

	r.mu.RLock()
	seen := frame.FrameID != 0 && frame.FrameID == r.lastFrameID
	r.mu.RUnlock()
	if seen {
		r.skipped.Add(1)
		return Output{}, false
	}

	start := time.Now()

	dctx, cancel := context.WithTimeout(ctx, r.cfg.DetectTimeout)
	dets, err := r.detector.Detect(dctx, vision.Frame{
		JPEG:    frame.Data,
		Width:   frame.Width,
		Height:  frame.Height,
		FrameID: frame.FrameID,
	})
	cancel()

	if err != nil {
		if n := r.detectErrors.Add(1); n%100 == 1 {
			r.logger.Warn("detection failed",
				"detector", r.detector.Name(),
				"frame_id", frame.FrameID,
				"error", err,
				"errors", n,
			)
		}
		return Output{}, false
	}

	result := r.engine.Process(dets, fusion.FrameMeta{
		FrameID:   frame.FrameID,
		Timestamp: frame.Timestamp,
	})

	opts := r.cfg.Annotate
	opts.CalibrationTarget = r.calibrationMode.Load()

	annotated, err := annotate.Draw(frame.Data, dets, result, opts)
	if err != nil {
		r.annotateErrors.Add(1)
		r.logger.Debug("annotation failed", "frame_id", frame.FrameID, "error", err)
		annotated = frame.Data
	}

	out := Output{
		FrameID:    frame.FrameID,
		Timestamp:  result.Timestamp,
		Width:      frame.Width,
		Height:     frame.Height,
		Detections: dets,
		Result:     result,
		Annotated:  annotated,
		LatencyMs:  time.Since(start).Milliseconds(),
	}

	r.mu.Lock()
	r.latest = &out
	r.lastFrameID = frame.FrameID
	r.mu.Unlock()

	r.processed.Add(1)
	r.fusedObjects.Store(int64(result.Len()))
	r.lastLatencyMs.Store(out.LatencyMs)

	r.notifySubscribers(out)
	return out, true
}

func (r *Runner) notifySubscribers(out Output) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	for ch := range r.subs {
		select {
		case ch <- out:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Latest returns the most recently processed frame
func (r *Runner) Latest() (Output, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.latest == nil {
		return Output{}, false
	}
	return *r.latest, true
}

// SetCalibrationMode toggles the calibration target overlay
func (r *Runner) SetCalibrationMode(on bool) {
	r.calibrationMode.Store(on)
	r.logger.Info("calibration mode changed", "enabled", on)
}

// CalibrationMode reports whether the calibration overlay is on
func (r *Runner) CalibrationMode() bool {
	return r.calibrationMode.Load()
}

// Subscribe returns a channel that receives every processed frame
func (r *Runner) Subscribe() chan Output {
	ch := make(chan Output, 4)

	r.subsMu.Lock()
	r.subs[ch] = struct{}{}
	r.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (r *Runner) Unsubscribe(ch chan Output) {
	r.subsMu.Lock()
	if _, exists := r.subs[ch]; exists {
		delete(r.subs, ch)
		close(ch)
	}
	r.subsMu.Unlock()
}

// Stats returns pipeline statistics
func (r *Runner) Stats() Stats {
	r.subsMu.RLock()
	subs := len(r.subs)
	r.subsMu.RUnlock()

	return Stats{
		FramesProcessed: r.processed.Load(),
		FramesSkipped:   r.skipped.Load(),
		DetectErrors:    r.detectErrors.Load(),
		AnnotateErrors:  r.annotateErrors.Load(),
		FusedObjects:    r.fusedObjects.Load(),
		LastLatencyMs:   r.lastLatencyMs.Load(),
		SubscriberCount: subs,
		CalibrationMode: r.calibrationMode.Load(),
		Detector:        r.detector.Name(),
	}
}

// Stats contains pipeline statistics
type Stats struct {
	FramesProcessed int64  `json:"frames_processed"`
	FramesSkipped   int64  `json:"frames_skipped"`
	DetectErrors    int64  `json:"detect_errors"`
	AnnotateErrors  int64  `json:"annotate_errors"`
	FusedObjects    int64  `json:"fused_objects"`
	LastLatencyMs   int64  `json:"last_latency_ms"`
	SubscriberCount int    `json:"subscriber_count"`
	CalibrationMode bool   `json:"calibration_mode"`
	Detector        string `json:"detector"`
}

// Stop stops the frame loop gracefully
func (r *Runner) Stop() {
	r.lifeMu.Lock()
	cancel := r.cancel
	r.stopped = true
	r.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-r.done
	}

	r.subsMu.Lock()
	for ch := range r.subs {
		close(ch)
		delete(r.subs, ch)
	}
	r.subsMu.Unlock()
}
