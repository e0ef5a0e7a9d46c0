// Package camera captures JPEG frames from an HTTP snapshot endpoint
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds camera client configuration
type Config struct {
	SnapshotURL string        // Full URL returning one JPEG per GET
	Framerate   int           // Target frames per second
	Quality     int           // Re-encode quality (0 or 100 = keep original bytes)
	Timeout     time.Duration // HTTP request timeout
	StaleAfter  time.Duration // Camera is unhealthy when no frame arrived for this long
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SnapshotURL: "http://localhost:8080/snapshot.jpg",
		Framerate:   30,
		Quality:     0,
		Timeout:     2 * time.Second,
		StaleAfter:  2 * time.Second,
	}
}

// Frame represents a captured video frame
type Frame struct {
	Data      []byte    // JPEG encoded
	Width     int       // Decoded width
	Height    int       // Decoded height
	Timestamp time.Time // Capture time
	FrameID   uint64    // Sequential frame ID
}

// Source provides the most recent camera frame
type Source interface {
	Start(ctx context.Context) error
	Stop()
	GetLastFrame() *Frame
	Stats() CameraStats
	Healthy() bool
}

// Client polls a snapshot URL at the configured frame rate
type Client struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	frameID   atomic.Uint64
	lastFrame *Frame

	onFrame func(Frame)

	// Stats
	framesCaptured atomic.Uint64
	frameErrors    atomic.Uint64
}

// NewClient creates a new camera client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Framerate <= 0 {
		cfg.Framerate = DefaultConfig().Framerate
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// OnFrame sets the callback for new frames
func (c *Client) OnFrame(callback func(Frame)) {
	c.mu.Lock()
	c.onFrame = callback
	c.mu.Unlock()
}

// Start begins capturing frames
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.logger.Info("camera client starting",
		"snapshot_url", c.cfg.SnapshotURL,
		"framerate", c.cfg.Framerate,
	)

	go c.captureLoop(ctx)
	return nil
}

// Stop stops capturing frames
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	c.running = false
	if c.cancel != nil {
		c.cancel()
	}
	c.logger.Info("camera client stopped",
		"frames_captured", c.framesCaptured.Load(),
	)
}

func (c *Client) captureLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(c.cfg.Framerate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := c.captureFrame(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if c.frameErrors.Add(1)%100 == 1 {
					c.logger.Warn("frame capture error", "error", err, "errors", c.frameErrors.Load())
				}
				continue
			}

			c.framesCaptured.Add(1)

			c.mu.Lock()
			c.lastFrame = frame
			callback := c.onFrame
			c.mu.Unlock()

			if callback != nil {
				callback(*frame)
			}
		}
	}
}

// captureFrame fetches and decodes a single snapshot
func (c *Client) captureFrame(ctx context.Context) (*Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.SnapshotURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	bounds := img.Bounds()

	if c.cfg.Quality > 0 && c.cfg.Quality < 100 {
		data, err = EncodeJPEG(img, c.cfg.Quality)
		if err != nil {
			return nil, fmt.Errorf("reencode: %w", err)
		}
	}

	return &Frame{
		Data:      data,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Timestamp: time.Now(),
		FrameID:   c.frameID.Add(1),
	}, nil
}

// EncodeJPEG encodes an image with the specified quality
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GetLastFrame returns the most recently captured frame
func (c *Client) GetLastFrame() *Frame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFrame
}

// Healthy returns true if a frame arrived recently
func (c *Client) Healthy() bool {
	frame := c.GetLastFrame()
	return frame != nil && time.Since(frame.Timestamp) < c.cfg.StaleAfter
}

// Stats returns capture statistics
func (c *Client) Stats() CameraStats {
	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()

	return CameraStats{
		Source:         "http",
		FramesCaptured: c.framesCaptured.Load(),
		FrameErrors:    c.frameErrors.Load(),
		Running:        running,
	}
}

// CameraStats contains camera statistics
type CameraStats struct {
	Source         string `json:"source"`
	FramesCaptured uint64 `json:"frames_captured"`
	FrameErrors    uint64 `json:"frame_errors"`
	Running        bool   `json:"running"`
}
