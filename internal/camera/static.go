package camera

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"
	"time"
)

// StaticSource serves a blank frame when no camera is attached
type StaticSource struct {
	data   []byte
	width  int
	height int

	mu      sync.Mutex
	running bool
	frameID atomic.Uint64
	served  atomic.Uint64
}

// NewStaticSource creates a frame source of the given size
func NewStaticSource(width, height int) (*StaticSource, error) {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 32, G: 32, B: 32, A: 255}}, image.Point{}, draw.Src)

	data, err := EncodeJPEG(img, 80)
	if err != nil {
		return nil, err
	}

	return &StaticSource{data: data, width: width, height: height}, nil
}

// Start marks the source as running
func (s *StaticSource) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

// Stop marks the source as stopped
func (s *StaticSource) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// GetLastFrame returns the blank frame with a fresh ID and timestamp
func (s *StaticSource) GetLastFrame() *Frame {
	s.served.Add(1)
	return &Frame{
		Data:      s.data,
		Width:     s.width,
		Height:    s.height,
		Timestamp: time.Now(),
		FrameID:   s.frameID.Add(1),
	}
}

// Healthy always returns true
func (s *StaticSource) Healthy() bool {
	return true
}

// Stats returns frame statistics
func (s *StaticSource) Stats() CameraStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CameraStats{
		Source:         "static",
		FramesCaptured: s.served.Load(),
		Running:        s.running,
	}
}
