package vision

import (
	"context"
	"sync"
)

// Frame is the image handed to a Detector
type Frame struct {
	JPEG    []byte
	Width   int
	Height  int
	FrameID uint64
}

// Detector finds objects in a camera frame
type Detector interface {
	// Detect returns the detections for a frame. An empty slice means nothing was found.
	Detect(ctx context.Context, frame Frame) ([]Detection, error)

	// Name returns the detector type name
	Name() string
}

// MockDetector returns scripted detections, for testing and hardware-free runs
type MockDetector struct {
	mu         sync.Mutex
	detections []Detection
	err        error
	calls      int
}

// NewMockDetector creates a mock detector returning dets for every frame
func NewMockDetector(dets ...Detection) *MockDetector {
	return &MockDetector{detections: dets}
}

// Detect returns the scripted detections
func (m *MockDetector) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}

	out := make([]Detection, len(m.detections))
	copy(out, m.detections)
	return out, nil
}

// Name returns the detector type name
func (m *MockDetector) Name() string {
	return "mock"
}

// SetDetections replaces the scripted detections
func (m *MockDetector) SetDetections(dets ...Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections = dets
}

// SetError makes subsequent Detect calls fail
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times Detect was called
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
