package rplidar

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/go-rangefuse/internal/scan"
)

// Object is a simulated obstacle seen by the mock scanner
type Object struct {
	AngleDeg  float64 // Scanner frame bearing of the object centre
	DistanceM float64
	WidthDeg  float64 // Angular extent
}

// MockSource simulates a scanner in the middle of a rectangular room
type MockSource struct {
	mu         sync.Mutex
	objects    []Object
	halfWidth  float64 // Room half-extent along the scanner's 0° axis, metres
	halfDepth  float64 // Room half-extent along the 90° axis, metres
	stepDeg    float64
	period     time.Duration
	healthy    bool
	failWith   error
	rotations  uint64
	lastReturn time.Time
}

// NewMockSource creates a mock scanner in a 6 m x 4 m room
func NewMockSource() *MockSource {
	return &MockSource{
		halfWidth: 3.0,
		halfDepth: 2.0,
		stepDeg:   1.0,
		period:    180 * time.Millisecond,
		healthy:   true,
	}
}

// NewMockSourceWithObjects creates a mock scanner with obstacles in the room
func NewMockSourceWithObjects(objects ...Object) *MockSource {
	m := NewMockSource()
	m.objects = append(m.objects, objects...)
	return m
}

// NextRotation waits one rotation period and returns a simulated sweep
func (m *MockSource) NextRotation(ctx context.Context) ([]scan.RawSample, error) {
	m.mu.Lock()
	period := m.period
	m.mu.Unlock()

	if period > 0 {
		timer := time.NewTimer(period)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return nil, m.failWith
	}

	m.rotations++
	m.lastReturn = time.Now()
	return m.sweep(), nil
}

// sweep traces one rotation; must hold mu
func (m *MockSource) sweep() []scan.RawSample {
	n := int(math.Round(360 / m.stepDeg))
	samples := make([]scan.RawSample, 0, n)

	for i := 0; i < n; i++ {
		angle := float64(i) * m.stepDeg
		dist := m.wallDistance(angle)

		for _, obj := range m.objects {
			if scan.CircularDistance(angle, obj.AngleDeg) <= obj.WidthDeg/2 && obj.DistanceM < dist {
				dist = obj.DistanceM
			}
		}

		samples = append(samples, scan.RawSample{
			Quality:    47,
			AngleDeg:   angle,
			DistanceMM: dist * 1000,
		})
	}
	return samples
}

// wallDistance is the range to the room walls along a bearing
func (m *MockSource) wallDistance(angleDeg float64) float64 {
	rad := angleDeg * math.Pi / 180
	c := math.Abs(math.Cos(rad))
	s := math.Abs(math.Sin(rad))

	dist := math.Inf(1)
	if c > 1e-9 {
		dist = m.halfWidth / c
	}
	if s > 1e-9 {
		dist = math.Min(dist, m.halfDepth/s)
	}
	return dist
}

// Close releases resources
func (m *MockSource) Close() error {
	return nil
}

// Healthy returns true if the source is operational
func (m *MockSource) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Name returns the source type name
func (m *MockSource) Name() string {
	return "mock"
}

// SetObjects replaces the simulated obstacles
func (m *MockSource) SetObjects(objects ...Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = append([]Object(nil), objects...)
}

// SetPeriod sets the simulated rotation period (0 = as fast as polled)
func (m *MockSource) SetPeriod(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.period = d
}

// SetHealthy sets the mock health state
func (m *MockSource) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// Fail makes every following rotation return err, simulating a lost link
func (m *MockSource) Fail(err error) {
	if err == nil {
		err = errors.New("simulated link failure")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
	m.healthy = false
}

// Rotations returns how many sweeps have been produced
func (m *MockSource) Rotations() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotations
}
