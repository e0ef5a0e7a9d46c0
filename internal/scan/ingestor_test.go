package scan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource replays rotations, then fails with err or blocks until ctx ends
type scriptedSource struct {
	mu        sync.Mutex
	rotations [][]RawSample
	err       error
}

func (s *scriptedSource) NextRotation(ctx context.Context) ([]RawSample, error) {
	s.mu.Lock()
	if len(s.rotations) > 0 {
		next := s.rotations[0]
		s.rotations = s.rotations[1:]
		s.mu.Unlock()
		return next, nil
	}
	err := s.err
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedSource) Close() error  { return nil }
func (s *scriptedSource) Healthy() bool { return true }
func (s *scriptedSource) Name() string  { return "scripted" }

func TestIngestor_PublishesRotations(t *testing.T) {
	source := &scriptedSource{rotations: [][]RawSample{
		{{Quality: 10, AngleDeg: 0, DistanceMM: 1000}},
		{{Quality: 10, AngleDeg: 90, DistanceMM: 2000}, {Quality: 10, AngleDeg: 180, DistanceMM: 3000}},
	}}
	buf := NewBuffer()
	ing := NewIngestor(source, buf, slog.Default())

	sub := ing.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- ing.Run(ctx) }()

	require.Eventually(t, func() bool {
		return ing.Stats().Rotations == 2
	}, time.Second, 5*time.Millisecond)

	snap := buf.Snapshot()
	require.Len(t, snap.Samples, 2)
	assert.Equal(t, 2.0, snap.Samples[0].DistanceM)
	assert.Equal(t, 90.0, snap.Samples[0].AngleDeg)

	select {
	case got := <-sub:
		assert.NotZero(t, got.Rotation)
	case <-time.After(time.Second):
		t.Fatal("expected a rotation notification")
	}

	stats := ing.Stats()
	assert.Equal(t, 1.5, stats.AvgSamples)
	assert.Equal(t, "scripted", stats.SourceName)
	assert.Equal(t, 2, stats.CurrentSampleSize)

	ing.Stop()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestIngestor_DriverFailureIsFatal(t *testing.T) {
	source := &scriptedSource{
		rotations: [][]RawSample{{{Quality: 5, AngleDeg: 10, DistanceMM: 500}}},
		err:       errors.New("serial port unplugged"),
	}
	buf := NewBuffer()
	ing := NewIngestor(source, buf, nil)

	err := ing.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsDriverFailure(err))
	assert.Contains(t, err.Error(), "serial port unplugged")

	// The last good rotation stays visible
	assert.Len(t, buf.Snapshot().Samples, 1)
	assert.Equal(t, int64(1), ing.Stats().ErrorCount)
}

func TestIngestor_UnsubscribeClosesChannel(t *testing.T) {
	ing := NewIngestor(&scriptedSource{}, NewBuffer(), nil)

	ch := ing.Subscribe()
	ing.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)

	// Second unsubscribe is a no-op
	ing.Unsubscribe(ch)
}

func TestIngestor_StopBeforeRun(t *testing.T) {
	ing := NewIngestor(&scriptedSource{}, NewBuffer(), nil)
	ing.Stop()

	errc := make(chan error, 1)
	go func() { errc <- ing.Run(context.Background()) }()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Zero(t, ing.Stats().Rotations)
}

func TestIngestor_RunAndStopConcurrently(t *testing.T) {
	ing := NewIngestor(&scriptedSource{}, NewBuffer(), nil)

	errc := make(chan error, 1)
	go func() { errc <- ing.Run(context.Background()) }()

	stopped := make(chan struct{})
	go func() {
		ing.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
