package scan

import (
	"sync/atomic"
	"time"
)

// Buffer holds the most recent full rotation.
//
// One goroutine calls Replace once per rotation; any number of goroutines may
// call Snapshot. The stored snapshot is never mutated after it is published,
// so readers only contend on a single atomic load.
type Buffer struct {
	current  atomic.Pointer[Snapshot]
	replaces atomic.Uint64
}

// NewBuffer creates an empty buffer
func NewBuffer() *Buffer {
	b := &Buffer{}
	b.current.Store(&Snapshot{})
	return b
}

// Replace publishes samples as the current rotation, discarding the previous one
func (b *Buffer) Replace(samples []Sample) {
	owned := make([]Sample, len(samples))
	copy(owned, samples)

	next := &Snapshot{
		Rotation:   b.replaces.Add(1),
		CapturedAt: time.Now(),
		Samples:    owned,
	}
	b.current.Store(next)
}

// Snapshot returns an independent copy of the current rotation.
// It returns an empty snapshot before the first Replace.
func (b *Buffer) Snapshot() Snapshot {
	cur := b.current.Load()

	samples := make([]Sample, len(cur.Samples))
	copy(samples, cur.Samples)

	return Snapshot{
		Rotation:   cur.Rotation,
		CapturedAt: cur.CapturedAt,
		Samples:    samples,
	}
}

// Stats returns buffer statistics
func (b *Buffer) Stats() BufferStats {
	cur := b.current.Load()
	return BufferStats{
		Rotation:    cur.Rotation,
		SampleCount: len(cur.Samples),
		AgeMs:       cur.Age().Milliseconds(),
	}
}

// BufferStats contains buffer statistics
type BufferStats struct {
	Rotation    uint64 `json:"rotation"`
	SampleCount int    `json:"sample_count"`
	AgeMs       int64  `json:"age_ms"`
}
