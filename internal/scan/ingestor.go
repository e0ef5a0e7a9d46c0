package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Ingestor reads rotations from a Source and publishes them into a Buffer.
// It is the only writer of the buffer.
type Ingestor struct {
	source Source
	buffer *Buffer
	logger *slog.Logger

	// Metrics
	rotations   atomic.Int64
	samples     atomic.Int64
	errorCount  atomic.Int64
	lastRotated atomic.Int64 // unix nanos

	// Lifecycle
	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}

	// Subscribers for rotation notifications
	subsMu sync.RWMutex
	subs   map[chan Snapshot]struct{}
}

// NewIngestor creates a new ingestion loop
func NewIngestor(source Source, buffer *Buffer, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Ingestor{
		source: source,
		buffer: buffer,
		logger: logger,
		done:   make(chan struct{}),
		subs:   make(map[chan Snapshot]struct{}),
	}
}

// Run reads rotations until ctx is cancelled (blocking, use goroutine).
// A source error ends the loop with an error wrapping ErrDriverFailure.
func (in *Ingestor) Run(ctx context.Context) error {
	defer close(in.done)

	in.lifeMu.Lock()
	if in.stopped {
		in.lifeMu.Unlock()
		return context.Canceled
	}
	ctx, in.cancel = context.WithCancel(ctx)
	in.lifeMu.Unlock()

	in.logger.Info("scan ingestion started", "source", in.source.Name())

	for {
		raw, err := in.source.NextRotation(ctx)
		if err != nil {
			if ctx.Err() != nil {
				in.logger.Info("scan ingestion stopped",
					"rotations", in.rotations.Load(),
					"errors", in.errorCount.Load(),
				)
				return ctx.Err()
			}

			in.errorCount.Add(1)
			in.logger.Error("scanner read failed", "error", err, "source", in.source.Name())
			return fmt.Errorf("%w: %v", ErrDriverFailure, err)
		}

		in.ingest(raw)
	}
}

func (in *Ingestor) ingest(raw []RawSample) {
	in.buffer.Replace(FromRawRotation(raw))

	n := in.rotations.Add(1)
	in.samples.Add(int64(len(raw)))
	in.lastRotated.Store(time.Now().UnixNano())

	if n%50 == 0 {
		in.logger.Debug("scan rotation",
			"rotation", n,
			"samples", len(raw),
		)
	}

	in.notifySubscribers()
}

func (in *Ingestor) notifySubscribers() {
	in.subsMu.RLock()
	defer in.subsMu.RUnlock()

	if len(in.subs) == 0 {
		return
	}

	snap := in.buffer.Snapshot()
	for ch := range in.subs {
		select {
		case ch <- snap:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives every new rotation
func (in *Ingestor) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 2)

	in.subsMu.Lock()
	in.subs[ch] = struct{}{}
	in.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (in *Ingestor) Unsubscribe(ch chan Snapshot) {
	in.subsMu.Lock()
	if _, exists := in.subs[ch]; exists {
		delete(in.subs, ch)
		close(ch)
	}
	in.subsMu.Unlock()
}

// Stats returns ingestion statistics
func (in *Ingestor) Stats() IngestStats {
	rotations := in.rotations.Load()

	avg := float64(0)
	if rotations > 0 {
		avg = float64(in.samples.Load()) / float64(rotations)
	}

	var last time.Time
	if ns := in.lastRotated.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}

	in.subsMu.RLock()
	subs := len(in.subs)
	in.subsMu.RUnlock()

	return IngestStats{
		Rotations:         rotations,
		ErrorCount:        in.errorCount.Load(),
		AvgSamples:        avg,
		LastRotation:      last,
		SubscriberCount:   subs,
		SourceHealthy:     in.source.Healthy(),
		SourceName:        in.source.Name(),
		CurrentSampleSize: in.buffer.Stats().SampleCount,
	}
}

// IngestStats contains ingestion statistics
type IngestStats struct {
	Rotations         int64     `json:"rotations"`
	ErrorCount        int64     `json:"error_count"`
	AvgSamples        float64   `json:"avg_samples"`
	LastRotation      time.Time `json:"last_rotation"`
	SubscriberCount   int       `json:"subscriber_count"`
	SourceHealthy     bool      `json:"source_healthy"`
	SourceName        string    `json:"source_name"`
	CurrentSampleSize int       `json:"current_sample_size"`
}

// Stop stops the ingestion loop gracefully
func (in *Ingestor) Stop() {
	in.lifeMu.Lock()
	cancel := in.cancel
	in.stopped = true
	in.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-in.done
	}

	// Close all subscriber channels
	in.subsMu.Lock()
	for ch := range in.subs {
		close(ch)
		delete(in.subs, ch)
	}
	in.subsMu.Unlock()
}

// IsDriverFailure reports whether err came from the scanner driver
func IsDriverFailure(err error) bool {
	return errors.Is(err, ErrDriverFailure)
}
