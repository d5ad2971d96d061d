// Package ingest merges the frame stream and the anomaly stream into a
// single sequence of samples for the trust engine's driver loop.
//
// Architecture:
//
//	[Frame source]         [Anomaly source]
//	      ↓                       ↓ (sample-and-hold, latest wins)
//	[Pipeline goroutine] ←────────┘
//	      ↓  (buffered channel, cap=QueueSize)
//	[Driver loop: Analyzer → Engine → Recorder]
//
// Backpressure: the anomaly stream is absent more often than not (§4.2:
// "unavailable → treat as 0"), so it is held in a single latest-value
// slot rather than queued — a slow or silent anomaly source never backs
// up frame delivery. The frame stream is queued in a bounded channel;
// when it is full, the newest frame is dropped and
// observability.Metrics.FramesDroppedTotal{reason="queue_full"} is
// incremented, mirroring the teacher's ring-buffer-to-channel handoff.
//
// Shutdown: ctx cancellation stops both reader goroutines; Run's output
// channel is closed when the frame reader exits, without waiting for the
// anomaly reader.
package ingest

import (
	"context"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/visionguard/visionguard/internal/frame"
)

// Sample pairs one frame with the most recently observed anomaly score
// at the time the frame was dispatched.
type Sample struct {
	Frame   *frame.Frame
	Anomaly float64
}

// DropCounter receives drop notifications, by reason. Satisfied by
// observability.Metrics.FramesDroppedTotal (a *prometheus.CounterVec),
// via the small adapter the agent wires at startup.
type DropCounter interface {
	IncDropped(reason string)
}

// Pipeline merges a frame source and an anomaly source into a bounded
// stream of Samples.
type Pipeline struct {
	frames  <-chan *frame.Frame
	anomaly <-chan float64

	queueCap int
	out      chan Sample

	log   *zap.Logger
	drops DropCounter

	latestAnomaly atomic.Uint64 // math.Float64bits-encoded
}

// New creates a Pipeline reading frames and anomaly scores from the
// given channels. queueCap bounds the output channel (config.Ingest.QueueSize,
// default 4096). drops may be nil (drops are then only logged, not
// counted).
func New(frames <-chan *frame.Frame, anomaly <-chan float64, queueCap int, log *zap.Logger, drops DropCounter) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		frames:   frames,
		anomaly:  anomaly,
		queueCap: queueCap,
		out:      make(chan Sample, queueCap),
		log:      log,
		drops:    drops,
	}
}

// Run starts the merge goroutines and returns the output channel. Run
// does not block; the caller drains the returned channel until it is
// closed (on ctx cancellation or source exhaustion).
func (p *Pipeline) Run(ctx context.Context) <-chan Sample {
	go p.runAnomalyReader(ctx)
	go p.runFrameReader(ctx)
	return p.out
}

func (p *Pipeline) runAnomalyReader(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-p.anomaly:
			if !ok {
				return
			}
			p.storeAnomaly(v)
		}
	}
}

func (p *Pipeline) runFrameReader(ctx context.Context) {
	defer close(p.out)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-p.frames:
			if !ok {
				return
			}
			sample := Sample{Frame: f, Anomaly: p.loadAnomaly()}
			select {
			case p.out <- sample:
			default:
				p.log.Debug("ingest queue full, dropping frame", zap.Int64("timestamp_ms", int64(f.Timestamp*1000)))
				if p.drops != nil {
					p.drops.IncDropped("queue_full")
				}
			}
		}
	}
}

func (p *Pipeline) storeAnomaly(v float64) {
	p.latestAnomaly.Store(math.Float64bits(v))
}

func (p *Pipeline) loadAnomaly() float64 {
	return math.Float64frombits(p.latestAnomaly.Load())
}
