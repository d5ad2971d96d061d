package ingest

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/visionguard/visionguard/internal/frame"
)

type countingDropper struct {
	counts map[string]int
}

func (c *countingDropper) IncDropped(reason string) {
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[reason]++
}

func TestPipeline_MergesFramesWithLatestAnomaly(t *testing.T) {
	frames := make(chan *frame.Frame, 4)
	anomaly := make(chan float64, 4)
	p := New(frames, anomaly, 4, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := p.Run(ctx)

	anomaly <- 0.75
	time.Sleep(10 * time.Millisecond) // let the anomaly reader pick it up

	f := &frame.Frame{Width: 1, Height: 1, Channels: 1, Pixels: []byte{1}}
	frames <- f

	select {
	case sample := <-out:
		if sample.Frame != f {
			t.Fatal("expected the same frame pointer to be forwarded")
		}
		if sample.Anomaly != 0.75 {
			t.Fatalf("expected anomaly 0.75 sampled-and-held onto the frame, got %f", sample.Anomaly)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for merged sample")
	}
}

func TestPipeline_AbsentAnomalyDefaultsToZero(t *testing.T) {
	frames := make(chan *frame.Frame, 1)
	anomaly := make(chan float64, 1)
	p := New(frames, anomaly, 1, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := p.Run(ctx)

	f := &frame.Frame{Width: 1, Height: 1, Channels: 1, Pixels: []byte{1}}
	frames <- f

	select {
	case sample := <-out:
		if sample.Anomaly != 0 {
			t.Fatalf("expected anomaly 0 with no anomaly ever published, got %f", sample.Anomaly)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sample")
	}
}

func TestPipeline_QueueFull_DropsNewestFrameAndCounts(t *testing.T) {
	frames := make(chan *frame.Frame, 8)
	anomaly := make(chan float64, 1)
	drops := &countingDropper{}
	p := New(frames, anomaly, 1, zap.NewNop(), drops)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = p.Run(ctx)

	// Push more frames than the output channel (cap 1) plus the reader's
	// single in-flight slot can absorb, without draining, to force drops.
	for i := 0; i < 5; i++ {
		frames <- &frame.Frame{Width: 1, Height: 1, Channels: 1, Pixels: []byte{byte(i)}, Timestamp: float64(i)}
	}
	time.Sleep(50 * time.Millisecond)

	if drops.counts["queue_full"] == 0 {
		t.Fatal("expected at least one queue_full drop to be counted")
	}
}

func TestPipeline_ContextCancellationClosesOutput(t *testing.T) {
	frames := make(chan *frame.Frame, 1)
	anomaly := make(chan float64, 1)
	p := New(frames, anomaly, 1, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	out := p.Run(ctx)
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected output channel to be closed after cancellation, got a value instead")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for output channel to close")
	}
}
