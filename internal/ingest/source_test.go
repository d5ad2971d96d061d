package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSocketSource_DecodesWireRecordsOntoChannels(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ingest.sock")
	src := NewSocketSource(socketPath, 8, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() { serverErr <- src.ListenAndServe(ctx) }()

	conn := dialWithRetry(t, socketPath)
	defer conn.Close()

	rec := WireRecord{Width: 2, Height: 2, Channels: 1, Timestamp: 1.5, Pixels: []byte{1, 2, 3, 4}, Anomaly: 0.4}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	select {
	case f := <-src.Frames():
		if f.Width != 2 || f.Height != 2 || f.Channels != 1 {
			t.Fatalf("unexpected frame shape: %+v", f)
		}
		if !bytes.Equal(f.Pixels, []byte{1, 2, 3, 4}) {
			t.Fatalf("unexpected pixel buffer: %v", f.Pixels)
		}
		if f.Timestamp != 1.5 {
			t.Fatalf("expected timestamp 1.5, got %f", f.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded frame")
	}

	select {
	case a := <-src.Anomaly():
		if a != 0.4 {
			t.Fatalf("expected anomaly 0.4, got %f", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded anomaly")
	}

	cancel()
	select {
	case err := <-serverErr:
		if err != nil {
			t.Fatalf("unexpected ListenAndServe error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server shutdown")
	}
}

func TestSocketSource_MalformedRecordIsSkipped(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ingest.sock")
	src := NewSocketSource(socketPath, 8, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.ListenAndServe(ctx) }()

	conn := dialWithRetry(t, socketPath)
	defer conn.Close()

	if _, err := conn.Write([]byte("not json\n")); err != nil {
		t.Fatalf("write malformed record: %v", err)
	}

	rec := WireRecord{Width: 1, Height: 1, Channels: 1, Pixels: []byte{9}}
	data, _ := json.Marshal(rec)
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write valid record: %v", err)
	}

	select {
	case f := <-src.Frames():
		if len(f.Pixels) != 1 || f.Pixels[0] != 9 {
			t.Fatalf("expected the valid record to survive the malformed one, got %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the valid record after a malformed one")
	}
}

func dialWithRetry(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("failed to dial %q within timeout", socketPath)
	return nil
}
