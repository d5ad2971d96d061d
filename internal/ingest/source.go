// source.go implements the wire-level frame/anomaly source: a Unix
// domain socket accepting newline-delimited JSON records, one per frame.
// This is the external interface boundary named by §6 ("Inbound: Frame
// stream, Anomaly stream") — decoding a physical sensor (camera driver,
// JPEG/H.264, etc.) stays out of scope; a producer process upstream of
// this socket owns that. What crosses the wire here is already a
// decoded, luminance-ready pixel buffer.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/visionguard/visionguard/internal/frame"
)

// WireRecord is one frame plus its paired anomaly score (0 if the
// anomaly source had nothing to report for this frame), as received over
// the socket.
type WireRecord struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Channels  int     `json:"channels"`
	Timestamp float64 `json:"timestamp"`
	Pixels    []byte  `json:"pixels"` // json handles []byte as base64 automatically
	Anomaly   float64 `json:"anomaly"`
}

// SocketSource accepts a single producer connection at a time over a Unix
// domain socket and decodes WireRecords into the channels a Pipeline
// consumes.
type SocketSource struct {
	socketPath string
	log        *zap.Logger

	frames  chan *frame.Frame
	anomaly chan float64
}

// NewSocketSource creates a SocketSource. queueCap bounds the internal
// channels (should match config.Ingest.QueueSize).
func NewSocketSource(socketPath string, queueCap int, log *zap.Logger) *SocketSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &SocketSource{
		socketPath: socketPath,
		log:        log,
		frames:     make(chan *frame.Frame, queueCap),
		anomaly:    make(chan float64, queueCap),
	}
}

// Frames returns the decoded frame channel, for wiring into ingest.New.
func (s *SocketSource) Frames() <-chan *frame.Frame { return s.frames }

// Anomaly returns the decoded anomaly score channel, for wiring into
// ingest.New.
func (s *SocketSource) Anomaly() <-chan float64 { return s.anomaly }

// ListenAndServe accepts connections on socketPath and decodes each
// newline-delimited JSON WireRecord, pushing onto the Frames/Anomaly
// channels. One connection is served at a time — a second producer
// connecting while one is active is not rejected but waits in the listen
// backlog until the active connection closes, matching the single-writer
// discipline the trust engine itself depends on upstream of it. Blocks
// until ctx is cancelled.
func (s *SocketSource) ListenAndServe(ctx context.Context) error {
	defer close(s.frames)
	defer close(s.anomaly)

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ingest: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("ingest: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ingest: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("ingest: accept error", zap.Error(err))
				continue
			}
		}
		s.serveConn(ctx, conn)
	}
}

func (s *SocketSource) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var rec WireRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			s.log.Warn("ingest: malformed wire record", zap.Error(err))
			continue
		}

		f := &frame.Frame{
			Width:     rec.Width,
			Height:    rec.Height,
			Channels:  rec.Channels,
			Pixels:    rec.Pixels,
			Timestamp: rec.Timestamp,
		}

		select {
		case s.frames <- f:
		case <-ctx.Done():
			return
		}
		select {
		case s.anomaly <- rec.Anomaly:
		case <-ctx.Done():
			return
		default:
			// Anomaly is sample-and-hold downstream; a full channel here
			// just means the previous value is still fresh, never fatal.
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("ingest: connection read error", zap.Error(err))
	}
}
