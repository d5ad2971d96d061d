// Package operator implements the Unix-domain-socket control-plane server
// described informally by the core contract as "reset and
// set_source_mode(mode), delivered through the same serialization as
// ticks." Protocol and server shape are carried over near-verbatim from
// the teacher's per-PID override socket, narrowed to a single-session
// controller since there is exactly one camera and one trust engine per
// process, not one per PID.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/visionguard/operator.sock (configurable).
// Permissions: 0600.
//
// Commands:
//
//	{"cmd":"reset"}
//	  → Resets the trust engine to its initial state.
//	  → Response: {"ok":true,"reliability":1,"policy":"VISION_ALLOWED","mode":"mahalanobis"}
//
//	{"cmd":"set_source_mode","mode":"degraded_sensor"}
//	  → Switches the active anomaly source mode.
//	  → Response: {"ok":true,"mode":"degraded_sensor"}
//
//	{"cmd":"status"}
//	  → Returns the current reliability/policy/tick count/mode.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// TrustController is the interface the operator server uses to read and
// mutate the trust engine's control-plane state. Implemented by the
// agent's MemController, which wraps a *trust.Engine.
type TrustController interface {
	// Reset resets the trust engine to its initial state.
	Reset()
	// SetSourceMode switches the active anomaly source mode. Returns an
	// error if mode is not one of the modes registered at construction.
	SetSourceMode(mode string) error
	// Status returns a snapshot of current reliability, policy, tick
	// count, and source mode.
	Status() StatusSnapshot
}

// StatusSnapshot is a point-in-time view of the controller's state.
type StatusSnapshot struct {
	Reliability float64
	Policy      string
	TickCount   uint64
	Mode        string
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd  string `json:"cmd"`            // reset | set_source_mode | status
	Mode string `json:"mode,omitempty"` // target mode for set_source_mode
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK          bool    `json:"ok"`
	Error       string  `json:"error,omitempty"`
	Reliability float64 `json:"reliability,omitempty"`
	Policy      string  `json:"policy,omitempty"`
	TickCount   uint64  `json:"tick_count,omitempty"`
	Mode        string  `json:"mode,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	controller TrustController
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server.
func NewServer(socketPath string, controller TrustController, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		controller: controller,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server, removing any stale
// socket file first. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	// net.Listen creates the socket file with mode governed by the
	// process umask; tighten it to owner-only before bind so there is no
	// window where the socket is group/world accessible, then restore.
	oldMask := unix.Umask(0o177)
	lis, err := net.Listen("unix", s.socketPath)
	unix.Umask(oldMask)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

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
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn reads one JSON request, executes the command, writes one
// JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "reset":
		return s.cmdReset()
	case "set_source_mode":
		return s.cmdSetSourceMode(req)
	case "status":
		return s.cmdStatus()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdReset() Response {
	s.controller.Reset()
	snap := s.controller.Status()
	s.log.Info("operator: engine reset")
	return Response{OK: true, Reliability: snap.Reliability, Policy: snap.Policy, TickCount: snap.TickCount, Mode: snap.Mode}
}

func (s *Server) cmdSetSourceMode(req Request) Response {
	if req.Mode == "" {
		return Response{OK: false, Error: "mode required for set_source_mode"}
	}
	if err := s.controller.SetSourceMode(req.Mode); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: source mode changed", zap.String("mode", req.Mode))
	return Response{OK: true, Mode: req.Mode}
}

func (s *Server) cmdStatus() Response {
	snap := s.controller.Status()
	return Response{OK: true, Reliability: snap.Reliability, Policy: snap.Policy, TickCount: snap.TickCount, Mode: snap.Mode}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// ─── In-process controller (used by the agent) ────────────────────────────

// MemController is a thread-safe TrustController wrapping an engine-reset
// function, a status function, and a set of selectable source modes.
// The agent constructs one of these over its *trust.Engine and *anomaly
// registry and passes it to the operator server; reset and status go
// through the engine's own mutex, the same one its driver loop's Tick
// takes.
type MemController struct {
	mu          sync.Mutex
	resetFn     func()
	statusFn    func() StatusSnapshot
	setModeFn   func(mode string) error
	currentMode string
}

// NewMemController creates a MemController. resetFn and statusFn delegate
// to the owning engine; setModeFn performs the actual mode switch (e.g.
// looking up and swapping the active anomaly.Source) and returns an error
// if mode is not recognized — that error is passed straight back to the
// caller as the command's Response.Error.
func NewMemController(resetFn func(), statusFn func() StatusSnapshot, initialMode string, setModeFn func(mode string) error) *MemController {
	return &MemController{
		resetFn:     resetFn,
		statusFn:    statusFn,
		setModeFn:   setModeFn,
		currentMode: initialMode,
	}
}

// Reset implements TrustController.
func (c *MemController) Reset() {
	c.resetFn()
}

// SetSourceMode implements TrustController.
func (c *MemController) SetSourceMode(mode string) error {
	if err := c.setModeFn(mode); err != nil {
		return err
	}
	c.mu.Lock()
	c.currentMode = mode
	c.mu.Unlock()
	return nil
}

// Status implements TrustController.
func (c *MemController) Status() StatusSnapshot {
	c.mu.Lock()
	mode := c.currentMode
	c.mu.Unlock()
	snap := c.statusFn()
	snap.Mode = mode
	return snap
}
