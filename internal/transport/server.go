// Package transport owns the listening socket, the accept loop and the
// per-connection read loops, and ties the heartbeat scheduler to the server
// lifecycle.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"parkwatch/internal/broadcast"
	"parkwatch/internal/config"
	"parkwatch/internal/heartbeat"
	"parkwatch/internal/protocol"
	"parkwatch/internal/registry"
	"parkwatch/internal/router"
)

// Server accepts WebSocket connections and feeds their frames to the
// router. Lifecycle: Stopped -> Running -> Stopped; both transitions are
// idempotent.
type Server struct {
	cfg    config.Config
	logger *zap.Logger
	reg    *registry.Registry
	router *router.Router
	engine *broadcast.Engine
	hb     *heartbeat.Scheduler
	clock  func() time.Time

	mu       sync.Mutex
	running  bool
	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(cfg config.Config, logger *zap.Logger, reg *registry.Registry, rt *router.Router, engine *broadcast.Engine, hb *heartbeat.Scheduler) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		reg:    reg,
		router: rt,
		engine: engine,
		hb:     hb,
		clock:  time.Now,
	}
}

// Start binds the listener, starts the heartbeat scheduler and launches the
// accept loop. Calling Start while running logs a warning and returns nil.
// A bind failure is fatal to Start: the server stays stopped and the error
// is surfaced to the caller.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn("server already running", zap.String("addr", s.cfg.Server.Addr()))
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr(), err)
	}
	s.listener = ln
	s.running = true
	s.hb.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop halts the heartbeat scheduler, closes the listener and every
// registered connection, and waits for connection goroutines to exit within
// the drain timeout. Safe to call when already stopped.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Info("server already stopped")
		return
	}
	s.running = false

	// No more ticks before any socket goes down.
	s.hb.Stop()

	_ = s.listener.Close()
	s.listener = nil

	for _, c := range s.reg.Clear() {
		_ = c.WriteClose(time.Second)
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.Server.DrainTimeout):
		s.logger.Warn("drain timeout, abandoning connection goroutines")
	}

	s.logger.Info("server stopped",
		zap.Uint64("total_connections", s.reg.TotalAccepted()))
}

// Running reports the lifecycle state.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound listen address, or empty when stopped. Useful when
// the configured port is 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(c)
		}(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	if err := conn.SetDeadline(s.clock().Add(s.cfg.Server.HandshakeTimeout)); err != nil {
		conn.Close()
		return
	}
	if _, err := ws.Upgrade(conn); err != nil {
		s.logger.Debug("upgrade failed",
			zap.String("remote_addr", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	c := s.reg.Add(conn, conn.RemoteAddr().String())
	s.logger.Info("client connected",
		zap.Uint64("conn_id", c.ID), zap.String("remote_addr", c.RemoteAddr()))

	defer func() {
		s.reg.Remove(c.ID)
		c.Close()
		s.logger.Info("client disconnected", zap.Uint64("conn_id", c.ID))
	}()

	welcome := protocol.NewWelcome(s.cfg.WebSocket.WelcomeMessage, s.clock())
	if err := s.engine.Unicast(c, welcome); err != nil {
		// Unicast already evicted; nothing left to read from.
		return
	}

	s.readLoop(c, conn)
}

func (s *Server) readLoop(c *registry.Connection, conn net.Conn) {
	reader := wsutil.NewReader(conn, ws.StateServerSide)

	// Dead TCP peers eventually surface as read timeouts; clients are not
	// evicted for silence shorter than this backstop.
	readDeadline := 4 * s.cfg.Heartbeat.Interval

	for {
		if err := conn.SetReadDeadline(s.clock().Add(readDeadline)); err != nil {
			return
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read frame error",
					zap.Uint64("conn_id", c.ID), zap.Error(err))
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			_ = c.WriteClose(time.Second)
			return
		case ws.OpPing:
			if err := c.WritePong(s.cfg.WebSocket.WriteTimeout); err != nil {
				s.logger.Debug("write pong error",
					zap.Uint64("conn_id", c.ID), zap.Error(err))
				return
			}
		case ws.OpText, ws.OpBinary:
			if head.Length > s.cfg.WebSocket.MaxFrameBytes {
				if _, err := io.CopyN(io.Discard, reader, head.Length); err != nil {
					return
				}
				s.logger.Warn("oversized frame dropped",
					zap.Uint64("conn_id", c.ID), zap.Int64("length", head.Length))
				s.engine.Penalize(c, "oversized frame")
				continue
			}
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.logger.Debug("read frame data error",
					zap.Uint64("conn_id", c.ID), zap.Error(err))
				return
			}
			s.router.HandleFrame(c, payload)
		default:
			if _, err := io.CopyN(io.Discard, reader, head.Length); err != nil {
				return
			}
		}
	}
}
