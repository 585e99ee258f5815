package transport

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"parkwatch/internal/broadcast"
	"parkwatch/internal/config"
	"parkwatch/internal/heartbeat"
	"parkwatch/internal/protocol"
	"parkwatch/internal/registry"
	"parkwatch/internal/router"
)

type fakeSink struct {
	mu      sync.Mutex
	entries []string
	exits   []string
}

func (s *fakeSink) RecordEntry(plate, vehicleType string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, plate)
	return nil
}

func (s *fakeSink) RecordExit(plate string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits = append(s.exits, plate)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			Host:             "127.0.0.1",
			Port:             0,
			HandshakeTimeout: 5 * time.Second,
			DrainTimeout:     3 * time.Second,
		},
		WebSocket: config.WebSocketConfig{
			WriteTimeout:   2 * time.Second,
			ErrorThreshold: 3,
			MaxFrameBytes:  64 << 10,
			WelcomeMessage: "connected to parkwatch",
		},
		Heartbeat: config.HeartbeatConfig{Interval: time.Minute},
	}
}

type harness struct {
	server *Server
	reg    *registry.Registry
	sink   *fakeSink
}

func startTestServer(t *testing.T, cfg config.Config) *harness {
	t.Helper()

	logger := zap.NewNop()
	reg := registry.New()
	engine := broadcast.NewEngine(reg, logger, nil, cfg.WebSocket.WriteTimeout, cfg.WebSocket.ErrorThreshold)
	sink := &fakeSink{}
	rt := router.New(reg, sink, engine, logger, nil)
	hb := heartbeat.NewScheduler(cfg.Heartbeat.Interval, engine, logger, nil)
	server := NewServer(cfg, logger, reg, rt, engine, hb)

	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(server.Stop)

	return &harness{server: server, reg: reg, sink: sink}
}

// dial connects a gorilla client and consumes the welcome frame.
func dial(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+h.server.Addr(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	frame := readFrame(t, conn, 2*time.Second)
	if frame["type"] != protocol.TypeWelcome {
		t.Fatalf("first frame type = %v, want welcome", frame["type"])
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	return frame
}

// expectSilence fails if any frame arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(window))
	if _, payload, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no frame, got %s", payload)
	}
	_ = conn.SetReadDeadline(time.Time{})
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// End-to-end scenario: three clients connect, each gets a
// welcome, one reports an entry, all three see the broadcast, and Stop
// closes every socket.
func TestEntryBroadcastScenario(t *testing.T) {
	h := startTestServer(t, testConfig())

	a := dial(t, h)
	b := dial(t, h)
	c := dial(t, h)

	send(t, a, map[string]any{
		"type": "vehicle_entry", "plate_number": "B1234CD", "vehicle_type": "Car",
	})

	for _, conn := range []*websocket.Conn{a, b, c} {
		frame := readFrame(t, conn, 2*time.Second)
		if frame["type"] != protocol.TypeVehicleEntry {
			t.Fatalf("frame type = %v, want vehicle_entry", frame["type"])
		}
		if frame["plate_number"] != "B1234CD" {
			t.Fatalf("plate_number = %v, want B1234CD", frame["plate_number"])
		}
		if ts, ok := frame["entry_time"].(string); !ok || ts == "" {
			t.Fatalf("entry_time missing: %v", frame["entry_time"])
		}
	}

	h.sink.mu.Lock()
	persisted := len(h.sink.entries)
	h.sink.mu.Unlock()
	if persisted != 1 {
		t.Fatalf("ledger entries = %d, want 1", persisted)
	}

	h.server.Stop()

	for _, conn := range []*websocket.Conn{a, b, c} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err == nil {
			t.Fatal("client socket should observe closure after Stop")
		}
	}
}

func TestHeartbeatRoundTripIsUnicast(t *testing.T) {
	h := startTestServer(t, testConfig())

	a := dial(t, h)
	b := dial(t, h)

	send(t, a, map[string]any{"type": "heartbeat"})

	frame := readFrame(t, a, 2*time.Second)
	if frame["type"] != protocol.TypeHeartbeatAck {
		t.Fatalf("frame type = %v, want heartbeat_ack", frame["type"])
	}

	// The ack must not be broadcast.
	expectSilence(t, b, 200*time.Millisecond)
}

func TestPeriodicHeartbeatBroadcast(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat.Interval = 100 * time.Millisecond
	h := startTestServer(t, cfg)

	conn := dial(t, h)

	frame := readFrame(t, conn, 2*time.Second)
	if frame["type"] != protocol.TypeHeartbeat {
		t.Fatalf("frame type = %v, want heartbeat", frame["type"])
	}
}

func TestUnknownKindProducesNothing(t *testing.T) {
	h := startTestServer(t, testConfig())

	conn := dial(t, h)
	send(t, conn, map[string]any{"type": "ping"})
	send(t, conn, map[string]any{"type": "heartbeat"})

	// Frames are processed in receipt order, so the very next frame back
	// proves the unknown kind produced nothing and did not kill the
	// connection.
	frame := readFrame(t, conn, 2*time.Second)
	if frame["type"] != protocol.TypeHeartbeatAck {
		t.Fatalf("frame type = %v, want heartbeat_ack", frame["type"])
	}
	if got := h.reg.Len(); got != 1 {
		t.Fatalf("registry size = %d, want 1", got)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := startTestServer(t, testConfig())
	addr := h.server.Addr()

	if err := h.server.Start(); err != nil {
		t.Fatalf("second Start must be a logged no-op, got %v", err)
	}
	if got := h.server.Addr(); got != addr {
		t.Fatalf("second Start rebound the listener: %s -> %s", addr, got)
	}

	// One probe connect registers exactly once.
	dial(t, h)
	waitFor(t, func() bool { return h.reg.TotalAccepted() == 1 })
}

func TestStopIsIdempotent(t *testing.T) {
	h := startTestServer(t, testConfig())

	h.server.Stop()
	if h.server.Running() {
		t.Fatal("server still running after Stop")
	}
	h.server.Stop() // must not panic or block
}

func TestBindFailureIsFatalToStart(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer blocker.Close()

	cfg := testConfig()
	cfg.Server.Port = blocker.Addr().(*net.TCPAddr).Port

	logger := zap.NewNop()
	reg := registry.New()
	engine := broadcast.NewEngine(reg, logger, nil, cfg.WebSocket.WriteTimeout, cfg.WebSocket.ErrorThreshold)
	rt := router.New(reg, &fakeSink{}, engine, logger, nil)
	hb := heartbeat.NewScheduler(cfg.Heartbeat.Interval, engine, logger, nil)
	server := NewServer(cfg, logger, reg, rt, engine, hb)

	if err := server.Start(); err == nil {
		server.Stop()
		t.Fatal("Start must fail when the port is taken")
	}
	if server.Running() {
		t.Fatal("server must stay stopped after a bind failure")
	}
}

func TestClientCloseRemovesRegistration(t *testing.T) {
	h := startTestServer(t, testConfig())

	conn := dial(t, h)
	waitFor(t, func() bool { return h.reg.Len() == 1 })

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()

	waitFor(t, func() bool { return h.reg.Len() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached within 2s")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
