package broadcast

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"parkwatch/internal/protocol"
	"parkwatch/internal/registry"
)

func newTestEngine(t *testing.T, reg *registry.Registry, writeTimeout time.Duration) *Engine {
	t.Helper()
	return NewEngine(reg, zap.NewNop(), nil, writeTimeout, DefaultErrorThreshold)
}

// addClient registers a pipe-backed connection and returns the client end.
func addClient(t *testing.T, reg *registry.Registry) (*registry.Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return reg.Add(server, "pipe"), client
}

// readFrames collects text frames from a client end until it closes.
func readFrames(client net.Conn, out chan<- []byte) {
	for {
		payload, err := wsutil.ReadServerText(client)
		if err != nil {
			return
		}
		out <- payload
	}
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	reg := registry.New()
	engine := newTestEngine(t, reg, time.Second)

	const clients = 3
	received := make(chan []byte, clients)
	for i := 0; i < clients; i++ {
		_, client := addClient(t, reg)
		go readFrames(client, received)
	}

	engine.Broadcast(protocol.NewVehicleEntryEvent("B1234CD", "Car", time.Now()))

	for i := 0; i < clients; i++ {
		select {
		case payload := <-received:
			msg, err := protocol.Decode(payload)
			if err != nil {
				t.Fatalf("client received malformed frame: %v", err)
			}
			entry, ok := msg.(protocol.VehicleEntryRequest)
			if !ok {
				t.Fatalf("client received %T, want vehicle_entry", msg)
			}
			if entry.PlateNumber != "B1234CD" || entry.VehicleType != "Car" {
				t.Fatalf("unexpected payload: %+v", entry)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("client %d never received the broadcast", i)
		}
	}
}

// A dead client must not block delivery to the others, and is evicted
// without surfacing an error.
func TestDeadConnectionEvictedDuringBroadcast(t *testing.T) {
	reg := registry.New()
	engine := newTestEngine(t, reg, time.Second)

	received := make(chan []byte, 4)
	var dead *registry.Connection
	for i := 0; i < 5; i++ {
		conn, client := addClient(t, reg)
		if i == 2 {
			dead = conn
			client.Close()
			continue
		}
		go readFrames(client, received)
	}

	engine.Broadcast(protocol.NewHeartbeat(time.Now()))

	for i := 0; i < 4; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("healthy client %d never received the broadcast", i)
		}
	}

	if got := reg.Len(); got != 4 {
		t.Fatalf("registry size after broadcast = %d, want 4", got)
	}
	if reg.RecordError(dead.ID) != 0 {
		t.Fatal("dead connection should have been removed from the registry")
	}
}

// A slow client earns a strike per timed-out write and is evicted at the
// third, not before.
func TestSlowConnectionEvictedAtThreshold(t *testing.T) {
	reg := registry.New()
	engine := newTestEngine(t, reg, 50*time.Millisecond)

	addClient(t, reg) // never reads: every write times out

	hb := protocol.NewHeartbeat(time.Now())
	engine.Broadcast(hb)
	engine.Broadcast(hb)
	if got := reg.Len(); got != 1 {
		t.Fatalf("connection evicted after 2 errors, want eviction at 3 (len=%d)", got)
	}

	engine.Broadcast(hb)
	if got := reg.Len(); got != 0 {
		t.Fatalf("connection still registered after 3 errors (len=%d)", got)
	}
}

func TestUnicastDeliversToSingleTarget(t *testing.T) {
	reg := registry.New()
	engine := newTestEngine(t, reg, time.Second)

	target, targetClient := addClient(t, reg)
	_, otherClient := addClient(t, reg)

	targetFrames := make(chan []byte, 1)
	otherFrames := make(chan []byte, 1)
	go readFrames(targetClient, targetFrames)
	go readFrames(otherClient, otherFrames)

	if err := engine.Unicast(target, protocol.NewHeartbeatAck(time.Now())); err != nil {
		t.Fatalf("Unicast: %v", err)
	}

	select {
	case payload := <-targetFrames:
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			t.Fatalf("target received malformed frame: %v", err)
		}
		if frame.Type != protocol.TypeHeartbeatAck {
			t.Fatalf("target received %q frame, want heartbeat_ack", frame.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("target never received the unicast")
	}

	select {
	case <-otherFrames:
		t.Fatal("unicast leaked to a non-target connection")
	case <-time.After(100 * time.Millisecond):
	}
}

// Parse failures share the transport-error budget.
func TestPenalizeEvictsAtThreshold(t *testing.T) {
	reg := registry.New()
	engine := newTestEngine(t, reg, time.Second)

	conn, _ := addClient(t, reg)

	engine.Penalize(conn, "parse failure")
	engine.Penalize(conn, "parse failure")
	if got := reg.Len(); got != 1 {
		t.Fatalf("evicted after 2 penalties, want 3 (len=%d)", got)
	}

	engine.Penalize(conn, "parse failure")
	if got := reg.Len(); got != 0 {
		t.Fatalf("still registered after 3 penalties (len=%d)", got)
	}
}

// A connection added while a broadcast is in flight sees the next broadcast,
// not the current one.
func TestSnapshotIsolation(t *testing.T) {
	reg := registry.New()
	engine := newTestEngine(t, reg, time.Second)

	_, firstClient := addClient(t, reg)
	firstFrames := make(chan []byte, 4)
	go readFrames(firstClient, firstFrames)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Broadcast(protocol.NewHeartbeat(time.Now()))
	}()
	wg.Wait()

	_, lateClient := addClient(t, reg)
	lateFrames := make(chan []byte, 4)
	go readFrames(lateClient, lateFrames)

	select {
	case <-lateFrames:
		t.Fatal("late connection received a broadcast from before it joined")
	case <-time.After(100 * time.Millisecond):
	}

	engine.Broadcast(protocol.NewHeartbeat(time.Now()))
	select {
	case <-lateFrames:
	case <-time.After(2 * time.Second):
		t.Fatal("late connection missed the broadcast after it joined")
	}
}
