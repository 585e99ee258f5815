package registry

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"
)

// Connection is one live client session. The registry is the sole owner: a
// connection never outlives its registry entry. Liveness metadata
// (lastActivity, consecutiveErrors) is guarded by the registry mutex and
// mutated only through registry methods.
type Connection struct {
	ID         uint64
	remoteAddr string
	conn       net.Conn
	limiter    *rate.Limiter

	// writeMu serializes frame writes; heartbeat fan-out, event broadcasts
	// and unicast acks may target the same socket concurrently.
	writeMu   sync.Mutex
	closeOnce sync.Once

	lastActivity      time.Time
	consecutiveErrors int
}

// RemoteAddr reports the peer address, for diagnostics only.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// Allow reports whether an inbound frame is within the client's rate budget.
func (c *Connection) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// WriteText writes one text frame with a bounded deadline. An unbounded
// write on a stuck peer would stall the broadcast path, so the deadline is
// mandatory.
func (c *Connection) WriteText(payload []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, payload)
}

// WritePong answers a protocol-level ping.
func (c *Connection) WritePong(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpPong, nil)
}

// WriteClose sends a close frame, best-effort.
func (c *Connection) WriteClose(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
}

// Close shuts the underlying socket. Idempotent; racing closers from the
// read loop, broadcast eviction and server shutdown collapse into one.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
