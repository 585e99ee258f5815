// Package broadcast delivers serialized events to registered connections
// with graceful degradation: one slow or dead client never blocks the rest.
package broadcast

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"parkwatch/internal/metrics"
	"parkwatch/internal/protocol"
	"parkwatch/internal/registry"
)

// DefaultWriteTimeout bounds a single frame write. A peer that cannot accept
// a frame within this window is treated as failing.
const DefaultWriteTimeout = 5 * time.Second

// DefaultErrorThreshold is the consecutive-error count at which a connection
// is evicted.
const DefaultErrorThreshold = 3

// Engine serializes an event once and fans it out across a registry
// snapshot. Writes happen concurrently per connection, outside the registry
// lock.
type Engine struct {
	reg            *registry.Registry
	logger         *zap.Logger
	metrics        *metrics.Registry
	writeTimeout   time.Duration
	errorThreshold int
}

func NewEngine(reg *registry.Registry, logger *zap.Logger, m *metrics.Registry, writeTimeout time.Duration, errorThreshold int) *Engine {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if errorThreshold <= 0 {
		errorThreshold = DefaultErrorThreshold
	}
	return &Engine{
		reg:            reg,
		logger:         logger,
		metrics:        m,
		writeTimeout:   writeTimeout,
		errorThreshold: errorThreshold,
	}
}

// Broadcast delivers one event to every connection in the current snapshot.
// Delivery is best-effort; members added after the snapshot catch the next
// event. Encoding failures drop the event entirely.
func (e *Engine) Broadcast(event protocol.Outbound) {
	payload, err := protocol.Encode(event)
	if err != nil {
		e.logger.Error("broadcast encode failed",
			zap.String("kind", event.MessageType()), zap.Error(err))
		return
	}

	snapshot := e.reg.Snapshot()
	if e.metrics != nil {
		e.metrics.Messages.Broadcasts.Inc()
	}

	var wg sync.WaitGroup
	for _, conn := range snapshot {
		wg.Add(1)
		go func(c *registry.Connection) {
			defer wg.Done()
			e.send(c, payload)
		}(conn)
	}
	wg.Wait()
}

// Unicast delivers one event to exactly one connection, with the same
// serialize-once-then-bounded-write discipline as Broadcast.
func (e *Engine) Unicast(conn *registry.Connection, event protocol.Outbound) error {
	payload, err := protocol.Encode(event)
	if err != nil {
		return err
	}
	return e.send(conn, payload)
}

func (e *Engine) send(c *registry.Connection, payload []byte) error {
	err := c.WriteText(payload, e.writeTimeout)
	if err == nil {
		if e.metrics != nil {
			e.metrics.Messages.Sent.Inc()
		}
		return nil
	}

	if e.metrics != nil {
		e.metrics.Messages.WriteFailures.Inc()
	}

	// A deadline expiry means the peer is slow, not necessarily gone; it
	// earns a strike. Reset, EOF or a closed socket means the peer is dead
	// and the connection is evicted at once.
	if isTimeout(err) {
		count := e.reg.RecordError(c.ID)
		e.logger.Warn("write timed out",
			zap.Uint64("conn_id", c.ID),
			zap.String("remote_addr", c.RemoteAddr()),
			zap.Int("consecutive_errors", count))
		if count >= e.errorThreshold {
			e.evict(c, "error threshold reached")
		}
		return err
	}

	e.evict(c, "write failed: "+err.Error())
	return err
}

// Penalize records one failure against a connection and evicts it once the
// threshold is reached. Parse failures share the transport-error budget, so
// the router routes them through here.
func (e *Engine) Penalize(c *registry.Connection, reason string) {
	count := e.reg.RecordError(c.ID)
	if count >= e.errorThreshold {
		e.evict(c, reason)
	}
}

func (e *Engine) evict(c *registry.Connection, reason string) {
	if e.reg.Remove(c.ID) == nil {
		// Already evicted by a concurrent sender.
		return
	}
	c.Close()
	if e.metrics != nil {
		e.metrics.Connections.Evictions.Inc()
	}
	e.logger.Info("connection evicted",
		zap.Uint64("conn_id", c.ID),
		zap.String("remote_addr", c.RemoteAddr()),
		zap.String("reason", reason))
}

func isTimeout(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
