// Package registry is the single source of truth for which clients are
// currently connected.
package registry

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"parkwatch/internal/metrics"
)

// Registry tracks live connections and their liveness metadata. One mutex
// guards membership and metadata; snapshots copy then release, so no lock is
// ever held across network I/O.
type Registry struct {
	mu            sync.Mutex
	conns         map[uint64]*Connection
	nextID        uint64
	totalAccepted uint64

	rateLimit rate.Limit
	rateBurst int
	metrics   *metrics.Registry
	clock     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithRateLimit sets the per-connection inbound frame budget.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Registry) {
		r.rateLimit = rate.Limit(perSecond)
		r.rateBurst = burst
	}
}

// WithMetrics wires connection gauges and counters.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		conns: make(map[uint64]*Connection),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a freshly upgraded socket and returns its connection record.
// Never fails; bookkeeping only.
func (r *Registry) Add(conn net.Conn, remoteAddr string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.totalAccepted++

	c := &Connection{
		ID:           r.nextID,
		remoteAddr:   remoteAddr,
		conn:         conn,
		lastActivity: r.clock(),
	}
	if r.rateLimit > 0 {
		c.limiter = rate.NewLimiter(r.rateLimit, r.rateBurst)
	}
	r.conns[c.ID] = c

	if r.metrics != nil {
		r.metrics.Connections.Active.Inc()
		r.metrics.Connections.Accepted.Inc()
	}
	return c
}

// Remove deletes a connection if present and returns it. Removing an unknown
// id is a no-op returning nil.
func (r *Registry) Remove(id uint64) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return nil
	}
	delete(r.conns, id)
	c.lastActivity = time.Time{}
	c.consecutiveErrors = 0

	if r.metrics != nil {
		r.metrics.Connections.Active.Dec()
	}
	return c
}

// Snapshot returns a point-in-time copy of the live connection list.
// Connections added after the snapshot do not see in-flight broadcasts; the
// periodic heartbeat self-heals that gap.
func (r *Registry) Snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// MarkActivity refreshes the last-activity timestamp and clears the
// consecutive-error count.
func (r *Registry) MarkActivity(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[id]; ok {
		c.lastActivity = r.clock()
		c.consecutiveErrors = 0
	}
}

// RecordError increments the consecutive-error count and returns the new
// value so the caller can decide whether to evict. Unknown ids report zero.
func (r *Registry) RecordError(id uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return 0
	}
	c.consecutiveErrors++
	return c.consecutiveErrors
}

// LastActivity reports when the connection last produced an inbound frame.
func (r *Registry) LastActivity(id uint64) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return time.Time{}, false
	}
	return c.lastActivity, true
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// TotalAccepted reports the monotonic count of connections ever accepted.
func (r *Registry) TotalAccepted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalAccepted
}

// Clear removes every connection and returns them for closing. Used by
// server shutdown, which closes sockets outside the lock.
func (r *Registry) Clear() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		out = append(out, c)
		delete(r.conns, id)
		if r.metrics != nil {
			r.metrics.Connections.Active.Dec()
		}
	}
	return out
}
