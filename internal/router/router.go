// Package router turns inbound frames into action: registry bookkeeping,
// ledger writes and outbound fan-out.
package router

import (
	"time"

	"go.uber.org/zap"

	"parkwatch/internal/ledger"
	"parkwatch/internal/metrics"
	"parkwatch/internal/protocol"
	"parkwatch/internal/registry"
)

// Sender is the outbound side the router hands events to.
type Sender interface {
	Broadcast(event protocol.Outbound)
	Unicast(conn *registry.Connection, event protocol.Outbound) error
	Penalize(conn *registry.Connection, reason string)
}

// Router dispatches parsed frames. Stateless across frames; the only
// per-connection protocol state lives in the registry.
type Router struct {
	reg     *registry.Registry
	sink    ledger.Sink
	out     Sender
	logger  *zap.Logger
	metrics *metrics.Registry
	clock   func() time.Time
}

func New(reg *registry.Registry, sink ledger.Sink, out Sender, logger *zap.Logger, m *metrics.Registry) *Router {
	return &Router{
		reg:     reg,
		sink:    sink,
		out:     out,
		logger:  logger,
		metrics: m,
		clock:   time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	return r
}

// HandleFrame processes one inbound frame from a connected client. Every
// failure mode is contained here: a bad frame degrades only itself, never
// the read loop or the process.
func (r *Router) HandleFrame(c *registry.Connection, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic handling frame",
				zap.Uint64("conn_id", c.ID), zap.Any("panic", rec))
		}
	}()

	if r.metrics != nil {
		r.metrics.Messages.Received.Inc()
	}

	if !c.Allow() {
		if r.metrics != nil {
			r.metrics.Messages.RateLimited.Inc()
		}
		r.logger.Warn("client rate limited, frame dropped",
			zap.Uint64("conn_id", c.ID), zap.String("remote_addr", c.RemoteAddr()))
		return
	}

	msg, err := protocol.Decode(payload)
	if err != nil {
		if r.metrics != nil {
			r.metrics.Messages.ParseErrors.Inc()
		}
		r.logger.Warn("frame parse failed",
			zap.Uint64("conn_id", c.ID), zap.Error(err))
		r.out.Penalize(c, "parse failure")
		return
	}

	switch m := msg.(type) {
	case protocol.HeartbeatRequest:
		r.reg.MarkActivity(c.ID)
		if err := r.out.Unicast(c, protocol.NewHeartbeatAck(r.clock())); err != nil {
			r.logger.Debug("heartbeat ack failed",
				zap.Uint64("conn_id", c.ID), zap.Error(err))
		}

	case protocol.VehicleEntryRequest:
		r.reg.MarkActivity(c.ID)
		r.handleEntry(m)

	case protocol.VehicleExitRequest:
		r.reg.MarkActivity(c.ID)
		r.handleExit(m)

	case protocol.Unknown:
		if r.metrics != nil {
			r.metrics.Messages.UnknownKinds.Inc()
		}
		r.logger.Warn("unknown message kind ignored",
			zap.Uint64("conn_id", c.ID), zap.String("kind", m.Kind))
	}
}

// HandleEvent processes a domain event arriving without an originating
// connection, e.g. from the broker bridge. Heartbeats and unknown kinds are
// ignored; there is no one to answer.
func (r *Router) HandleEvent(payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic handling upstream event", zap.Any("panic", rec))
		}
	}()

	msg, err := protocol.Decode(payload)
	if err != nil {
		if r.metrics != nil {
			r.metrics.Messages.ParseErrors.Inc()
		}
		r.logger.Warn("upstream event parse failed", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case protocol.VehicleEntryRequest:
		r.handleEntry(m)
	case protocol.VehicleExitRequest:
		r.handleExit(m)
	case protocol.Unknown:
		if r.metrics != nil {
			r.metrics.Messages.UnknownKinds.Inc()
		}
		r.logger.Warn("unknown upstream event kind ignored", zap.String("kind", m.Kind))
	}
}

// handleEntry persists an entry and, on success, broadcasts it with the
// server-assigned entry timestamp. Persistence failures skip the broadcast;
// the event is not retried and no error frame goes back to the client.
func (r *Router) handleEntry(m protocol.VehicleEntryRequest) {
	entryTime := r.clock()
	if err := r.sink.RecordEntry(m.PlateNumber, m.VehicleType, entryTime); err != nil {
		if r.metrics != nil {
			r.metrics.Messages.LedgerErrors.Inc()
		}
		r.logger.Error("entry persistence failed, broadcast skipped",
			zap.String("plate_number", m.PlateNumber), zap.Error(err))
		return
	}
	r.out.Broadcast(protocol.NewVehicleEntryEvent(m.PlateNumber, m.VehicleType, entryTime))
}

func (r *Router) handleExit(m protocol.VehicleExitRequest) {
	exitTime := r.clock()
	if err := r.sink.RecordExit(m.PlateNumber, exitTime); err != nil {
		if r.metrics != nil {
			r.metrics.Messages.LedgerErrors.Inc()
		}
		r.logger.Error("exit persistence failed, broadcast skipped",
			zap.String("plate_number", m.PlateNumber), zap.Error(err))
		return
	}
	r.out.Broadcast(protocol.NewVehicleExitEvent(m.PlateNumber, exitTime))
}
