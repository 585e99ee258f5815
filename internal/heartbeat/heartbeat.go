// Package heartbeat pushes periodic liveness probes to every registered
// connection.
package heartbeat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"parkwatch/internal/metrics"
	"parkwatch/internal/protocol"
)

// DefaultInterval matches the reference cadence of the gate dashboards.
const DefaultInterval = 30 * time.Second

// Broadcaster is the fan-out path a tick hands its frame to.
type Broadcaster interface {
	Broadcast(event protocol.Outbound)
}

// Scheduler broadcasts one heartbeat frame per tick. It holds no connection
// state of its own; each tick borrows the registry snapshot through the
// broadcaster. Eviction is driven by write failures, not by heartbeat
// silence.
type Scheduler struct {
	interval time.Duration
	out      Broadcaster
	logger   *zap.Logger
	metrics  *metrics.Registry
	clock    func() time.Time

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewScheduler(interval time.Duration, out Broadcaster, logger *zap.Logger, m *metrics.Registry) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval: interval,
		out:      out,
		logger:   logger,
		metrics:  m,
		clock:    time.Now,
	}
}

// Start launches the tick loop. Calling Start while running is a no-op that
// logs a warning; the scheduler never double-fires.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn("heartbeat scheduler already running")
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)

	s.logger.Info("heartbeat scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the tick loop and waits for the in-flight tick, if any, to
// finish. No tick fires after Stop returns. Safe to call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stop)
	<-s.done
	s.running = false

	s.logger.Info("heartbeat scheduler stopped")
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.out.Broadcast(protocol.NewHeartbeat(s.clock()))
			if s.metrics != nil {
				s.metrics.Messages.HeartbeatsSent.Inc()
			}
		}
	}
}
