// Package bridge consumes domain events from a NATS subject tree and feeds
// them through the same persist-then-broadcast pipeline as direct WebSocket
// clients. Gate hardware that publishes through the broker needs no socket
// of its own.
package bridge

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"parkwatch/internal/config"
	"parkwatch/internal/router"
)

// Bridge holds the broker subscription. Disabled entirely when no URL is
// configured.
type Bridge struct {
	cfg    config.NATSConfig
	logger *zap.Logger
	router *router.Router

	nc  *nats.Conn
	sub *nats.Subscription
}

func New(cfg config.NATSConfig, rt *router.Router, logger *zap.Logger) *Bridge {
	return &Bridge{cfg: cfg, logger: logger, router: rt}
}

// Enabled reports whether a broker URL is configured.
func (b *Bridge) Enabled() bool { return b.cfg.URL != "" }

// Start connects and subscribes. A connect failure at startup is fatal, like
// a bind failure; once subscribed, delivery problems are logged and the
// client library reconnects on its own.
func (b *Bridge) Start() error {
	if !b.Enabled() {
		return nil
	}

	nc, err := nats.Connect(b.cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("bridge: connect %s: %w", b.cfg.URL, err)
	}
	b.nc = nc

	sub, err := nc.Subscribe(b.cfg.Subject, func(msg *nats.Msg) {
		b.router.HandleEvent(msg.Data)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("bridge: subscribe %s: %w", b.cfg.Subject, err)
	}
	b.sub = sub

	b.logger.Info("bridge subscribed",
		zap.String("url", b.cfg.URL), zap.String("subject", b.cfg.Subject))
	return nil
}

// Stop drains the subscription and closes the broker connection.
func (b *Bridge) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
	if b.nc != nil {
		b.nc.Close()
		b.nc = nil
	}
}
