package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/common/config"
	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/events"
)

// NATSMirror republishes every bus event onto a NATS subject so external
// consumers (metrics pipelines, audit collectors) can tap the stream without
// running inside the process. Delivery to NATS is best-effort; the in-process
// bus remains the source of truth.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
	sub    *Subscription
}

// NewNATSMirror connects to NATS with reconnection logic.
func NewNATSMirror(cfg config.NATSConfig, log *logger.Logger) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name("devrelay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "events"
	}

	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return &NATSMirror{
		conn:   conn,
		prefix: prefix,
		logger: log.WithFields(zap.String("component", "nats_mirror")),
	}, nil
}

// Attach subscribes the mirror to the bus with low priority so in-process
// consumers observe events first.
func (m *NATSMirror) Attach(b *Bus) error {
	sub, err := b.Subscribe(ForAll(), -100, m.forward)
	if err != nil {
		return err
	}
	m.sub = sub
	return nil
}

func (m *NATSMirror) forward(ctx context.Context, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", m.prefix, event.Category, event.Type)
	if err := m.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close detaches from the bus and drains the NATS connection.
func (m *NATSMirror) Close() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("NATS drain failed", zap.Error(err))
	}
}
