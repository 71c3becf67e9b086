package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/drivelane/fleettrust/internal/trust"
	"github.com/drivelane/fleettrust/pkg/logger"
)

// NATSNotifier publishes trust-change events for the activity feed and
// downstream consumers. Publishing is fire-and-forget.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

// Connect dials NATS and returns a notifier publishing on subject
func Connect(url, subject string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("fleettrust-notifier"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSNotifier{conn: conn, subject: subject}, nil
}

// TrustChanged publishes one trust-change event
func (n *NATSNotifier) TrustChanged(ctx context.Context, change trust.TrustChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to encode trust change: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("failed to publish trust change: %w", err)
	}
	return nil
}

// Conn exposes the underlying connection for health checks
func (n *NATSNotifier) Conn() *nats.Conn {
	return n.conn
}

// Close drains the connection
func (n *NATSNotifier) Close() {
	if n.conn != nil {
		_ = n.conn.Drain()
	}
}
