// Package events publishes parking state changes and display
// actuations to NATS for downstream consumers (dashboards, billing,
// analytics). Publishing is fire and forget: a broker outage is logged
// and never blocks the state pipeline.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
)

const (
	SubjectStateChanged    = "parking.state.changed"
	SubjectDisplayActuated = "parking.display.actuated"

	connectTimeout = 5 * time.Second
	reconnectWait  = 2 * time.Second
	maxReconnects  = -1 // retry forever
)

// Publisher emits domain events to NATS. A nil Publisher is valid and
// publishes nothing, so callers never need to branch on whether
// eventing is configured.
type Publisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect dials the NATS server and returns a Publisher.
func Connect(url string, logger *slog.Logger) (*Publisher, error) {
	log := logger.With("component", "events")

	conn, err := nats.Connect(url,
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info("nats reconnected", "url", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "events", "Connect", "connecting to nats failed")
	}

	return &Publisher{conn: conn, logger: log}, nil
}

// StateChanged publishes a space state transition.
func (p *Publisher) StateChanged(ctx context.Context, rec *storage.StateChangeRecord) {
	p.publish(ctx, SubjectStateChanged, rec)
}

// DisplayActuated publishes a display actuation attempt, successful or
// not.
func (p *Publisher) DisplayActuated(ctx context.Context, rec *storage.ActuationRecord) {
	p.publish(ctx, SubjectDisplayActuated, rec)
}

// Close drains the connection, letting buffered publishes flush.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("draining nats connection failed", "error", err)
	}
}

func (p *Publisher) publish(ctx context.Context, subject string, event any) {
	if p == nil || p.conn == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "encoding event failed", "subject", subject, "error", err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.WarnContext(ctx, "publishing event failed", "subject", subject, "error", err)
	}
}
