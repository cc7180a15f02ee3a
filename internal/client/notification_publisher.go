package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes trace events to NATS JetStream for the
// notification and dashboard consumers.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.sterilization.alert.opened
//
// All publish operations are non-fatal: errors are logged but never
// propagated to the caller, so notification failures never interrupt a
// recorded transition.
type NotificationPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	ActorID      string                 `json:"actor_id,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher connects to NATS. An empty url yields a disabled
// publisher whose Publish is a no-op.
func NewNotificationPublisher(url, prefix string, log zerolog.Logger) (*NotificationPublisher, error) {
	p := &NotificationPublisher{prefix: prefix, log: log}
	if url == "" {
		return p, nil
	}

	nc, err := nats.Connect(url,
		nats.Name("sterilization-trace"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	p.nc, p.js = nc, js
	return p, nil
}

// Enabled reports whether a NATS connection is configured.
func (p *NotificationPublisher) Enabled() bool {
	return p != nil && p.js != nil
}

// Publish sends one event. Subject: <prefix>.<event.EventType>
func (p *NotificationPublisher) Publish(ctx context.Context, event *NotificationEvent) {
	if !p.Enabled() {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, event.EventType)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("resource_id", event.ResourceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("resource_id", event.ResourceID).
		Msg("notification: event published")
}

// Close drains the NATS connection.
func (p *NotificationPublisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
