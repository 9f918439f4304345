package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventBus publishes store-change events to NATS and lets the governance
// engine subscribe to them.
//
// Subject convention: coordination.<entity>.<event>
// Event types: provider_created, flag_recorded, feedback_completed,
//              broadcast_awarded, broadcast_expired
//
// All publish operations are non-fatal. Errors are logged but never
// propagated, so event delivery failures never interrupt coordination
// operations.
type EventBus struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// Event is the JSON schema published to NATS.
type Event struct {
	Type       string         `json:"type"`
	ProviderID string         `json:"provider_id,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Subject constants for the coordination event stream.
const (
	SubjectProviderCreated   = "coordination.provider.created"
	SubjectFlagRecorded      = "coordination.flag.recorded"
	SubjectFeedbackCompleted = "coordination.feedback.completed"
	SubjectBroadcastAwarded  = "coordination.broadcast.awarded"
	SubjectBroadcastExpired  = "coordination.broadcast.expired"
)

// NewEventBus creates a bus backed by the given NATS connection. A nil
// connection yields a bus that drops events, which keeps local development
// working without a broker.
func NewEventBus(conn *nats.Conn, log zerolog.Logger) *EventBus {
	return &EventBus{conn: conn, log: log}
}

// Publish emits an event on the given subject. Never returns an error.
func (b *EventBus) Publish(ctx context.Context, subject string, event Event) {
	if b == nil || b.conn == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		b.log.Warn().Err(err).Str("subject", subject).Msg("eventbus: failed to marshal event")
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.log.Warn().Err(err).Str("subject", subject).Msg("eventbus: failed to publish (non-fatal)")
		return
	}
	b.log.Debug().Str("subject", subject).Str("type", event.Type).Msg("eventbus: event published")
}

// Subscribe registers a handler for a subject. Handler panics are not
// recovered here; handlers are expected to be small dispatch shims.
func (b *EventBus) Subscribe(subject string, handler func(Event)) error {
	if b == nil || b.conn == nil {
		return fmt.Errorf("eventbus: no NATS connection")
	}
	_, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("eventbus: bad event payload")
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("eventbus: subscribe %s: %w", subject, err)
	}
	return nil
}
