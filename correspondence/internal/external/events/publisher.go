// Package events publishes lifecycle events to the JetStream event stream.
package events

import (
	"context"
	"encoding/json"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/common/messaging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/jobs"
	"github.com/courier-systems/courier-stack/correspondence/internal/metrics"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamPublisher is the durable publish half of the JetStream client.
type StreamPublisher interface {
	PublishSync(ctx context.Context, msg *messaging.Message, msgID string) (*jetstream.PubAck, error)
}

// Publisher implements external.EventPublisher.
type Publisher struct {
	stream StreamPublisher
	logger *logging.Logger
}

var _ external.EventPublisher = (*Publisher)(nil)

func NewPublisher(stream StreamPublisher, logger *logging.Logger) *Publisher {
	return &Publisher{stream: stream, logger: logger.WithComponent("events")}
}

// Publish sends e on its type's subject. The event ID is the message ID, so
// a job that publishes the same event twice within the stream's duplicate
// window delivers it once.
func (p *Publisher) Publish(ctx context.Context, e models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, err, "encode event %s", e.ID)
	}

	msg := &messaging.Message{
		Subject: messaging.EventSubject(e.Type),
		Data:    data,
		Metadata: map[string]string{
			messaging.HeaderEventType: e.Type,
		},
		Timestamp: e.OccurredAt,
	}
	if origin := jobs.OriginFrom(ctx); origin != "" {
		msg.Metadata[messaging.HeaderOrigin] = origin
	}

	ack, err := p.stream.PublishSync(ctx, msg, e.ID.String())
	if err != nil {
		metrics.ExternalCalls.WithLabelValues("events", "publish", "error").Inc()
		return apperr.External(err, "publish %s", e.Type)
	}
	metrics.ExternalCalls.WithLabelValues("events", "publish", "ok").Inc()

	if ack != nil && ack.Duplicate {
		p.logger.DebugContext(ctx, "event already in stream",
			"event_id", e.ID.String(),
			"type", e.Type,
			"sequence", ack.Sequence)
	}
	return nil
}
