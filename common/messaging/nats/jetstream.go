package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/courier-systems/courier-stack/common/messaging"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamClient adds durable publishing to Client.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64

	// Duplicates is the window in which a repeated Nats-Msg-Id is dropped.
	Duplicates time.Duration

	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

// CorrespondenceEventsStream captures every lifecycle event.
var CorrespondenceEventsStream = StreamConfig{
	Name:       "CORRESPONDENCE_EVENTS",
	Subjects:   []string{messaging.SubjectCorrespondenceEventsAll},
	MaxAge:     7 * 24 * time.Hour,
	MaxBytes:   1024 * 1024 * 1024,
	MaxMsgs:    5_000_000,
	Duplicates: 24 * time.Hour,
	Retention:  jetstream.LimitsPolicy,
	Storage:    jetstream.FileStorage,
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{Client: client, js: js}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		MaxMsgs:    cfg.MaxMsgs,
		Duplicates: cfg.Duplicates,
		Retention:  cfg.Retention,
		Storage:    cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// PublishSync publishes msg and waits for the stream acknowledgment. A
// non-empty msgID lets the server drop redeliveries inside the stream's
// duplicate window.
func (c *JetStreamClient) PublishSync(ctx context.Context, msg *messaging.Message, msgID string) (*jetstream.PubAck, error) {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}

	ack, err := c.js.PublishMsg(ctx, toNATS(msg), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return ack, nil
}
