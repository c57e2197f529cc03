// Package messaging provides broker-neutral abstractions for publishing
// domain events.
package messaging

import (
	"context"
	"time"
)

// Message is a message sent to the broker.
type Message struct {
	Subject string
	Data    []byte

	// Metadata carries message headers.
	Metadata map[string]string

	Timestamp time.Time
}

// Publisher publishes messages to subjects.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishMsg(ctx context.Context, msg *Message) error
	Close() error
}

// Client is a Publisher with a connection the service reports on.
type Client interface {
	Publisher

	// Drain flushes pending publishes and closes the connection.
	Drain() error
	IsConnected() bool
}

// Header names set on published domain events.
const (
	HeaderEventType = "Event-Type"
	HeaderOrigin    = "Event-Origin"
)
