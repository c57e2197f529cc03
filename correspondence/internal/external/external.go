// Package external declares the collaborators the lifecycle engine calls out
// to. Each contract has an in-process variant in this package, used in
// development and tests, and a live variant in a subpackage.
package external

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrOrderRejected means the ordering service refused the order and will
	// keep refusing it.
	ErrOrderRejected = errors.New("notification order rejected")

	// ErrCancellationRejected means the order can no longer be cancelled,
	// typically because it was already sent.
	ErrCancellationRejected = errors.New("notification cancellation rejected")

	// ErrBlobNotFound means the storage provider holds no bytes for the
	// attachment.
	ErrBlobNotFound = errors.New("blob not found")
)

// OrderRequest asks the ordering service to notify a recipient.
type OrderRequest struct {
	NotificationID    uuid.UUID       `json:"notification_id"`
	CorrespondenceID  uuid.UUID       `json:"correspondence_id"`
	ResourceID        string          `json:"resource_id"`
	Recipient         string          `json:"recipient"`
	RequestedSendTime time.Time       `json:"requested_send_time"`
	IsReminder        bool            `json:"is_reminder"`
	Template          json.RawMessage `json:"template,omitempty"`
}

// OrderStatus is the delivery state reported by the ordering service.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSent      OrderStatus = "sent"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

// OrderSummary is the ordering service's view of one order.
type OrderSummary struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
	SentAt  *time.Time  `json:"sent_at,omitempty"`
}

// NotificationOrderingService places and tracks notification orders.
type NotificationOrderingService interface {
	CreateOrder(ctx context.Context, req OrderRequest) (string, error)
	Cancel(ctx context.Context, orderID string) error
	GetStatus(ctx context.Context, orderID string) (*OrderSummary, error)
}

// ActivityService is the dialog system holding the recipient-facing activity
// log of a correspondence. dialogID is the correspondence's dialog reference.
type ActivityService interface {
	RecordActivity(ctx context.Context, dialogID string, activity models.Activity) error
	// VerifyPatched reports whether the dialog already reflects kind.
	VerifyPatched(ctx context.Context, dialogID string, kind models.ActivityKind) (bool, error)
	HasActivity(ctx context.Context, dialogID string, kind models.ActivityKind, reference string) (bool, error)
	DeleteActivities(ctx context.Context, dialogID string) error
}

// EventPublisher delivers lifecycle events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// LegacyBridgeSync mirrors status changes into the legacy system.
type LegacyBridgeSync interface {
	SyncEvent(ctx context.Context, event models.LegacyEvent) error
}

// BlobPurger deletes attachment bytes from their storage provider.
type BlobPurger interface {
	Purge(ctx context.Context, attachmentID uuid.UUID, provider string) error
}

// OperatorAlerter notifies humans. Delivery is best effort.
type OperatorAlerter interface {
	Notify(ctx context.Context, title, message string) error
}
