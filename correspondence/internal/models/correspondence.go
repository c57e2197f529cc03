// Package models defines the persistent entities of the correspondence engine.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ReferenceType names the system an ExternalReference points into.
type ReferenceType string

const (
	ReferenceDialog ReferenceType = "dialog"
	ReferenceLegacy ReferenceType = "legacy"
)

// ExternalReference links a correspondence to an identifier in another system.
type ExternalReference struct {
	Type  ReferenceType `json:"type"`
	Value string        `json:"value"`
}

// Correspondence is a message addressed from a sender to a recipient.
// Statuses is append-only and ordered by timestamp.
type Correspondence struct {
	ID                   uuid.UUID           `json:"id"`
	ResourceID           string              `json:"resource_id"`
	Sender               string              `json:"sender"`
	Recipient            string              `json:"recipient"`
	SendersReference     string              `json:"senders_reference,omitempty"`
	VisibleFrom          time.Time           `json:"visible_from"`
	DueDate              *time.Time          `json:"due_date,omitempty"`
	IsConfirmationNeeded bool                `json:"is_confirmation_needed"`
	AttachmentIDs        []uuid.UUID         `json:"attachment_ids"`
	Notifications        []*Notification     `json:"notifications,omitempty"`
	ExternalReferences   []ExternalReference `json:"external_references,omitempty"`
	Statuses             []StatusEntry       `json:"statuses"`
	CreatedAt            time.Time           `json:"created_at"`
}

// Reference returns the value of the first external reference of type t.
func (c *Correspondence) Reference(t ReferenceType) (string, bool) {
	for _, ref := range c.ExternalReferences {
		if ref.Type == t {
			return ref.Value, true
		}
	}
	return "", false
}

// Attachment is a blob reference that may be shared by several correspondences.
type Attachment struct {
	ID              uuid.UUID               `json:"id"`
	Sender          string                  `json:"sender"`
	StorageProvider string                  `json:"storage_provider"`
	ExpirationTime  *time.Time              `json:"expiration_time,omitempty"`
	Statuses        []AttachmentStatusEntry `json:"statuses"`
	CreatedAt       time.Time               `json:"created_at"`
}

// Notification is an order to notify the recipient of a correspondence.
// OrderRequest holds the original request so the order can be replayed.
type Notification struct {
	ID                uuid.UUID       `json:"id"`
	CorrespondenceID  uuid.UUID       `json:"correspondence_id"`
	OrderID           *string         `json:"order_id,omitempty"`
	RequestedSendTime time.Time       `json:"requested_send_time"`
	OrderRequest      json.RawMessage `json:"order_request,omitempty"`
	IsReminder        bool            `json:"is_reminder"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	// AbandonedAt is set once the order is known never to be sent: it was
	// cancelled, or the ordering service gave up on it.
	AbandonedAt *time.Time `json:"abandoned_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IdempotencyAction names an action that must take effect at most once.
type IdempotencyAction string

const (
	ActionPublish             IdempotencyAction = "publish"
	ActionConfirm             IdempotencyAction = "confirm"
	ActionPurgeCorrespondence IdempotencyAction = "purge-correspondence"
	ActionPurgeAttachment     IdempotencyAction = "purge-attachment"
)

// IdempotencyKey records that an action was claimed for a correspondence
// (and optionally one of its attachments).
type IdempotencyKey struct {
	ID               uuid.UUID         `json:"id"`
	CorrespondenceID uuid.UUID         `json:"correspondence_id"`
	AttachmentID     *uuid.UUID        `json:"attachment_id,omitempty"`
	Action           IdempotencyAction `json:"action"`
	CreatedAt        time.Time         `json:"created_at"`
}
