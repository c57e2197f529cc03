package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types published to the event bus.
const (
	EventCorrespondenceInitialized   = "correspondence.initialized"
	EventCorrespondencePublished     = "correspondence.published"
	EventCorrespondencePublishFailed = "correspondence.publish_failed"
	EventCorrespondenceConfirmed     = "correspondence.confirmed"
	EventCorrespondencePurged        = "correspondence.purged"
	EventAttachmentPublished         = "attachment.published"
	EventAttachmentExpired           = "attachment.expired"
	EventAttachmentPurged            = "attachment.purged"
)

// Event is a lifecycle event addressed to one party.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	ResourceID string    `json:"resource_id"`
	ItemID     uuid.UUID `json:"item_id"`
	Subject    string    `json:"subject"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ActivityKind classifies an entry in the activity service.
type ActivityKind string

const (
	ActivityPublished        ActivityKind = "published"
	ActivityConfirmed        ActivityKind = "confirmed"
	ActivityPurged           ActivityKind = "purged"
	ActivityNotificationSent ActivityKind = "notification-sent"
)

// ActorType identifies who performed an activity.
type ActorType string

const (
	ActorSender    ActorType = "sender"
	ActorRecipient ActorType = "recipient"
	ActorService   ActorType = "service"
)

// Activity is a record in the external activity log.
// Reference identifies the sub-entity the activity is about, such as a
// notification, and is empty for activities about the correspondence itself.
type Activity struct {
	Kind      ActivityKind `json:"kind"`
	ActorType ActorType    `json:"actor_type"`
	ActorID   string       `json:"actor_id,omitempty"`
	Reference string       `json:"reference,omitempty"`
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
}

// LegacyEvent mirrors a status change into the legacy system.
type LegacyEvent struct {
	LegacyID  string    `json:"legacy_id"`
	PartyID   string    `json:"party_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
