package models

import "time"

// Status is a correspondence lifecycle status.
type Status string

const (
	StatusInitialized       Status = "Initialized"
	StatusReadyForPublish   Status = "ReadyForPublish"
	StatusPublished         Status = "Published"
	StatusRead              Status = "Read"
	StatusConfirmed         Status = "Confirmed"
	StatusArchived          Status = "Archived"
	StatusMarkedUnread      Status = "MarkedUnread"
	StatusPurgedByRecipient Status = "PurgedByRecipient"
	StatusPurgedByAltinn    Status = "PurgedByAltinn"
	StatusFailed            Status = "Failed"
)

// IsPurged reports whether s is one of the purge statuses.
func (s Status) IsPurged() bool {
	return s == StatusPurgedByRecipient || s == StatusPurgedByAltinn
}

// AttachmentStatus is an attachment lifecycle status.
type AttachmentStatus string

const (
	AttachmentInitialized AttachmentStatus = "Initialized"
	AttachmentPublished   AttachmentStatus = "Published"
	AttachmentPurged      AttachmentStatus = "Purged"
)

// Entry is one immutable row of a status ledger.
type Entry[S ~string] struct {
	Status    S         `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text,omitempty"`
	ActorID   *string   `json:"actor_id,omitempty"`
}

type (
	StatusEntry           = Entry[Status]
	AttachmentStatusEntry = Entry[AttachmentStatus]
)
