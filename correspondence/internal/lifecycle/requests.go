package lifecycle

import (
	"encoding/json"
	"time"

	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/google/uuid"
)

// InitializeRequest creates a correspondence.
type InitializeRequest struct {
	ResourceID           string                     `json:"resource_id"`
	Sender               string                     `json:"sender"`
	Recipient            string                     `json:"recipient"`
	SendersReference     string                     `json:"senders_reference,omitempty"`
	VisibleFrom          time.Time                  `json:"visible_from"`
	DueDate              *time.Time                 `json:"due_date,omitempty"`
	IsConfirmationNeeded bool                       `json:"is_confirmation_needed"`
	AttachmentIDs        []uuid.UUID                `json:"attachment_ids,omitempty"`
	Notifications        []NotificationRequest      `json:"notifications,omitempty"`
	ExternalReferences   []models.ExternalReference `json:"external_references,omitempty"`
}

// NotificationRequest asks for a notification to be ordered for the recipient.
type NotificationRequest struct {
	RequestedSendTime time.Time       `json:"requested_send_time"`
	IsReminder        bool            `json:"is_reminder"`
	Template          json.RawMessage `json:"template,omitempty"`
}

func (r *InitializeRequest) validate() error {
	switch {
	case r.ResourceID == "":
		return apperr.InvalidInput("resource_id is required")
	case r.Sender == "":
		return apperr.InvalidInput("sender is required")
	case r.Recipient == "":
		return apperr.InvalidInput("recipient is required")
	case r.DueDate != nil && !r.VisibleFrom.IsZero() && r.DueDate.Before(r.VisibleFrom):
		return apperr.InvalidInput("due_date must not precede visible_from")
	}
	seen := make(map[uuid.UUID]bool, len(r.AttachmentIDs))
	for _, id := range r.AttachmentIDs {
		if seen[id] {
			return apperr.InvalidInput("attachment %s is listed twice", id)
		}
		seen[id] = true
	}
	return nil
}

// InitializeAttachmentRequest registers an attachment whose bytes live with
// a storage provider.
type InitializeAttachmentRequest struct {
	Sender          string     `json:"sender"`
	StorageProvider string     `json:"storage_provider"`
	ExpirationTime  *time.Time `json:"expiration_time,omitempty"`
}

// PurgeRequest purges a correspondence on behalf of a party.
type PurgeRequest struct {
	CorrespondenceID uuid.UUID     `json:"correspondence_id"`
	Status           models.Status `json:"status"`
	ActorID          *string       `json:"actor_id,omitempty"`
	Text             string        `json:"text,omitempty"`
}

// ConfirmRequest is the recipient's confirmation of a correspondence.
type ConfirmRequest struct {
	CorrespondenceID uuid.UUID `json:"correspondence_id"`
	ActorID          *string   `json:"actor_id,omitempty"`
}

// VerifyConfirmationRequest commits a confirmation once the dialog reflects it.
type VerifyConfirmationRequest struct {
	CorrespondenceID uuid.UUID `json:"correspondence_id"`
	ActorID          *string   `json:"actor_id,omitempty"`
}

// UpdateStatusRequest applies a recipient-driven status.
type UpdateStatusRequest struct {
	CorrespondenceID uuid.UUID     `json:"correspondence_id"`
	Status           models.Status `json:"status"`
	ActorID          *string       `json:"actor_id,omitempty"`
	Text             string        `json:"text,omitempty"`
}

// Statuses a recipient may set through UpdateStatus.
var recipientStatuses = map[models.Status]bool{
	models.StatusRead:         true,
	models.StatusConfirmed:    true,
	models.StatusArchived:     true,
	models.StatusMarkedUnread: true,
}
