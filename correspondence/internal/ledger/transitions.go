// Package ledger enforces the append-only status histories of
// correspondences and attachments.
package ledger

import "github.com/courier-systems/courier-stack/correspondence/internal/models"

var postPublish = []models.Status{
	models.StatusRead,
	models.StatusConfirmed,
	models.StatusArchived,
}

var purges = []models.Status{
	models.StatusPurgedByRecipient,
	models.StatusPurgedByAltinn,
}

var correspondenceTransitions = map[models.Status][]models.Status{
	models.StatusInitialized:     {models.StatusReadyForPublish, models.StatusFailed},
	models.StatusReadyForPublish: {models.StatusPublished, models.StatusFailed},
	models.StatusPublished:       postPublish,
	models.StatusRead:            join(without(postPublish, models.StatusRead), []models.Status{models.StatusMarkedUnread}, purges),
	models.StatusConfirmed:       join(without(postPublish, models.StatusConfirmed), purges),
	models.StatusArchived:        join(without(postPublish, models.StatusArchived), purges),
	models.StatusMarkedUnread:    join(postPublish, purges),
}

var attachmentTransitions = map[models.AttachmentStatus][]models.AttachmentStatus{
	models.AttachmentInitialized: {models.AttachmentPublished, models.AttachmentPurged},
	models.AttachmentPublished:   {models.AttachmentPurged},
}

// CanTransition reports whether a correspondence may move from one status to another.
func CanTransition(from, to models.Status) bool {
	return contains(correspondenceTransitions[from], to)
}

// CanTransitionAttachment reports whether an attachment may move from one status to another.
func CanTransitionAttachment(from, to models.AttachmentStatus) bool {
	return contains(attachmentTransitions[from], to)
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s models.Status) bool {
	return len(correspondenceTransitions[s]) == 0
}

func contains[S comparable](list []S, s S) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func without(list []models.Status, drop models.Status) []models.Status {
	out := make([]models.Status, 0, len(list))
	for _, s := range list {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

func join(lists ...[]models.Status) []models.Status {
	var out []models.Status
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
