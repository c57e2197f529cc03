package logging

import "log/slog"

// Field names shared by every component so log queries stay uniform.
const (
	FieldService          = "service"
	FieldComponent        = "component"
	FieldRequestID        = "request_id"
	FieldCorrespondenceID = "correspondence_id"
	FieldAttachmentID     = "attachment_id"
	FieldNotificationID   = "notification_id"
	FieldJobID            = "job_id"
	FieldJobType          = "job_type"
	FieldAttempt          = "attempt"
	FieldOrigin           = "origin"
	FieldStatus           = "status"
	FieldAction           = "action"
	FieldDuration         = "duration_ms"
	FieldError            = "error"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

func CorrespondenceID(id string) slog.Attr {
	return slog.String(FieldCorrespondenceID, id)
}

func AttachmentID(id string) slog.Attr {
	return slog.String(FieldAttachmentID, id)
}

func NotificationID(id string) slog.Attr {
	return slog.String(FieldNotificationID, id)
}

func JobID(id string) slog.Attr {
	return slog.String(FieldJobID, id)
}

func JobType(t string) slog.Attr {
	return slog.String(FieldJobType, t)
}

func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Origin returns the job origin attribute. An empty origin is logged as "default".
func Origin(origin string) slog.Attr {
	if origin == "" {
		origin = "default"
	}
	return slog.String(FieldOrigin, origin)
}

func Status(status string) slog.Attr {
	return slog.String(FieldStatus, status)
}

func Action(action string) slog.Attr {
	return slog.String(FieldAction, action)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error. A nil error logs as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
