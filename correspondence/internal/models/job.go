package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the state of a background job row.
type JobStatus string

const (
	// JobAwaiting jobs wait for their parent to succeed.
	JobAwaiting  JobStatus = "awaiting"
	JobEnqueued  JobStatus = "enqueued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further execution will happen.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// OriginMigrate marks work performed on behalf of a data migration. Jobs with
// this origin suppress outward notifications.
const OriginMigrate = "migrate"

// Job is a durable unit of background work stored next to the domain data.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Origin      string          `json:"origin,omitempty"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	ParentID    *uuid.UUID      `json:"parent_id,omitempty"`
	DedupeKey   *string         `json:"dedupe_key,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status JobStatus
	Type   string
	Limit  int
}
