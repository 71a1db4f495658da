package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted by the queue backend.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a unit of agent work. Data is opaque to the queue.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Data       json.RawMessage `json:"data"`
	Priority   int             `json:"priority"`
	Status     JobStatus       `json:"status"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	RunAt      *time.Time      `json:"run_at,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// QueueStats counts jobs per state for one queue.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}
