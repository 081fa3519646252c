package queue

import (
	"time"
)

// Status represents the broker-side state of a dispatch job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one asynchronous campaign-dispatch unit of work. Jobs are not
// deduplicated: enqueuing the same campaign twice creates two independent
// jobs, and callers are expected to prevent that themselves.
type Job struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaign_id"`
	OwnerID     string    `json:"owner_id"`
	Priority    int       `json:"priority"` // 0 (lowest) .. 9 (highest)
	Status      Status    `json:"status"`
	RunAt       time.Time `json:"run_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Stats holds per-status job counts.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}
