package models

import "time"

type JobType string

const (
	JobTypeSyncRecent     JobType = "sync-recent"
	JobTypeSyncHistorical JobType = "sync-historical"
	JobTypeBackfill       JobType = "backfill"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeSyncRecent, JobTypeSyncHistorical, JobTypeBackfill:
		return true
	}
	return false
}

type Backend string

const (
	BackendRealtime Backend = "realtime"
	BackendBatch    Backend = "batch"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusSubmitted JobStatus = "submitted"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs are never
// transitioned again; a retry creates a successor job instead.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type TriggerOrigin string

const (
	TriggerInteractive TriggerOrigin = "interactive"
	TriggerScheduled   TriggerOrigin = "scheduled"
	TriggerAutomatic   TriggerOrigin = "automatic"
)

func (o TriggerOrigin) Valid() bool {
	switch o {
	case TriggerInteractive, TriggerScheduled, TriggerAutomatic:
		return true
	}
	return false
}

// Job is one unit of capture work against the external API. The backend is
// decided once at creation time and never changes; the owning execution
// adapter drives status forward from there.
type Job struct {
	ID             string        `json:"id" db:"id"`
	RepositoryID   string        `json:"repository_id" db:"repository_id"`
	Type           JobType       `json:"type" db:"job_type"`
	Backend        Backend       `json:"backend" db:"backend"`
	Status         JobStatus     `json:"status" db:"status"`
	Priority       int           `json:"priority" db:"priority"`
	TriggerOrigin  TriggerOrigin `json:"trigger_origin" db:"trigger_origin"`
	ItemCount      int           `json:"item_count" db:"item_count"`
	RouteReason    string        `json:"route_reason" db:"route_reason"`
	RetryCount     int           `json:"retry_count" db:"retry_count"`
	PreviousJobID  *string       `json:"previous_job_id,omitempty" db:"previous_job_id"`
	ExternalRunRef *string       `json:"external_run_ref,omitempty" db:"external_run_ref"`
	Error          *string       `json:"error,omitempty" db:"error_message"`
	ItemsProcessed *int64        `json:"items_processed,omitempty" db:"items_processed"`
	TimeRangeStart *time.Time    `json:"time_range_start,omitempty" db:"time_range_start"`
	TimeRangeEnd   *time.Time    `json:"time_range_end,omitempty" db:"time_range_end"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	SubmittedAt    *time.Time    `json:"submitted_at,omitempty" db:"submitted_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

type JobStatDay struct {
	Day       time.Time `json:"day"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	Running   int       `json:"running"`
	Pending   int       `json:"pending"`
}

type JobStats struct {
	Total       int          `json:"total"`
	Completed   int          `json:"completed"`
	Failed      int          `json:"failed"`
	SuccessRate float64      `json:"success_rate"`
	PerDay      []JobStatDay `json:"per_day"`
}
