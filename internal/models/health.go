package models

import "time"

// HealthSample is one terminal job outcome inside the monitor's trailing
// window. Pending and running jobs never appear here.
type HealthSample struct {
	JobID       string    `json:"job_id" db:"id"`
	Backend     Backend   `json:"backend" db:"backend"`
	Status      JobStatus `json:"status" db:"status"`
	CompletedAt time.Time `json:"completed_at" db:"completed_at"`
}

type HealthAction string

const (
	HealthActionNone       HealthAction = "none"
	HealthActionRolledBack HealthAction = "rolled_back"
)

// BackendErrorRate breaks the window down per backend for dashboards.
type BackendErrorRate struct {
	Failed    int     `json:"failed"`
	Completed int     `json:"completed"`
	ErrorRate float64 `json:"error_rate"`
}

// HealthReport is the structured result of a health check. CheckHealth
// always produces one, even when the store read fails. ErrorRate and
// SampleSize cover the realtime population the rollout steers; Failed and
// Completed count the whole window.
type HealthReport struct {
	ErrorRate         float64                      `json:"error_rate"`
	SampleSize        int                          `json:"sample_size"`
	Failed            int                          `json:"failed"`
	Completed         int                          `json:"completed"`
	PerBackend        map[Backend]BackendErrorRate `json:"per_backend"`
	Action            HealthAction                 `json:"action"`
	ThresholdBreached bool                         `json:"threshold_breached"`
	Window            time.Duration                `json:"window_ns"`
	CheckedAt         time.Time                    `json:"checked_at"`
	Note              string                       `json:"note,omitempty"`
}
