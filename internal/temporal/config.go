package temporal

import "time"

// TaskQueueName is the Temporal task queue for batch capture workflows.
const TaskQueueName = "CAPTURE_BATCH"

// CaptureWorkflowIDPrefix is the prefix used for capture workflow IDs; the
// suffix is the job ID, which also makes workflow starts idempotent per job.
const CaptureWorkflowIDPrefix = "capture-job-"

// DefaultActivityTimeout bounds a single capture activity attempt. Batch
// jobs page through a rate-limited API, so this is generous.
const DefaultActivityTimeout = 10 * time.Minute

// CaptureParams is the input for batch capture workflows.
type CaptureParams struct {
	JobID          string
	RepositoryID   string
	JobType        string
	TimeRangeStart *time.Time
	TimeRangeEnd   *time.Time
}

// FetchResult summarizes one capture run.
type FetchResult struct {
	ItemsProcessed int64
	APICalls       int
	RateLimited    bool
}
