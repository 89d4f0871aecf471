// Package executor contains the two backend adapters. Both are idempotent at
// the submission boundary: submitting a job whose record has already moved
// past pending is a no-op, which guards against at-least-once delivery of
// the run signal.
package executor

import (
	"context"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/pkg/errors"
)

// ErrDrift means a completion signal arrived for a job with no matching
// non-terminal record, e.g. after a crash. The external result is discarded;
// resurrecting a terminal job would break the lifecycle invariant.
var ErrDrift = errors.New("completion signal without a matching non-terminal job")

type Executor interface {
	// Submit hands the job to the backend and advances its record to
	// submitted. Safe to call more than once for the same job.
	Submit(ctx context.Context, job models.Job) error

	// Cancel stops the job locally and, where the backend supports it,
	// best-effort cancels the external run. Failure to cancel the external
	// run never blocks the local cancellation.
	Cancel(ctx context.Context, job models.Job) error
}

// CompletionOutcome is the normalized completion signal a backend delivers.
type CompletionOutcome struct {
	Status         models.JobStatus `json:"status"`
	Error          string           `json:"error,omitempty"`
	ItemsProcessed *int64           `json:"items_processed,omitempty"`
}
