package workflows

import (
	"fmt"
	"time"

	"github.com/contributor-info/capture-router/internal/temporal"
	"github.com/contributor-info/capture-router/internal/temporal/activities"
	"go.temporal.io/sdk/workflow"
)

// CaptureWorkflow drives one batch capture job: mark it running, page the
// data out of the external API, then record the terminal state. Every state
// change goes through the job store's conditional transitions, so a replayed
// or retried activity can never double-complete a job.
func CaptureWorkflow(ctx workflow.Context, params temporal.CaptureParams) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: temporal.DefaultActivityTimeout,
		HeartbeatTimeout:    30 * time.Second, // Fetch heartbeats once per page.
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	logger := workflow.GetLogger(ctx)
	logger.Info("Starting capture workflow", "JobID", params.JobID, "RepositoryID", params.RepositoryID)

	// Activity implementations live on the worker; this is just a proxy.
	var a *activities.Activities

	err := workflow.ExecuteActivity(ctx, a.MarkJobRunningActivity, params.JobID).Get(ctx, nil)
	if err != nil {
		logger.Error("Failed to mark job running.", "error", err)
		return err
	}

	var result temporal.FetchResult
	err = workflow.ExecuteActivity(ctx, a.FetchCaptureDataActivity, params).Get(ctx, &result)
	if err != nil {
		msg := fmt.Sprintf("capture fetch failed: %v", err)
		workflow.ExecuteActivity(ctx, a.FailJobActivity, params.JobID, msg).Get(ctx, nil)
		logger.Error("Capture fetch failed.", "error", err)
		return err
	}

	err = workflow.ExecuteActivity(ctx, a.CompleteJobActivity, params.JobID, result.ItemsProcessed).Get(ctx, nil)
	if err != nil {
		logger.Error("Failed to record completion.", "error", err)
		return err
	}

	logger.Info("Capture workflow completed.", "JobID", params.JobID, "Items", result.ItemsProcessed)
	return nil
}
