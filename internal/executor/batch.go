package executor

import (
	"context"
	"strings"
	"time"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/repository"
	captemporal "github.com/contributor-info/capture-router/internal/temporal"
	"github.com/contributor-info/capture-router/internal/temporal/workflows"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
)

// WorkflowClient is the slice of the Temporal client the batch adapter
// uses; narrowed so tests can fake it.
type WorkflowClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	CancelWorkflow(ctx context.Context, workflowID, runID string) error
	DescribeWorkflowExecution(ctx context.Context, workflowID, runID string) (*workflowservice.DescribeWorkflowExecutionResponse, error)
}

// BatchExecutor dispatches jobs as Temporal workflows. The workflow's
// activities drive the job record forward; the executor additionally
// reconciles run state for jobs orphaned by crashes or lost signals.
type BatchExecutor struct {
	jobs         repository.JobRepository
	client       WorkflowClient
	pollInterval time.Duration
	logger       zerolog.Logger
}

func NewBatchExecutor(jobs repository.JobRepository, wfClient WorkflowClient, pollInterval time.Duration, logger zerolog.Logger) *BatchExecutor {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &BatchExecutor{
		jobs:         jobs,
		client:       wfClient,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "batch-executor").Logger(),
	}
}

func (e *BatchExecutor) Submit(ctx context.Context, job models.Job) error {
	current, err := e.jobs.Get(job.ID)
	if err != nil {
		return errors.Wrap(err, "load job before submit")
	}
	if current.Status != models.StatusPending {
		e.logger.Debug().Str("job", job.ID).Str("status", string(current.Status)).
			Msg("Job already submitted, skipping")
		return nil
	}

	options := client.StartWorkflowOptions{
		ID:        captemporal.CaptureWorkflowIDPrefix + job.ID,
		TaskQueue: captemporal.TaskQueueName,
	}
	params := captemporal.CaptureParams{
		JobID:          job.ID,
		RepositoryID:   job.RepositoryID,
		JobType:        string(job.Type),
		TimeRangeStart: job.TimeRangeStart,
		TimeRangeEnd:   job.TimeRangeEnd,
	}

	run, err := e.client.ExecuteWorkflow(ctx, options, workflows.CaptureWorkflow, params)
	if err != nil {
		msg := "batch backend rejected submission: " + err.Error()
		if _, ferr := e.jobs.Transition(job.ID, models.StatusPending, models.StatusFailed, repository.TransitionUpdate{Error: msg}); ferr != nil {
			e.logger.Error().Err(ferr).Str("job", job.ID).Msg("Failed to record submission failure")
		}
		return errors.Wrap(err, "start capture workflow")
	}

	runRef := run.GetID() + "/" + run.GetRunID()
	if err := e.jobs.SetExternalRunRef(job.ID, runRef); err != nil {
		e.logger.Error().Err(err).Str("job", job.ID).Msg("Failed to store external run ref")
	}

	ok, err := e.jobs.Transition(job.ID, models.StatusPending, models.StatusSubmitted, repository.TransitionUpdate{})
	if err != nil {
		return errors.Wrap(err, "mark job submitted")
	}
	if !ok {
		// The workflow already raced ahead (activities can mark running
		// before this update lands); that is fine.
		e.logger.Debug().Str("job", job.ID).Msg("Job advanced before submit transition")
	}

	e.logger.Info().Str("job", job.ID).Str("run_ref", runRef).
		Msg("Job dispatched to batch backend")
	return nil
}

// Cancel marks the job cancelled locally and best-effort cancels the
// external run. An external cancel failure is logged, not returned: the
// run finishing after the fact is harmless.
func (e *BatchExecutor) Cancel(ctx context.Context, job models.Job) error {
	if job.ExternalRunRef != nil {
		workflowID, runID := splitRunRef(*job.ExternalRunRef)
		if err := e.client.CancelWorkflow(ctx, workflowID, runID); err != nil {
			e.logger.Warn().Err(err).Str("job", job.ID).
				Msg("Failed to cancel external run, cancelling locally anyway")
		}
	}

	upd := repository.TransitionUpdate{Error: "cancelled by operator"}
	for _, from := range []models.JobStatus{models.StatusRunning, models.StatusSubmitted, models.StatusPending} {
		ok, err := e.jobs.Transition(job.ID, from, models.StatusCancelled, upd)
		if err != nil {
			return errors.Wrap(err, "cancel job")
		}
		if ok {
			return nil
		}
	}
	return errors.Wrapf(repository.ErrNotFound, "no cancellable job %s", job.ID)
}

// Run polls the batch backend on an interval and reconciles run state into
// the job store until the context is cancelled.
func (e *BatchExecutor) Run(ctx context.Context) error {
	e.logger.Info().Dur("interval", e.pollInterval).Msg("Batch reconciler started")
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Batch reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil {
				e.logger.Error().Err(err).Msg("Reconciliation pass failed")
			}
		}
	}
}

// Reconcile compares every non-terminal batch job against its external run
// and applies the externally observed outcome through conditional
// transitions. Results that no longer match a non-terminal job are
// discarded; recreating a terminal record would not be idempotent.
func (e *BatchExecutor) Reconcile(ctx context.Context) error {
	jobs, err := e.jobs.ListNonTerminal(models.BackendBatch)
	if err != nil {
		return errors.Wrap(err, "list non-terminal batch jobs")
	}

	for _, job := range jobs {
		if job.ExternalRunRef == nil {
			// Created but never dispatched; submission will retry or the
			// job will be cancelled by an operator.
			continue
		}
		if err := e.reconcileJob(ctx, job); err != nil {
			e.logger.Error().Err(err).Str("job", job.ID).Msg("Failed to reconcile job")
		}
	}
	return nil
}

func (e *BatchExecutor) reconcileJob(ctx context.Context, job models.Job) error {
	workflowID, runID := splitRunRef(*job.ExternalRunRef)
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID, runID)
	if err != nil {
		return errors.Wrap(err, "describe workflow execution")
	}
	info := resp.GetWorkflowExecutionInfo()
	if info == nil {
		return errors.New("describe returned no execution info")
	}

	switch info.GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		if job.Status == models.StatusSubmitted {
			if _, err := e.jobs.Transition(job.ID, models.StatusSubmitted, models.StatusRunning, repository.TransitionUpdate{}); err != nil {
				return err
			}
		}

	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		e.applyTerminal(job, models.StatusCompleted, repository.TransitionUpdate{})

	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		e.applyTerminal(job, models.StatusCancelled, repository.TransitionUpdate{Error: "external run cancelled"})

	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		e.applyTerminal(job, models.StatusFailed, repository.TransitionUpdate{
			Error: "external run ended as " + info.GetStatus().String(),
		})
	}
	return nil
}

func (e *BatchExecutor) applyTerminal(job models.Job, to models.JobStatus, upd repository.TransitionUpdate) {
	for _, from := range []models.JobStatus{models.StatusRunning, models.StatusSubmitted, models.StatusPending} {
		ok, err := e.jobs.Transition(job.ID, from, to, upd)
		if err != nil {
			e.logger.Error().Err(err).Str("job", job.ID).Msg("Failed to apply reconciled state")
			return
		}
		if ok {
			e.logger.Info().Str("job", job.ID).Str("status", string(to)).
				Msg("Reconciled external run state")
			return
		}
	}
	// Another writer completed the job first; the external result is
	// redundant, not drift.
	e.logger.Debug().Str("job", job.ID).Msg("Reconciled state already recorded")
}

func splitRunRef(ref string) (workflowID, runID string) {
	parts := strings.SplitN(ref, "/", 2)
	workflowID = parts[0]
	if len(parts) == 2 {
		runID = parts[1]
	}
	return workflowID, runID
}
