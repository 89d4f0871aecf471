// Package dispatch orchestrates job intake: route, gate, persist, submit.
package dispatch

import (
	"context"
	"time"

	"github.com/contributor-info/capture-router/internal/executor"
	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/repository"
	"github.com/contributor-info/capture-router/internal/router"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// EligibilityChecker gates the hybrid routing decision per repository.
type EligibilityChecker interface {
	IsEligible(repositoryID string, category models.RepositoryCategory) bool
}

// CategorySource supplies the repository's current category tier.
type CategorySource interface {
	CategoryFor(repositoryID string) models.RepositoryCategory
}

// EnqueueRequest is a request to capture data for one repository.
type EnqueueRequest struct {
	RepositoryID   string               `json:"repository_id"`
	Type           models.JobType       `json:"type"`
	TriggerOrigin  models.TriggerOrigin `json:"trigger_origin"`
	ItemCount      int                  `json:"item_count"`
	DataAgeHours   float64              `json:"data_age_hours"`
	TimeRangeStart *time.Time           `json:"time_range_start,omitempty"`
	TimeRangeEnd   *time.Time           `json:"time_range_end,omitempty"`
}

func (r EnqueueRequest) validate() error {
	if r.RepositoryID == "" {
		return errors.New("repository_id is required")
	}
	if !r.Type.Valid() {
		return errors.Errorf("unrecognized job type %q", r.Type)
	}
	if !r.TriggerOrigin.Valid() {
		return errors.Errorf("unrecognized trigger origin %q", r.TriggerOrigin)
	}
	return nil
}

// Dispatcher routes each request to a backend, records the job, and hands it
// to the matching execution adapter. Submission happens off the request path;
// the caller gets the persisted pending job back immediately.
type Dispatcher struct {
	jobs       repository.JobRepository
	rollout    EligibilityChecker
	categories CategorySource
	realtime   executor.Executor
	batch      executor.Executor
	routerCfg  router.Config
	logger     zerolog.Logger
}

func NewDispatcher(
	jobs repository.JobRepository,
	rollout EligibilityChecker,
	categories CategorySource,
	realtime, batch executor.Executor,
	routerCfg router.Config,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		jobs:       jobs,
		rollout:    rollout,
		categories: categories,
		realtime:   realtime,
		batch:      batch,
		routerCfg:  routerCfg,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Enqueue routes and persists a capture job. A realtime decision only stands
// when the rollout admits the repository; otherwise the job is demoted to the
// batch path, which predates the hybrid routing and is always safe.
// A duplicate active (repository, type) pair returns repository.ErrConflict.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (models.Job, error) {
	return d.enqueue(ctx, req, 0, nil)
}

func (d *Dispatcher) enqueue(ctx context.Context, req EnqueueRequest, retryCount int, previousJobID *string) (models.Job, error) {
	if err := req.validate(); err != nil {
		return models.Job{}, err
	}

	decision := router.Decide(router.Request{
		RepositoryID:  req.RepositoryID,
		Type:          req.Type,
		DataAgeHours:  req.DataAgeHours,
		ItemCount:     req.ItemCount,
		TriggerOrigin: req.TriggerOrigin,
	}, d.routerCfg)

	category := d.categories.CategoryFor(req.RepositoryID)
	backend := decision.Backend
	reason := decision.Reason
	if backend == models.BackendRealtime && !d.rollout.IsEligible(req.RepositoryID, category) {
		backend = models.BackendBatch
		reason = "hybrid rollout does not admit repository, using batch path"
	}

	job := models.Job{
		RepositoryID:   req.RepositoryID,
		Type:           req.Type,
		Backend:        backend,
		Priority:       category.Priority,
		TriggerOrigin:  req.TriggerOrigin,
		ItemCount:      req.ItemCount,
		RouteReason:    reason,
		RetryCount:     retryCount,
		PreviousJobID:  previousJobID,
		TimeRangeStart: req.TimeRangeStart,
		TimeRangeEnd:   req.TimeRangeEnd,
	}

	created, err := d.jobs.Create(job)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return models.Job{}, err
		}
		return models.Job{}, errors.Wrap(err, "create job")
	}

	d.logger.Info().
		Str("job", created.ID).
		Str("repository", created.RepositoryID).
		Str("backend", string(created.Backend)).
		Str("reason", reason).
		Msg("Job enqueued")

	d.submitAsync(created)
	return created, nil
}

// submitAsync hands the job to its adapter off the request path. Submission
// failures are recorded on the job by the adapter, not surfaced to the
// enqueue caller.
func (d *Dispatcher) submitAsync(job models.Job) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.executorFor(job.Backend).Submit(ctx, job); err != nil {
			d.logger.Error().Err(err).Str("job", job.ID).Msg("Job submission failed")
		}
	}()
}

func (d *Dispatcher) executorFor(backend models.Backend) executor.Executor {
	if backend == models.BackendRealtime {
		return d.realtime
	}
	return d.batch
}

func (d *Dispatcher) GetStatus(jobID string) (models.Job, error) {
	return d.jobs.Get(jobID)
}

func (d *Dispatcher) List(filter repository.JobFilter) ([]models.Job, error) {
	return d.jobs.List(filter)
}

// Cancel routes a cancel to the job's adapter. Terminal jobs cannot be
// cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return errors.Errorf("job %s is already %s", jobID, job.Status)
	}
	return d.executorFor(job.Backend).Cancel(ctx, job)
}

// Retry enqueues a successor for a failed or cancelled job. The successor is
// re-routed from scratch: the data is older now and the rollout may have
// moved, so the original backend choice is not carried over.
func (d *Dispatcher) Retry(ctx context.Context, jobID string) (models.Job, error) {
	original, err := d.jobs.Get(jobID)
	if err != nil {
		return models.Job{}, err
	}
	if original.Status != models.StatusFailed && original.Status != models.StatusCancelled {
		return models.Job{}, errors.Errorf("job %s is %s, only failed or cancelled jobs can be retried", jobID, original.Status)
	}

	req := EnqueueRequest{
		RepositoryID:   original.RepositoryID,
		Type:           original.Type,
		TriggerOrigin:  models.TriggerAutomatic,
		ItemCount:      original.ItemCount,
		DataAgeHours:   time.Since(original.CreatedAt).Hours(),
		TimeRangeStart: original.TimeRangeStart,
		TimeRangeEnd:   original.TimeRangeEnd,
	}

	return d.enqueue(ctx, req, original.RetryCount+1, &original.ID)
}
