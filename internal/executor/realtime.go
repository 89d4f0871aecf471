package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/repository"
	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type RealtimeConfig struct {
	// EndpointURL is the event-driven executor's ingest endpoint.
	EndpointURL string `mapstructure:"endpoint_url"`
	// CallbackBaseURL is this service's externally reachable base URL for
	// completion callbacks.
	CallbackBaseURL string `mapstructure:"callback_base_url"`
	// CompletionTimeout is the wall-clock ceiling the adapter enforces; a
	// job with no completion signal by then is marked failed.
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`
}

// RealtimeExecutor submits jobs to the event-driven backend with a
// fire-and-forget POST and waits for an asynchronous completion callback.
type RealtimeExecutor struct {
	jobs       repository.JobRepository
	httpClient *http.Client
	cfg        RealtimeConfig
	signingKey []byte
	logger     zerolog.Logger
}

func NewRealtimeExecutor(jobs repository.JobRepository, httpClient *http.Client, cfg RealtimeConfig, signingKey []byte, logger zerolog.Logger) *RealtimeExecutor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 2 * time.Minute
	}
	return &RealtimeExecutor{
		jobs:       jobs,
		httpClient: httpClient,
		cfg:        cfg,
		signingKey: signingKey,
		logger:     logger.With().Str("component", "realtime-executor").Logger(),
	}
}

type realtimePayload struct {
	JobID          string     `json:"job_id"`
	RepositoryID   string     `json:"repository_id"`
	JobType        string     `json:"job_type"`
	TimeRangeStart *time.Time `json:"time_range_start,omitempty"`
	TimeRangeEnd   *time.Time `json:"time_range_end,omitempty"`
	CallbackURL    string     `json:"callback_url"`
	CallbackToken  string     `json:"callback_token"`
}

func (e *RealtimeExecutor) Submit(ctx context.Context, job models.Job) error {
	current, err := e.jobs.Get(job.ID)
	if err != nil {
		return errors.Wrap(err, "load job before submit")
	}
	if current.Status != models.StatusPending {
		e.logger.Debug().Str("job", job.ID).Str("status", string(current.Status)).
			Msg("Job already submitted, skipping")
		return nil
	}

	ok, err := e.jobs.Transition(job.ID, models.StatusPending, models.StatusSubmitted, repository.TransitionUpdate{})
	if err != nil {
		return errors.Wrap(err, "mark job submitted")
	}
	if !ok {
		// A concurrent submitter won the race; their submission stands.
		return nil
	}

	token, err := e.callbackToken(job.ID)
	if err != nil {
		e.fail(job.ID, models.StatusSubmitted, "callback token generation failed: "+err.Error())
		return errors.Wrap(err, "generate callback token")
	}

	payload := realtimePayload{
		JobID:          job.ID,
		RepositoryID:   job.RepositoryID,
		JobType:        string(job.Type),
		TimeRangeStart: job.TimeRangeStart,
		TimeRangeEnd:   job.TimeRangeEnd,
		CallbackURL:    fmt.Sprintf("%s/api/jobs/%s/complete", e.cfg.CallbackBaseURL, job.ID),
		CallbackToken:  token,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal realtime payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build realtime request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.fail(job.ID, models.StatusSubmitted, "realtime backend unreachable: "+err.Error())
		return errors.Wrap(err, "submit to realtime backend")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("realtime backend rejected submission: %s", resp.Status)
		e.fail(job.ID, models.StatusSubmitted, msg)
		return errors.New(msg)
	}

	e.scheduleTimeout(job.ID)
	e.logger.Info().Str("job", job.ID).Str("repository", job.RepositoryID).
		Msg("Job submitted to realtime backend")
	return nil
}

// scheduleTimeout enforces the completion ceiling for jobs submitted by this
// process. If the completion signal arrives first, the conditional
// transitions in expire observe a terminal status and no-op.
func (e *RealtimeExecutor) scheduleTimeout(jobID string) {
	time.AfterFunc(e.cfg.CompletionTimeout, func() {
		e.expire(jobID)
	})
}

// expire marks an overdue job failed. The loser of a race with a completion
// signal never needs cleanup.
func (e *RealtimeExecutor) expire(jobID string) {
	upd := repository.TransitionUpdate{Error: "timeout"}
	for _, from := range []models.JobStatus{models.StatusRunning, models.StatusSubmitted} {
		ok, err := e.jobs.Transition(jobID, from, models.StatusFailed, upd)
		if err != nil {
			e.logger.Error().Err(err).Str("job", jobID).Msg("Failed to expire job")
			return
		}
		if ok {
			e.logger.Warn().Str("job", jobID).
				Dur("timeout", e.cfg.CompletionTimeout).
				Msg("Realtime job timed out")
			return
		}
	}
}

// Run sweeps for overdue realtime jobs until the context is cancelled. The
// in-process timers die with the process; the sweep picks up jobs they
// orphaned, so a submitted or running job never outlives the ceiling by more
// than one interval across restarts.
func (e *RealtimeExecutor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil {
				e.logger.Error().Err(err).Msg("Realtime expiry sweep failed")
			}
		}
	}
}

// Reconcile expires every non-terminal realtime job whose completion ceiling
// has passed, measured from submission time.
func (e *RealtimeExecutor) Reconcile(ctx context.Context) error {
	jobs, err := e.jobs.ListNonTerminal(models.BackendRealtime)
	if err != nil {
		return errors.Wrap(err, "list non-terminal realtime jobs")
	}

	now := time.Now()
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if job.Status == models.StatusPending {
			// Not dispatched yet; the ceiling starts at submission.
			continue
		}
		since := job.CreatedAt
		if job.SubmittedAt != nil {
			since = *job.SubmittedAt
		}
		if now.Sub(since) > e.cfg.CompletionTimeout {
			e.expire(job.ID)
		}
	}
	return nil
}

// HandleCompletion reconciles an asynchronous completion signal into the job
// record. It returns ErrDrift when no non-terminal record matches.
func (e *RealtimeExecutor) HandleCompletion(jobID string, outcome CompletionOutcome) error {
	switch outcome.Status {
	case models.StatusRunning:
		ok, err := e.jobs.Transition(jobID, models.StatusSubmitted, models.StatusRunning, repository.TransitionUpdate{})
		if err != nil {
			return errors.Wrap(err, "mark job running")
		}
		if !ok {
			// Running signals can arrive late or twice; not drift.
			e.logger.Debug().Str("job", jobID).Msg("Stale running signal ignored")
		}
		return nil

	case models.StatusCompleted, models.StatusFailed:
		upd := repository.TransitionUpdate{Error: outcome.Error, ItemsProcessed: outcome.ItemsProcessed}
		for _, from := range []models.JobStatus{models.StatusRunning, models.StatusSubmitted} {
			ok, err := e.jobs.Transition(jobID, from, outcome.Status, upd)
			if err != nil {
				return errors.Wrap(err, "apply completion")
			}
			if ok {
				e.logger.Info().Str("job", jobID).Str("status", string(outcome.Status)).
					Msg("Realtime job completed")
				return nil
			}
		}
		return errors.Wrapf(ErrDrift, "job %s", jobID)

	default:
		return errors.Errorf("unrecognized completion status %q", outcome.Status)
	}
}

func (e *RealtimeExecutor) Cancel(ctx context.Context, job models.Job) error {
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

func (e *RealtimeExecutor) fail(jobID string, from models.JobStatus, msg string) {
	if _, err := e.jobs.Transition(jobID, from, models.StatusFailed, repository.TransitionUpdate{Error: msg}); err != nil {
		e.logger.Error().Err(err).Str("job", jobID).Msg("Failed to record submission failure")
	}
}

type callbackClaims struct {
	JobID string `json:"job_id"`
	jwt.RegisteredClaims
}

func (e *RealtimeExecutor) callbackToken(jobID string) (string, error) {
	claims := callbackClaims{
		JobID: jobID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   jobID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.signingKey)
}

// VerifyCallbackToken checks a completion callback's bearer token and that
// it was minted for the job it is completing.
func (e *RealtimeExecutor) VerifyCallbackToken(tokenString, jobID string) error {
	claims := &callbackClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return e.signingKey, nil
	})
	if err != nil {
		return errors.Wrap(err, "parse callback token")
	}
	if !token.Valid || claims.JobID != jobID {
		return errors.New("callback token does not match job")
	}
	return nil
}
