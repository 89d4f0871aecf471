package repository

import (
	"database/sql"
	"time"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// TransitionUpdate carries the optional payload applied alongside a status
// transition.
type TransitionUpdate struct {
	Error          string
	ItemsProcessed *int64
}

// JobFilter narrows List results for the dashboard endpoints.
type JobFilter struct {
	RepositoryID string
	Status       models.JobStatus
	Backend      models.Backend
	Limit        int
	Offset       int
}

type JobRepository interface {
	// Create inserts a new pending job. It returns ErrConflict when a
	// non-terminal job already exists for the same (repository, type) pair;
	// the uniqueness is enforced by a partial unique index, not by locking.
	Create(job models.Job) (models.Job, error)
	Get(jobID string) (models.Job, error)

	// Transition conditionally moves a job from one status to another. It
	// returns false without error when the job is no longer in the expected
	// status, so concurrent adapters can race safely.
	Transition(jobID string, from, to models.JobStatus, upd TransitionUpdate) (bool, error)

	// SetExternalRunRef records the batch backend's run handle.
	SetExternalRunRef(jobID, runRef string) error

	List(filter JobFilter) ([]models.Job, error)
	ListNonTerminal(backend models.Backend) ([]models.Job, error)
	ListRecentTerminal(window time.Duration, limit int) ([]models.HealthSample, error)
	ListKnownRepositories() ([]string, error)
	DailyStats(days int) (models.JobStats, error)
}

type jobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) JobRepository {
	return &jobRepository{db: db}
}

const jobColumns = `
	id, repository_id, job_type, backend, status, priority, trigger_origin,
	item_count, route_reason, retry_count, previous_job_id, external_run_ref,
	error_message, items_processed, time_range_start, time_range_end,
	created_at, submitted_at, started_at, completed_at
`

func (r *jobRepository) Create(job models.Job) (models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.StatusPending

	query := `
		INSERT INTO capture.jobs (
			id, repository_id, job_type, backend, status, priority,
			trigger_origin, item_count, route_reason, retry_count,
			previous_job_id, time_range_start, time_range_end
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`
	err := r.db.QueryRow(query,
		job.ID,
		job.RepositoryID,
		job.Type,
		job.Backend,
		job.Status,
		job.Priority,
		job.TriggerOrigin,
		job.ItemCount,
		job.RouteReason,
		job.RetryCount,
		job.PreviousJobID,
		job.TimeRangeStart,
		job.TimeRangeEnd,
	).Scan(&job.CreatedAt)
	if err != nil {
		if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code == "23505" {
			return job, ErrConflict
		}
		return job, errors.Wrap(err, "insert job")
	}
	return job, nil
}

func (r *jobRepository) Get(jobID string) (models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM capture.jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRow(query, jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return job, ErrNotFound
		}
		return job, errors.Wrap(err, "get job")
	}
	return job, nil
}

func (r *jobRepository) Transition(jobID string, from, to models.JobStatus, upd TransitionUpdate) (bool, error) {
	var (
		query string
		args  []interface{}
	)

	switch to {
	case models.StatusSubmitted:
		query = `
			UPDATE capture.jobs
			   SET status = $1, submitted_at = NOW()
			 WHERE id = $2 AND status = $3
		`
		args = []interface{}{to, jobID, from}

	case models.StatusRunning:
		query = `
			UPDATE capture.jobs
			   SET status = $1, started_at = NOW()
			 WHERE id = $2 AND status = $3
		`
		args = []interface{}{to, jobID, from}

	case models.StatusCompleted:
		query = `
			UPDATE capture.jobs
			   SET status = $1, completed_at = NOW(),
			       items_processed = COALESCE($2, items_processed)
			 WHERE id = $3 AND status = $4
		`
		args = []interface{}{to, upd.ItemsProcessed, jobID, from}

	case models.StatusFailed:
		query = `
			UPDATE capture.jobs
			   SET status = $1, completed_at = NOW(),
			       error_message = NULLIF($2, '')
			 WHERE id = $3 AND status = $4
		`
		args = []interface{}{to, upd.Error, jobID, from}

	case models.StatusCancelled:
		query = `
			UPDATE capture.jobs
			   SET status = $1, completed_at = NOW(),
			       error_message = NULLIF($2, '')
			 WHERE id = $3 AND status = $4
		`
		args = []interface{}{to, upd.Error, jobID, from}

	default:
		return false, errors.Errorf("invalid target status %q", to)
	}

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return false, errors.Wrapf(err, "transition job %s %s->%s", jobID, from, to)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return affected == 1, nil
}

func (r *jobRepository) SetExternalRunRef(jobID, runRef string) error {
	query := `UPDATE capture.jobs SET external_run_ref = $1 WHERE id = $2`
	res, err := r.db.Exec(query, runRef, jobID)
	if err != nil {
		return errors.Wrap(err, "set external run ref")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *jobRepository) List(filter JobFilter) ([]models.Job, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	query := `
		SELECT ` + jobColumns + `
		FROM capture.jobs
		WHERE ($1 = '' OR repository_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR backend = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`
	rows, err := r.db.Query(query,
		filter.RepositoryID, string(filter.Status), string(filter.Backend),
		filter.Limit, filter.Offset)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, filter.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *jobRepository) ListNonTerminal(backend models.Backend) ([]models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM capture.jobs
		WHERE backend = $1
		  AND status IN ('pending', 'submitted', 'running')
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(query, backend)
	if err != nil {
		return nil, errors.Wrap(err, "list non-terminal jobs")
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *jobRepository) ListRecentTerminal(window time.Duration, limit int) ([]models.HealthSample, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT id, backend, status, completed_at
		FROM capture.jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at >= NOW() - $1::interval
		ORDER BY completed_at DESC
		LIMIT $2
	`
	interval := window.String()
	rows, err := r.db.Query(query, interval, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list recent terminal jobs")
	}
	defer rows.Close()

	var samples []models.HealthSample
	for rows.Next() {
		var s models.HealthSample
		if err := rows.Scan(&s.JobID, &s.Backend, &s.Status, &s.CompletedAt); err != nil {
			return nil, errors.Wrap(err, "scan health sample")
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func (r *jobRepository) ListKnownRepositories() ([]string, error) {
	query := `
		SELECT repository_id FROM capture.jobs
		UNION
		SELECT repository_id FROM capture.repository_categories
		UNION
		SELECT repository_id FROM capture.repository_metrics
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "list known repositories")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan repository id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *jobRepository) DailyStats(days int) (models.JobStats, error) {
	const query = `
		WITH days AS (
			SELECT generate_series(
				(current_date - ($1 - 1) * INTERVAL '1 day'),
				current_date,
				'1 day'::INTERVAL
			) AS day
		)
		SELECT
			days.day,
			COALESCE(SUM((j.status = 'completed')::int), 0) AS completed,
			COALESCE(SUM((j.status = 'failed')::int), 0)    AS failed,
			COALESCE(SUM((j.status = 'cancelled')::int), 0) AS cancelled,
			COALESCE(SUM((j.status = 'running')::int), 0)   AS running,
			COALESCE(SUM((j.status = 'pending')::int), 0)   AS pending
		FROM days
		LEFT JOIN capture.jobs j ON j.created_at::DATE = days.day
		GROUP BY days.day
		ORDER BY days.day
	`
	rows, err := r.db.Query(query, days)
	if err != nil {
		return models.JobStats{}, errors.Wrap(err, "daily stats query")
	}
	defer rows.Close()

	var stats models.JobStats
	for rows.Next() {
		var day models.JobStatDay
		if err := rows.Scan(&day.Day, &day.Completed, &day.Failed, &day.Cancelled, &day.Running, &day.Pending); err != nil {
			return models.JobStats{}, errors.Wrap(err, "scan daily stat")
		}
		stats.PerDay = append(stats.PerDay, day)
	}
	if err := rows.Err(); err != nil {
		return models.JobStats{}, err
	}

	const totalQuery = `
		SELECT
			COALESCE(COUNT(*), 0),
			COALESCE(SUM((status = 'completed')::int), 0),
			COALESCE(SUM((status = 'failed')::int), 0)
		FROM capture.jobs
	`
	if err := r.db.QueryRow(totalQuery).Scan(&stats.Total, &stats.Completed, &stats.Failed); err != nil {
		return models.JobStats{}, errors.Wrap(err, "total stats scan")
	}
	if terminal := stats.Completed + stats.Failed; terminal > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(terminal) * 100.0
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID,
		&job.RepositoryID,
		&job.Type,
		&job.Backend,
		&job.Status,
		&job.Priority,
		&job.TriggerOrigin,
		&job.ItemCount,
		&job.RouteReason,
		&job.RetryCount,
		&job.PreviousJobID,
		&job.ExternalRunRef,
		&job.Error,
		&job.ItemsProcessed,
		&job.TimeRangeStart,
		&job.TimeRangeEnd,
		&job.CreatedAt,
		&job.SubmittedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	return job, err
}
