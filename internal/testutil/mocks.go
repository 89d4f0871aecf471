// Package testutil provides in-memory implementations of the repository
// interfaces for tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/repository"
	"github.com/google/uuid"
)

// MemoryJobs is an in-memory JobRepository with the same conflict and
// conditional-transition semantics as the Postgres implementation.
type MemoryJobs struct {
	mu   sync.Mutex
	jobs map[string]models.Job

	// Err, when set, is returned by every method to simulate an outage.
	Err error
}

func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{jobs: make(map[string]models.Job)}
}

func (m *MemoryJobs) Create(job models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return job, m.Err
	}
	for _, existing := range m.jobs {
		if existing.RepositoryID == job.RepositoryID && existing.Type == job.Type && !existing.Status.Terminal() {
			return job, repository.ErrConflict
		}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.StatusPending
	job.CreatedAt = time.Now().UTC()
	m.jobs[job.ID] = job
	return job, nil
}

func (m *MemoryJobs) Get(jobID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return models.Job{}, m.Err
	}
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, repository.ErrNotFound
	}
	return job, nil
}

func (m *MemoryJobs) Transition(jobID string, from, to models.JobStatus, upd repository.TransitionUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	job, ok := m.jobs[jobID]
	if !ok || job.Status != from {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = to
	switch to {
	case models.StatusSubmitted:
		job.SubmittedAt = &now
	case models.StatusRunning:
		job.StartedAt = &now
	case models.StatusCompleted:
		job.CompletedAt = &now
		if upd.ItemsProcessed != nil {
			job.ItemsProcessed = upd.ItemsProcessed
		}
	case models.StatusFailed, models.StatusCancelled:
		job.CompletedAt = &now
		if upd.Error != "" {
			msg := upd.Error
			job.Error = &msg
		}
	}
	m.jobs[jobID] = job
	return true, nil
}

func (m *MemoryJobs) SetExternalRunRef(jobID, runRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	job, ok := m.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	job.ExternalRunRef = &runRef
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryJobs) List(filter repository.JobFilter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []models.Job
	for _, job := range m.jobs {
		if filter.RepositoryID != "" && job.RepositoryID != filter.RepositoryID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Backend != "" && job.Backend != filter.Backend {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (m *MemoryJobs) ListNonTerminal(backend models.Backend) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []models.Job
	for _, job := range m.jobs {
		if job.Backend == backend && !job.Status.Terminal() {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *MemoryJobs) ListRecentTerminal(window time.Duration, limit int) ([]models.HealthSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	cutoff := time.Now().Add(-window)
	var samples []models.HealthSample
	for _, job := range m.jobs {
		if !job.Status.Terminal() || job.CompletedAt == nil || job.CompletedAt.Before(cutoff) {
			continue
		}
		samples = append(samples, models.HealthSample{
			JobID:       job.ID,
			Backend:     job.Backend,
			Status:      job.Status,
			CompletedAt: *job.CompletedAt,
		})
		if limit > 0 && len(samples) >= limit {
			break
		}
	}
	return samples, nil
}

func (m *MemoryJobs) ListKnownRepositories() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, job := range m.jobs {
		if !seen[job.RepositoryID] {
			seen[job.RepositoryID] = true
			ids = append(ids, job.RepositoryID)
		}
	}
	return ids, nil
}

func (m *MemoryJobs) DailyStats(days int) (models.JobStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return models.JobStats{}, m.Err
	}
	var stats models.JobStats
	for _, job := range m.jobs {
		stats.Total++
		switch job.Status {
		case models.StatusCompleted:
			stats.Completed++
		case models.StatusFailed:
			stats.Failed++
		}
	}
	if terminal := stats.Completed + stats.Failed; terminal > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(terminal) * 100.0
	}
	return stats, nil
}

// Seed inserts a job directly, bypassing conflict checks. Test setup only.
func (m *MemoryJobs) Seed(job models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
}

// MemoryRollout is an in-memory RolloutRepository.
type MemoryRollout struct {
	mu     sync.Mutex
	cfg    models.RolloutConfig
	audits []models.RolloutAudit

	// GetErr simulates an unreachable config store.
	GetErr error
}

func NewMemoryRollout(cfg models.RolloutConfig) *MemoryRollout {
	if cfg.FeatureName == "" {
		cfg.FeatureName = "hybrid_capture"
	}
	if cfg.Strategy == "" {
		cfg.Strategy = models.StrategyPercentage
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	return &MemoryRollout{cfg: cfg}
}

func (m *MemoryRollout) Get(featureName string) (models.RolloutConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return models.RolloutConfig{}, m.GetErr
	}
	return m.cfg, nil
}

func (m *MemoryRollout) Save(cfg models.RolloutConfig) (models.RolloutConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.Version = m.cfg.Version + 1
	cfg.UpdatedAt = time.Now().UTC()
	m.cfg = cfg
	return cfg, nil
}

func (m *MemoryRollout) AppendAudit(entry models.RolloutAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.CreatedAt = time.Now().UTC()
	m.audits = append(m.audits, entry)
	return nil
}

func (m *MemoryRollout) ListAudit(featureName string, limit int) ([]models.RolloutAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RolloutAudit, len(m.audits))
	copy(out, m.audits)
	return out, nil
}

// Audits returns a copy of the appended audit entries.
func (m *MemoryRollout) Audits() []models.RolloutAudit {
	entries, _ := m.ListAudit("", 0)
	return entries
}

// MemoryCategories is an in-memory CategoryRepository.
type MemoryCategories struct {
	mu   sync.Mutex
	cats map[string]models.RepositoryCategory
}

func NewMemoryCategories() *MemoryCategories {
	return &MemoryCategories{cats: make(map[string]models.RepositoryCategory)}
}

func (m *MemoryCategories) Get(repositoryID string) (models.RepositoryCategory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cat, ok := m.cats[repositoryID]
	if !ok {
		return cat, repository.ErrNotFound
	}
	return cat, nil
}

func (m *MemoryCategories) Upsert(cat models.RepositoryCategory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cat.ComputedAt = time.Now().UTC()
	m.cats[cat.RepositoryID] = cat
	return nil
}

func (m *MemoryCategories) List() ([]models.RepositoryCategory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RepositoryCategory, 0, len(m.cats))
	for _, cat := range m.cats {
		out = append(out, cat)
	}
	return out, nil
}

func (m *MemoryCategories) PriorityDistribution() (map[int]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dist := make(map[int]int)
	for _, cat := range m.cats {
		dist[cat.Priority]++
	}
	return dist, nil
}

// StaticMetrics serves fixed repository metrics to the classifier.
type StaticMetrics struct {
	Data map[string]models.RepoMetrics
	Err  error
}

func (s *StaticMetrics) Metrics(_ context.Context, repositoryID string) (models.RepoMetrics, error) {
	if s.Err != nil {
		return models.RepoMetrics{}, s.Err
	}
	m, ok := s.Data[repositoryID]
	if !ok {
		return m, repository.ErrNotFound
	}
	return m, nil
}
