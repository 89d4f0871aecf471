package health

import (
	"fmt"
	"testing"
	"time"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/rollout"
	"github.com/contributor-info/capture-router/internal/testutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTerminal(jobs *testutil.MemoryJobs, completed, failed int) {
	now := time.Now().UTC()
	for i := 0; i < completed; i++ {
		jobs.Seed(models.Job{
			ID:           fmt.Sprintf("completed-%d", i),
			RepositoryID: fmt.Sprintf("repo/c%d", i),
			Type:         models.JobTypeSyncRecent,
			Backend:      models.BackendRealtime,
			Status:       models.StatusCompleted,
			CompletedAt:  &now,
		})
	}
	for i := 0; i < failed; i++ {
		jobs.Seed(models.Job{
			ID:           fmt.Sprintf("failed-%d", i),
			RepositoryID: fmt.Sprintf("repo/f%d", i),
			Type:         models.JobTypeSyncRecent,
			Backend:      models.BackendRealtime,
			Status:       models.StatusFailed,
			CompletedAt:  &now,
		})
	}
}

func newMonitor(t *testing.T, jobs *testutil.MemoryJobs, cfg models.RolloutConfig) (*Monitor, *testutil.MemoryRollout) {
	t.Helper()
	repo := testutil.NewMemoryRollout(cfg)
	ctrl := rollout.NewController(repo, testutil.NewMemoryCategories(), rollout.FeatureHybridCapture, time.Millisecond, zerolog.Nop())
	m := NewMonitor(jobs, ctrl, Config{Window: time.Hour, MinSamples: 20, MaxSamples: 1000}, zerolog.Nop())
	return m, repo
}

func TestCheckHealthTriggersRollback(t *testing.T) {
	jobs := testutil.NewMemoryJobs()
	seedTerminal(jobs, 20, 10) // 33% error rate over 30 samples

	m, repo := newMonitor(t, jobs, models.RolloutConfig{
		Percentage:          50,
		MaxErrorRate:        0.2,
		AutoRollbackEnabled: true,
	})

	report := m.CheckHealth()
	assert.Equal(t, 30, report.SampleSize)
	assert.InDelta(t, 0.333, report.ErrorRate, 0.01)
	assert.True(t, report.ThresholdBreached)
	assert.Equal(t, models.HealthActionRolledBack, report.Action)

	cfg, err := repo.Get(rollout.FeatureHybridCapture)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Percentage, "rollback is one-shot to zero, not gradual")
	assert.True(t, cfg.AutoRolledBack)

	audits := repo.Audits()
	require.Len(t, audits, 1)
	assert.Contains(t, audits[0].Reason, "30 samples")
}

func TestCheckHealthSmallSampleIsNoOp(t *testing.T) {
	jobs := testutil.NewMemoryJobs()
	seedTerminal(jobs, 0, 5) // 100% failure but only 5 samples

	m, repo := newMonitor(t, jobs, models.RolloutConfig{
		Percentage:          50,
		MaxErrorRate:        0.2,
		AutoRollbackEnabled: true,
	})

	report := m.CheckHealth()
	assert.Equal(t, models.HealthActionNone, report.Action)
	assert.False(t, report.ThresholdBreached)

	cfg, err := repo.Get(rollout.FeatureHybridCapture)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Percentage)
}

func TestCheckHealthHealthyWindow(t *testing.T) {
	jobs := testutil.NewMemoryJobs()
	seedTerminal(jobs, 28, 2)

	m, _ := newMonitor(t, jobs, models.RolloutConfig{
		Percentage:          50,
		MaxErrorRate:        0.2,
		AutoRollbackEnabled: true,
	})

	report := m.CheckHealth()
	assert.False(t, report.ThresholdBreached)
	assert.Equal(t, models.HealthActionNone, report.Action)
	assert.InDelta(t, 0.066, report.ErrorRate, 0.01)
}

func TestCheckHealthRespectsAutoRollbackDisabled(t *testing.T) {
	jobs := testutil.NewMemoryJobs()
	seedTerminal(jobs, 10, 20)

	m, repo := newMonitor(t, jobs, models.RolloutConfig{
		Percentage:          50,
		MaxErrorRate:        0.2,
		AutoRollbackEnabled: false,
	})

	report := m.CheckHealth()
	assert.True(t, report.ThresholdBreached)
	assert.Equal(t, models.HealthActionNone, report.Action)

	cfg, err := repo.Get(rollout.FeatureHybridCapture)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Percentage)
}

func TestCheckHealthDoesNotRollBackTwice(t *testing.T) {
	jobs := testutil.NewMemoryJobs()
	seedTerminal(jobs, 10, 20)

	m, _ := newMonitor(t, jobs, models.RolloutConfig{
		Percentage:          50,
		MaxErrorRate:        0.2,
		AutoRollbackEnabled: true,
	})

	first := m.CheckHealth()
	assert.Equal(t, models.HealthActionRolledBack, first.Action)

	second := m.CheckHealth()
	assert.Equal(t, models.HealthActionNone, second.Action, "rollback latches until an operator resumes")
}

func TestCheckHealthNeverPanicsOnStoreFailure(t *testing.T) {
	jobs := testutil.NewMemoryJobs()
	jobs.Err = errors.New("connection refused")

	m, _ := newMonitor(t, jobs, models.RolloutConfig{MaxErrorRate: 0.2})

	report := m.CheckHealth()
	assert.Equal(t, models.HealthActionNone, report.Action)
	assert.NotEmpty(t, report.Note)
}

func TestCheckHealthIgnoresBatchFailures(t *testing.T) {
	jobs := testutil.NewMemoryJobs()
	seedTerminal(jobs, 25, 0) // realtime population is healthy
	now := time.Now().UTC()
	for i := 0; i < 30; i++ {
		jobs.Seed(models.Job{
			ID:           fmt.Sprintf("batch-failed-%d", i),
			RepositoryID: fmt.Sprintf("repo/b%d", i),
			Type:         models.JobTypeSyncHistorical,
			Backend:      models.BackendBatch,
			Status:       models.StatusFailed,
			CompletedAt:  &now,
		})
	}

	m, repo := newMonitor(t, jobs, models.RolloutConfig{
		Percentage:          50,
		MaxErrorRate:        0.2,
		AutoRollbackEnabled: true,
	})

	report := m.CheckHealth()
	assert.Equal(t, 25, report.SampleSize, "only realtime jobs gate the rollout")
	assert.Zero(t, report.ErrorRate)
	assert.False(t, report.ThresholdBreached)
	assert.Equal(t, models.HealthActionNone, report.Action)

	cfg, err := repo.Get(rollout.FeatureHybridCapture)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Percentage, "batch-path failures must not pull the rollout down")

	// The breakdown still surfaces the batch trouble for dashboards.
	assert.Equal(t, 30, report.PerBackend[models.BackendBatch].Failed)
	assert.InDelta(t, 1.0, report.PerBackend[models.BackendBatch].ErrorRate, 0.001)
}

func TestCheckHealthIgnoresCancelledJobs(t *testing.T) {
	jobs := testutil.NewMemoryJobs()
	seedTerminal(jobs, 25, 0)
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		jobs.Seed(models.Job{
			ID:          fmt.Sprintf("cancelled-%d", i),
			Backend:     models.BackendBatch,
			Status:      models.StatusCancelled,
			CompletedAt: &now,
		})
	}

	m, _ := newMonitor(t, jobs, models.RolloutConfig{MaxErrorRate: 0.2, AutoRollbackEnabled: true})

	report := m.CheckHealth()
	assert.Equal(t, 25, report.SampleSize)
	assert.Zero(t, report.ErrorRate)
}
