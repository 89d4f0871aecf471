package classifier

import (
	"context"
	"testing"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyTiers(t *testing.T) {
	tests := []struct {
		name     string
		metrics  models.RepoMetrics
		category models.Category
	}{
		{
			name:     "empty repository is test",
			metrics:  models.RepoMetrics{},
			category: models.CategoryTest,
		},
		{
			name:     "couple of stars stays test",
			metrics:  models.RepoMetrics{Stars: 2},
			category: models.CategoryTest,
		},
		{
			name:     "handful of contributors with activity is small",
			metrics:  models.RepoMetrics{Stars: 20, Contributors: 3, EventsLast30Days: 10, PullsLast30Days: 2},
			category: models.CategorySmall,
		},
		{
			name:     "active mid-size project is medium",
			metrics:  models.RepoMetrics{Stars: 500, Contributors: 40, EventsLast30Days: 200, PullsLast30Days: 30},
			category: models.CategoryMedium,
		},
		{
			name:     "popular project is large",
			metrics:  models.RepoMetrics{Stars: 20000, Contributors: 400, EventsLast30Days: 2000, PullsLast30Days: 300},
			category: models.CategoryLarge,
		},
		{
			name:     "flagship monorepo is enterprise",
			metrics:  models.RepoMetrics{Stars: 200000, Contributors: 5000, EventsLast30Days: 50000, PullsLast30Days: 4000},
			category: models.CategoryEnterprise,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := Classify(tt.metrics)
			assert.Equal(t, tt.category, cat.Category)
			assert.Equal(t, models.CategoryPriority(tt.category), cat.Priority)
		})
	}
}

func TestPriorityOrderingIsMonotonic(t *testing.T) {
	// Smaller repositories must always carry a higher rollout priority.
	assert.Greater(t, models.CategoryPriority(models.CategoryTest), models.CategoryPriority(models.CategorySmall))
	assert.Greater(t, models.CategoryPriority(models.CategorySmall), models.CategoryPriority(models.CategoryMedium))
	assert.Greater(t, models.CategoryPriority(models.CategoryMedium), models.CategoryPriority(models.CategoryLarge))
	assert.Greater(t, models.CategoryPriority(models.CategoryLarge), models.CategoryPriority(models.CategoryEnterprise))
}

func TestCategoryForDefaultsToSmall(t *testing.T) {
	cats := testutil.NewMemoryCategories()
	c := New(cats, &testutil.StaticMetrics{}, testutil.NewMemoryJobs(), Config{}, zerolog.Nop())

	cat := c.CategoryFor("never/seen")
	assert.Equal(t, models.CategorySmall, cat.Category)
	assert.Equal(t, models.CategoryPriority(models.CategorySmall), cat.Priority)
}

func TestCategoryForReturnsStored(t *testing.T) {
	cats := testutil.NewMemoryCategories()
	require.NoError(t, cats.Upsert(models.RepositoryCategory{
		RepositoryID: "big/repo",
		Category:     models.CategoryEnterprise,
		Priority:     models.CategoryPriority(models.CategoryEnterprise),
	}))
	c := New(cats, &testutil.StaticMetrics{}, testutil.NewMemoryJobs(), Config{}, zerolog.Nop())

	cat := c.CategoryFor("big/repo")
	assert.Equal(t, models.CategoryEnterprise, cat.Category)
}

func TestCategorizeAll(t *testing.T) {
	jobs := testutil.NewMemoryJobs()
	for _, repo := range []string{"a/tiny", "b/active"} {
		_, err := jobs.Create(models.Job{RepositoryID: repo, Type: models.JobTypeSyncRecent, Backend: models.BackendBatch})
		require.NoError(t, err)
	}

	cats := testutil.NewMemoryCategories()
	metrics := &testutil.StaticMetrics{Data: map[string]models.RepoMetrics{
		"b/active": {Stars: 500, Contributors: 40, EventsLast30Days: 200, PullsLast30Days: 30},
	}}
	c := New(cats, metrics, jobs, Config{Concurrency: 2}, zerolog.Nop())

	count, err := c.CategorizeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	tiny, err := cats.Get("a/tiny")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryTest, tiny.Category, "repos without metrics classify from zero values")

	active, err := cats.Get("b/active")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryMedium, active.Category)
}
