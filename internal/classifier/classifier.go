// Package classifier assigns each target repository a size/activity category
// and a rollout priority tier. Categories are recomputed periodically, never
// on the routing hot path.
package classifier

import (
	"context"
	"math"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/repository"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MetricsSource provides the raw attributes categories derive from.
// Implemented by repository.MetricsRepository in production.
type MetricsSource interface {
	Metrics(ctx context.Context, repositoryID string) (models.RepoMetrics, error)
}

// RepositoryLister enumerates every target the service has seen.
type RepositoryLister interface {
	ListKnownRepositories() ([]string, error)
}

type Config struct {
	// Concurrency bounds the parallel metric lookups during a full sweep.
	Concurrency int `mapstructure:"concurrency"`
}

type Classifier struct {
	categories repository.CategoryRepository
	metrics    MetricsSource
	repos      RepositoryLister
	cfg        Config
	logger     zerolog.Logger
}

func New(categories repository.CategoryRepository, metrics MetricsSource, repos RepositoryLister, cfg Config, logger zerolog.Logger) *Classifier {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Classifier{
		categories: categories,
		metrics:    metrics,
		repos:      repos,
		cfg:        cfg,
		logger:     logger.With().Str("component", "classifier").Logger(),
	}
}

// Classify derives a category from raw metrics. Pure; the score weights are
// tuned so a handful of contributors with steady activity lands in "small".
func Classify(m models.RepoMetrics) models.RepositoryCategory {
	sizeScore := math.Log1p(float64(m.Stars))*2 + math.Log1p(float64(m.Contributors))*3
	activityScore := math.Log1p(float64(m.EventsLast30Days)) + math.Log1p(float64(m.PullsLast30Days))*2

	combined := sizeScore + activityScore

	var category models.Category
	switch {
	case combined < 4:
		category = models.CategoryTest
	case combined < 25:
		category = models.CategorySmall
	case combined < 45:
		category = models.CategoryMedium
	case combined < 65:
		category = models.CategoryLarge
	default:
		category = models.CategoryEnterprise
	}

	return models.RepositoryCategory{
		Category:      category,
		Priority:      models.CategoryPriority(category),
		ActivityScore: activityScore,
		SizeScore:     sizeScore,
	}
}

// CategoryFor returns the stored category for a repository, or a default
// "small" classification when none has been computed yet. New repositories
// should not be locked out of a tier-based rollout just because the nightly
// sweep has not seen them.
func (c *Classifier) CategoryFor(repositoryID string) models.RepositoryCategory {
	cat, err := c.categories.Get(repositoryID)
	if err == nil {
		return cat
	}
	if !errors.Is(err, repository.ErrNotFound) {
		c.logger.Warn().Err(err).Str("repository", repositoryID).Msg("Failed to load category")
	}
	return models.RepositoryCategory{
		RepositoryID: repositoryID,
		Category:     models.CategorySmall,
		Priority:     models.CategoryPriority(models.CategorySmall),
	}
}

// CategorizeAll recomputes the category of every known repository with
// bounded parallelism and returns the number updated. Repositories without
// metrics are classified from zero values, which lands them in "test".
func (c *Classifier) CategorizeAll(ctx context.Context) (int, error) {
	ids, err := c.repos.ListKnownRepositories()
	if err != nil {
		return 0, errors.Wrap(err, "list repositories")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	updated := make(chan string, len(ids))
	for _, id := range ids {
		id := id
		g.Go(func() error {
			metrics, err := c.metrics.Metrics(ctx, id)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return errors.Wrapf(err, "metrics for %s", id)
			}
			cat := Classify(metrics)
			cat.RepositoryID = id
			if err := c.categories.Upsert(cat); err != nil {
				return errors.Wrapf(err, "upsert category for %s", id)
			}
			updated <- id
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return len(updated), err
	}
	close(updated)

	count := 0
	for range updated {
		count++
	}
	c.logger.Info().Int("repositories", count).Msg("Recomputed repository categories")
	return count, nil
}
