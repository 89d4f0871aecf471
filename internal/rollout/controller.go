// Package rollout gates whether the hybrid routing decision applies to a
// given repository. Reads go through a short-TTL cache; every write appends
// an audit record before it is applied.
package rollout

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/repository"
	"github.com/rs/zerolog"
)

// FeatureHybridCapture is the rollout feature gating hybrid backend routing.
const FeatureHybridCapture = "hybrid_capture"

const defaultCacheTTL = 60 * time.Second

type Controller struct {
	repo       repository.RolloutRepository
	categories repository.CategoryRepository
	feature    string
	ttl        time.Duration
	logger     zerolog.Logger

	mu        sync.RWMutex
	cached    models.RolloutConfig
	fetchedAt time.Time

	distMu        sync.RWMutex
	distribution  map[int]int
	distFetchedAt time.Time
}

func NewController(repo repository.RolloutRepository, categories repository.CategoryRepository, feature string, ttl time.Duration, logger zerolog.Logger) *Controller {
	if feature == "" {
		feature = FeatureHybridCapture
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Controller{
		repo:       repo,
		categories: categories,
		feature:    feature,
		ttl:        ttl,
		logger:     logger.With().Str("component", "rollout").Logger(),
	}
}

// failClosed is the config served when the store cannot be read: behave as
// if an emergency stop is active so an outage never widens the rollout.
func (c *Controller) failClosed() models.RolloutConfig {
	reason := "rollout config unavailable, failing closed"
	return models.RolloutConfig{
		FeatureName:   c.feature,
		Percentage:    0,
		Strategy:      models.StrategyPercentage,
		EmergencyStop: true,
		StopReason:    &reason,
	}
}

// CurrentConfig returns the cached rollout config, refreshing it when the
// TTL has elapsed. Staleness is bounded by the TTL; the hot path never
// blocks on the store while a cached copy is fresh.
func (c *Controller) CurrentConfig() models.RolloutConfig {
	c.mu.RLock()
	if !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl {
		cfg := c.cached
		c.mu.RUnlock()
		return cfg
	}
	c.mu.RUnlock()

	cfg, err := c.repo.Get(c.feature)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to load rollout config, failing closed")
		return c.failClosed()
	}

	c.mu.Lock()
	c.cached = cfg
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return cfg
}

// IsEligible decides whether the hybrid path applies to the repository.
// Evaluation order: emergency stop, exclusions, whitelist, then strategy.
func (c *Controller) IsEligible(repositoryID string, category models.RepositoryCategory) bool {
	cfg := c.CurrentConfig()

	if cfg.EmergencyStop {
		return false
	}
	if cfg.Excluded(repositoryID) {
		return false
	}
	if cfg.Whitelisted(repositoryID) {
		return true
	}

	switch cfg.Strategy {
	case models.StrategyWhitelist:
		// Only explicit targets, handled above.
		return false
	case models.StrategyCategoryPriority:
		return category.Priority >= c.priorityThreshold(cfg.Percentage)
	default:
		return hashBucket(repositoryID) < cfg.Percentage
	}
}

// hashBucket maps a repository id onto [0,100) with a stable hash so a
// target's eligibility never flaps between evaluations or restarts.
func hashBucket(repositoryID string) int {
	h := fnv.New32a()
	h.Write([]byte(repositoryID))
	return int(h.Sum32() % 100)
}

// priorityThreshold converts a rollout percentage into a priority cutoff so
// whole category tiers roll out together. The cutoff is the lowest priority
// tier whose cumulative population share still fits inside the percentage;
// with no categorized repositories yet, tiers are treated as evenly sized.
func (c *Controller) priorityThreshold(percentage int) int {
	if percentage <= 0 {
		return int(^uint(0) >> 1) // nothing is eligible
	}
	if percentage >= 100 {
		return 0
	}

	dist := c.priorityDistribution()
	if len(dist) == 0 {
		return evenTierThreshold(percentage)
	}

	priorities := make([]int, 0, len(dist))
	total := 0
	for p, n := range dist {
		priorities = append(priorities, p)
		total += n
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	cumulative := 0
	threshold := 0
	admitted := false
	for _, p := range priorities {
		next := cumulative + dist[p]
		if next*100 > total*percentage {
			break
		}
		cumulative = next
		threshold = p
		admitted = true
	}
	if !admitted {
		// Even the highest tier exceeds the percentage; admit it anyway so
		// a non-zero percentage always rolls out at least one tier.
		threshold = priorities[0]
	}
	return threshold
}

func (c *Controller) priorityDistribution() map[int]int {
	c.distMu.RLock()
	if !c.distFetchedAt.IsZero() && time.Since(c.distFetchedAt) < c.ttl {
		dist := c.distribution
		c.distMu.RUnlock()
		return dist
	}
	c.distMu.RUnlock()

	dist, err := c.categories.PriorityDistribution()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to load category distribution, using even tiers")
		return nil
	}

	c.distMu.Lock()
	c.distribution = dist
	c.distFetchedAt = time.Now()
	c.distMu.Unlock()
	return dist
}

// evenTierThreshold assumes the five category tiers are evenly distributed
// and maps each 20% band of the percentage to the next tier down.
func evenTierThreshold(percentage int) int {
	switch {
	case percentage > 80:
		return models.CategoryPriority(models.CategoryEnterprise)
	case percentage > 60:
		return models.CategoryPriority(models.CategoryLarge)
	case percentage > 40:
		return models.CategoryPriority(models.CategoryMedium)
	case percentage > 20:
		return models.CategoryPriority(models.CategorySmall)
	default:
		return models.CategoryPriority(models.CategoryTest)
	}
}

// invalidate drops the cached config so the next read sees the write.
func (c *Controller) invalidate(cfg models.RolloutConfig) {
	c.mu.Lock()
	c.cached = cfg
	c.fetchedAt = time.Now()
	c.mu.Unlock()
}
