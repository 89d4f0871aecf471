// Package router holds the pure backend-selection function for capture jobs.
// It performs no I/O; eligibility gating lives in the rollout package.
package router

import (
	"fmt"

	"github.com/contributor-info/capture-router/internal/models"
)

type Config struct {
	// FreshnessThresholdHours is the maximum data age still considered
	// fresh enough for the realtime path.
	FreshnessThresholdHours float64 `mapstructure:"freshness_threshold_hours"`
	// SmallBatchCeiling is the largest item count the realtime path takes
	// for non-interactive work.
	SmallBatchCeiling int `mapstructure:"small_batch_ceiling"`
	// InteractiveItemCeiling is the hard ceiling above which even
	// interactive requests are demoted to batch.
	InteractiveItemCeiling int `mapstructure:"interactive_item_ceiling"`
}

func DefaultConfig() Config {
	return Config{
		FreshnessThresholdHours: 24,
		SmallBatchCeiling:       100,
		InteractiveItemCeiling:  500,
	}
}

type Request struct {
	RepositoryID  string
	Type          models.JobType
	DataAgeHours  float64
	ItemCount     int
	TriggerOrigin models.TriggerOrigin
}

type Decision struct {
	Backend models.Backend
	Reason  string
}

// withDefaults fills unset thresholds field by field so a partially
// configured Config keeps the fields the operator did set.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FreshnessThresholdHours <= 0 {
		c.FreshnessThresholdHours = def.FreshnessThresholdHours
	}
	if c.SmallBatchCeiling <= 0 {
		c.SmallBatchCeiling = def.SmallBatchCeiling
	}
	if c.InteractiveItemCeiling <= 0 {
		c.InteractiveItemCeiling = def.InteractiveItemCeiling
	}
	return c
}

// Decide maps a job request to a backend. Rules are evaluated top to bottom
// and the first match wins; anything unrecognized falls through to batch,
// the conservative default.
func Decide(req Request, cfg Config) Decision {
	cfg = cfg.withDefaults()

	if req.TriggerOrigin == models.TriggerInteractive {
		if req.ItemCount > cfg.InteractiveItemCeiling {
			return Decision{
				Backend: models.BackendBatch,
				Reason: fmt.Sprintf("interactive request demoted to batch: %d items exceeds ceiling of %d",
					req.ItemCount, cfg.InteractiveItemCeiling),
			}
		}
		return Decision{
			Backend: models.BackendRealtime,
			Reason:  "interactive trigger: a user is waiting",
		}
	}

	if req.DataAgeHours <= cfg.FreshnessThresholdHours && req.ItemCount <= cfg.SmallBatchCeiling {
		return Decision{
			Backend: models.BackendRealtime,
			Reason: fmt.Sprintf("fresh data (%.0fh <= %.0fh) and small volume (%d <= %d)",
				req.DataAgeHours, cfg.FreshnessThresholdHours, req.ItemCount, cfg.SmallBatchCeiling),
		}
	}

	return Decision{
		Backend: models.BackendBatch,
		Reason: fmt.Sprintf("stale or bulky work (age %.0fh, %d items) routed to batch",
			req.DataAgeHours, req.ItemCount),
	}
}
