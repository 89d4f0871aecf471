package rollout

import (
	"fmt"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/pkg/errors"
)

// mutate loads the current config fresh from the store, applies the change,
// appends the audit record, then saves and write-through-updates the cache.
// The audit append happens before the save so an applied change always has
// its record.
func (c *Controller) mutate(actor, action, reason string, apply func(*models.RolloutConfig) (string, error)) (models.RolloutConfig, error) {
	cfg, err := c.repo.Get(c.feature)
	if err != nil {
		return cfg, err
	}

	detail, err := apply(&cfg)
	if err != nil {
		return cfg, err
	}

	if err := c.repo.AppendAudit(models.RolloutAudit{
		FeatureName: c.feature,
		Actor:       actor,
		Action:      action,
		Reason:      reason,
		Detail:      detail,
	}); err != nil {
		return cfg, errors.Wrap(err, "audit before apply")
	}

	saved, err := c.repo.Save(cfg)
	if err != nil {
		return saved, err
	}
	c.invalidate(saved)
	c.logger.Info().
		Str("actor", actor).
		Str("action", action).
		Str("detail", detail).
		Msg("Rollout config updated")
	return saved, nil
}

func (c *Controller) SetPercentage(actor string, percentage int, reason string) (models.RolloutConfig, error) {
	if percentage < 0 || percentage > 100 {
		return models.RolloutConfig{}, errors.Errorf("percentage must be within [0,100], got %d", percentage)
	}
	return c.mutate(actor, "set_percentage", reason, func(cfg *models.RolloutConfig) (string, error) {
		detail := fmt.Sprintf("percentage %d -> %d", cfg.Percentage, percentage)
		cfg.Percentage = percentage
		return detail, nil
	})
}

func (c *Controller) SetStrategy(actor string, strategy models.RolloutStrategy, reason string) (models.RolloutConfig, error) {
	if !strategy.Valid() {
		return models.RolloutConfig{}, errors.Errorf("unknown rollout strategy %q", strategy)
	}
	return c.mutate(actor, "set_strategy", reason, func(cfg *models.RolloutConfig) (string, error) {
		detail := fmt.Sprintf("strategy %s -> %s", cfg.Strategy, strategy)
		cfg.Strategy = strategy
		return detail, nil
	})
}

func (c *Controller) SetMaxErrorRate(actor string, rate float64, reason string) (models.RolloutConfig, error) {
	if rate <= 0 || rate > 1 {
		return models.RolloutConfig{}, errors.Errorf("max error rate must be within (0,1], got %f", rate)
	}
	return c.mutate(actor, "set_max_error_rate", reason, func(cfg *models.RolloutConfig) (string, error) {
		detail := fmt.Sprintf("max_error_rate %.3f -> %.3f", cfg.MaxErrorRate, rate)
		cfg.MaxErrorRate = rate
		return detail, nil
	})
}

// EmergencyStop forces legacy routing for every target until Resume.
func (c *Controller) EmergencyStop(actor, reason string) (models.RolloutConfig, error) {
	return c.mutate(actor, "emergency_stop", reason, func(cfg *models.RolloutConfig) (string, error) {
		cfg.EmergencyStop = true
		cfg.StopReason = &reason
		return "emergency stop engaged", nil
	})
}

// Resume clears both the emergency stop and any auto-rollback latch. The
// percentage is left where the rollback put it; raising it again is a
// separate, deliberate operator action.
func (c *Controller) Resume(actor, reason string) (models.RolloutConfig, error) {
	return c.mutate(actor, "resume", reason, func(cfg *models.RolloutConfig) (string, error) {
		cfg.EmergencyStop = false
		cfg.AutoRolledBack = false
		cfg.StopReason = nil
		return "emergency stop and rollback latch cleared", nil
	})
}

func (c *Controller) AddToWhitelist(actor string, ids []string, reason string) (models.RolloutConfig, error) {
	return c.mutate(actor, "add_to_whitelist", reason, func(cfg *models.RolloutConfig) (string, error) {
		added := 0
		for _, id := range ids {
			if !cfg.Whitelisted(id) {
				cfg.TargetIDs = append(cfg.TargetIDs, id)
				added++
			}
		}
		return fmt.Sprintf("added %d of %d targets", added, len(ids)), nil
	})
}

func (c *Controller) RemoveFromWhitelist(actor string, ids []string, reason string) (models.RolloutConfig, error) {
	return c.mutate(actor, "remove_from_whitelist", reason, func(cfg *models.RolloutConfig) (string, error) {
		remove := make(map[string]bool, len(ids))
		for _, id := range ids {
			remove[id] = true
		}
		kept := cfg.TargetIDs[:0]
		removed := 0
		for _, id := range cfg.TargetIDs {
			if remove[id] {
				removed++
				continue
			}
			kept = append(kept, id)
		}
		cfg.TargetIDs = kept
		return fmt.Sprintf("removed %d of %d targets", removed, len(ids)), nil
	})
}

func (c *Controller) AddToExclusions(actor string, ids []string, reason string) (models.RolloutConfig, error) {
	return c.mutate(actor, "add_to_exclusions", reason, func(cfg *models.RolloutConfig) (string, error) {
		added := 0
		for _, id := range ids {
			if !cfg.Excluded(id) {
				cfg.ExcludedIDs = append(cfg.ExcludedIDs, id)
				added++
			}
		}
		return fmt.Sprintf("excluded %d of %d targets", added, len(ids)), nil
	})
}

// TriggerAutoRollback is called by the health monitor when the trailing
// error rate breaches the configured ceiling. It zeroes the percentage in
// one step and latches; the latch only clears via an explicit Resume.
func (c *Controller) TriggerAutoRollback(errorRate float64, sampleSize int) (models.RolloutConfig, error) {
	reason := fmt.Sprintf("error rate %.1f%% over %d samples breached the configured ceiling",
		errorRate*100, sampleSize)
	return c.mutate("health-monitor", "auto_rollback", reason, func(cfg *models.RolloutConfig) (string, error) {
		detail := fmt.Sprintf("percentage %d -> 0", cfg.Percentage)
		cfg.Percentage = 0
		cfg.AutoRolledBack = true
		return detail, nil
	})
}
