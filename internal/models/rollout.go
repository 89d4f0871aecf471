package models

import "time"

type RolloutStrategy string

const (
	StrategyPercentage       RolloutStrategy = "percentage"
	StrategyWhitelist        RolloutStrategy = "whitelist"
	StrategyCategoryPriority RolloutStrategy = "category-priority"
)

func (s RolloutStrategy) Valid() bool {
	switch s {
	case StrategyPercentage, StrategyWhitelist, StrategyCategoryPriority:
		return true
	}
	return false
}

// RolloutConfig is the singleton gating record for a feature rollout. It is
// read on every routing decision through a short-TTL cache and written only
// by operator actions or the health monitor's auto-rollback.
type RolloutConfig struct {
	FeatureName         string          `json:"feature_name" db:"feature_name"`
	Percentage          int             `json:"percentage" db:"percentage"`
	Strategy            RolloutStrategy `json:"strategy" db:"strategy"`
	TargetIDs           []string        `json:"target_ids" db:"target_ids"`
	ExcludedIDs         []string        `json:"excluded_ids" db:"excluded_ids"`
	MaxErrorRate        float64         `json:"max_error_rate" db:"max_error_rate"`
	AutoRollbackEnabled bool            `json:"auto_rollback_enabled" db:"auto_rollback_enabled"`
	EmergencyStop       bool            `json:"emergency_stop" db:"emergency_stop"`
	AutoRolledBack      bool            `json:"auto_rolled_back" db:"auto_rolled_back"`
	StopReason          *string         `json:"stop_reason,omitempty" db:"stop_reason"`
	Version             int             `json:"version" db:"version"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

// Whitelisted reports whether the target is explicitly included.
func (c RolloutConfig) Whitelisted(targetID string) bool {
	for _, id := range c.TargetIDs {
		if id == targetID {
			return true
		}
	}
	return false
}

// Excluded reports whether the target is explicitly excluded. Exclusion
// always wins over inclusion.
func (c RolloutConfig) Excluded(targetID string) bool {
	for _, id := range c.ExcludedIDs {
		if id == targetID {
			return true
		}
	}
	return false
}

// RolloutAudit records who changed the rollout configuration, when, and why.
// An audit entry is appended before the change is applied.
type RolloutAudit struct {
	ID          string    `json:"id" db:"id"`
	FeatureName string    `json:"feature_name" db:"feature_name"`
	Actor       string    `json:"actor" db:"actor"`
	Action      string    `json:"action" db:"action"`
	Reason      string    `json:"reason" db:"reason"`
	Detail      string    `json:"detail" db:"detail"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
