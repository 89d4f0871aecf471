package models

import "time"

type Category string

const (
	CategoryTest       Category = "test"
	CategorySmall      Category = "small"
	CategoryMedium     Category = "medium"
	CategoryLarge      Category = "large"
	CategoryEnterprise Category = "enterprise"
)

// CategoryPriority maps each category to its rollout priority. Higher means
// the tier becomes eligible earlier under the category-priority strategy, so
// low-blast-radius repositories roll out first.
func CategoryPriority(c Category) int {
	switch c {
	case CategoryTest:
		return 100
	case CategorySmall:
		return 80
	case CategoryMedium:
		return 60
	case CategoryLarge:
		return 40
	case CategoryEnterprise:
		return 20
	}
	return 0
}

// RepositoryCategory is the periodically recomputed classification of a
// target repository. The derived scores exist only to compute the category
// and are never consulted on the routing hot path.
type RepositoryCategory struct {
	RepositoryID  string    `json:"repository_id" db:"repository_id"`
	Category      Category  `json:"category" db:"category"`
	Priority      int       `json:"priority" db:"priority"`
	ActivityScore float64   `json:"activity_score" db:"activity_score"`
	SizeScore     float64   `json:"size_score" db:"size_score"`
	ComputedAt    time.Time `json:"computed_at" db:"computed_at"`
}

// RepoMetrics are the raw attributes a category is derived from.
type RepoMetrics struct {
	Stars            int `json:"stars" db:"stars"`
	Contributors     int `json:"contributors" db:"contributors"`
	EventsLast30Days int `json:"events_last_30_days" db:"events_last_30_days"`
	PullsLast30Days  int `json:"pulls_last_30_days" db:"pulls_last_30_days"`
}
