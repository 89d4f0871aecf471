package repository

import (
	"database/sql"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type RolloutRepository interface {
	// Get loads the config row for a feature. It returns ErrConfigUnavailable
	// on any store failure so callers can fail closed.
	Get(featureName string) (models.RolloutConfig, error)

	// Save writes the full config with last-write-wins semantics and bumps
	// the version counter.
	Save(cfg models.RolloutConfig) (models.RolloutConfig, error)

	// AppendAudit records an operator or monitor action. It must be called
	// before the matching Save.
	AppendAudit(entry models.RolloutAudit) error
	ListAudit(featureName string, limit int) ([]models.RolloutAudit, error)
}

type rolloutRepository struct {
	db *sql.DB
}

func NewRolloutRepository(db *sql.DB) RolloutRepository {
	return &rolloutRepository{db: db}
}

func (r *rolloutRepository) Get(featureName string) (models.RolloutConfig, error) {
	query := `
		SELECT feature_name, percentage, strategy, target_ids, excluded_ids,
		       max_error_rate, auto_rollback_enabled, emergency_stop,
		       auto_rolled_back, stop_reason, version, updated_at
		FROM capture.rollout_configs
		WHERE feature_name = $1
	`
	var cfg models.RolloutConfig
	err := r.db.QueryRow(query, featureName).Scan(
		&cfg.FeatureName,
		&cfg.Percentage,
		&cfg.Strategy,
		pq.Array(&cfg.TargetIDs),
		pq.Array(&cfg.ExcludedIDs),
		&cfg.MaxErrorRate,
		&cfg.AutoRollbackEnabled,
		&cfg.EmergencyStop,
		&cfg.AutoRolledBack,
		&cfg.StopReason,
		&cfg.Version,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return cfg, errors.Wrapf(ErrConfigUnavailable, "load %s: %v", featureName, err)
	}
	return cfg, nil
}

func (r *rolloutRepository) Save(cfg models.RolloutConfig) (models.RolloutConfig, error) {
	query := `
		UPDATE capture.rollout_configs
		   SET percentage = $2,
		       strategy = $3,
		       target_ids = $4,
		       excluded_ids = $5,
		       max_error_rate = $6,
		       auto_rollback_enabled = $7,
		       emergency_stop = $8,
		       auto_rolled_back = $9,
		       stop_reason = $10,
		       version = version + 1,
		       updated_at = NOW()
		 WHERE feature_name = $1
		RETURNING version, updated_at
	`
	err := r.db.QueryRow(query,
		cfg.FeatureName,
		cfg.Percentage,
		cfg.Strategy,
		pq.Array(cfg.TargetIDs),
		pq.Array(cfg.ExcludedIDs),
		cfg.MaxErrorRate,
		cfg.AutoRollbackEnabled,
		cfg.EmergencyStop,
		cfg.AutoRolledBack,
		cfg.StopReason,
	).Scan(&cfg.Version, &cfg.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return cfg, ErrNotFound
		}
		return cfg, errors.Wrap(err, "save rollout config")
	}
	return cfg, nil
}

func (r *rolloutRepository) AppendAudit(entry models.RolloutAudit) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	query := `
		INSERT INTO capture.rollout_audit (id, feature_name, actor, action, reason, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(query,
		entry.ID, entry.FeatureName, entry.Actor, entry.Action, entry.Reason, entry.Detail)
	return errors.Wrap(err, "append rollout audit")
}

func (r *rolloutRepository) ListAudit(featureName string, limit int) ([]models.RolloutAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, feature_name, actor, action, reason, detail, created_at
		FROM capture.rollout_audit
		WHERE feature_name = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(query, featureName, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list rollout audit")
	}
	defer rows.Close()

	var entries []models.RolloutAudit
	for rows.Next() {
		var e models.RolloutAudit
		if err := rows.Scan(&e.ID, &e.FeatureName, &e.Actor, &e.Action, &e.Reason, &e.Detail, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
