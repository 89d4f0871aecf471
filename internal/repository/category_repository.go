package repository

import (
	"context"
	"database/sql"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/pkg/errors"
)

type CategoryRepository interface {
	Get(repositoryID string) (models.RepositoryCategory, error)
	Upsert(cat models.RepositoryCategory) error
	List() ([]models.RepositoryCategory, error)

	// PriorityDistribution returns the number of categorized repositories per
	// priority tier, used to map a rollout percentage to a priority cutoff.
	PriorityDistribution() (map[int]int, error)
}

type categoryRepository struct {
	db *sql.DB
}

func NewCategoryRepository(db *sql.DB) CategoryRepository {
	return &categoryRepository{db: db}
}

func (r *categoryRepository) Get(repositoryID string) (models.RepositoryCategory, error) {
	query := `
		SELECT repository_id, category, priority, activity_score, size_score, computed_at
		FROM capture.repository_categories
		WHERE repository_id = $1
	`
	var cat models.RepositoryCategory
	err := r.db.QueryRow(query, repositoryID).Scan(
		&cat.RepositoryID, &cat.Category, &cat.Priority,
		&cat.ActivityScore, &cat.SizeScore, &cat.ComputedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return cat, ErrNotFound
		}
		return cat, errors.Wrap(err, "get repository category")
	}
	return cat, nil
}

func (r *categoryRepository) Upsert(cat models.RepositoryCategory) error {
	query := `
		INSERT INTO capture.repository_categories
			(repository_id, category, priority, activity_score, size_score, computed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (repository_id) DO UPDATE
		   SET category = EXCLUDED.category,
		       priority = EXCLUDED.priority,
		       activity_score = EXCLUDED.activity_score,
		       size_score = EXCLUDED.size_score,
		       computed_at = NOW()
	`
	_, err := r.db.Exec(query,
		cat.RepositoryID, cat.Category, cat.Priority, cat.ActivityScore, cat.SizeScore)
	return errors.Wrap(err, "upsert repository category")
}

func (r *categoryRepository) List() ([]models.RepositoryCategory, error) {
	query := `
		SELECT repository_id, category, priority, activity_score, size_score, computed_at
		FROM capture.repository_categories
		ORDER BY priority DESC, repository_id
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "list repository categories")
	}
	defer rows.Close()

	var cats []models.RepositoryCategory
	for rows.Next() {
		var cat models.RepositoryCategory
		if err := rows.Scan(&cat.RepositoryID, &cat.Category, &cat.Priority,
			&cat.ActivityScore, &cat.SizeScore, &cat.ComputedAt); err != nil {
			return nil, errors.Wrap(err, "scan repository category")
		}
		cats = append(cats, cat)
	}
	return cats, rows.Err()
}

func (r *categoryRepository) PriorityDistribution() (map[int]int, error) {
	query := `
		SELECT priority, COUNT(*)
		FROM capture.repository_categories
		GROUP BY priority
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "priority distribution")
	}
	defer rows.Close()

	dist := make(map[int]int)
	for rows.Next() {
		var priority, count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, errors.Wrap(err, "scan priority count")
		}
		dist[priority] = count
	}
	return dist, rows.Err()
}

// MetricsRepository reads the aggregate repository metrics maintained by the
// wider analytics pipeline. The classifier consumes it through its own
// narrow interface.
type MetricsRepository struct {
	db *sql.DB
}

func NewMetricsRepository(db *sql.DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

func (r *MetricsRepository) Metrics(ctx context.Context, repositoryID string) (models.RepoMetrics, error) {
	query := `
		SELECT stars, contributors, events_last_30_days, pulls_last_30_days
		FROM capture.repository_metrics
		WHERE repository_id = $1
	`
	var m models.RepoMetrics
	err := r.db.QueryRowContext(ctx, query, repositoryID).Scan(
		&m.Stars, &m.Contributors, &m.EventsLast30Days, &m.PullsLast30Days)
	if err != nil {
		if err == sql.ErrNoRows {
			return m, ErrNotFound
		}
		return m, errors.Wrap(err, "get repository metrics")
	}
	return m, nil
}
