// Package health samples recent job outcomes and trips the rollout circuit
// breaker when the trailing error rate breaches the configured ceiling.
package health

import (
	"time"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/repository"
	"github.com/contributor-info/capture-router/internal/rollout"
	"github.com/rs/zerolog"
)

type Config struct {
	// Window is the trailing period of terminal jobs to sample.
	Window time.Duration `mapstructure:"window"`
	// MinSamples guards against rolling back on noise; below this many
	// terminal jobs the check is a no-op.
	MinSamples int `mapstructure:"min_samples"`
	// MaxSamples bounds the store read.
	MaxSamples int `mapstructure:"max_samples"`
	// Schedule is the cron spec for the periodic check.
	Schedule string `mapstructure:"schedule"`
}

func DefaultConfig() Config {
	return Config{
		Window:     time.Hour,
		MinSamples: 20,
		MaxSamples: 1000,
		Schedule:   "@every 15m",
	}
}

type Monitor struct {
	jobs    repository.JobRepository
	rollout *rollout.Controller
	cfg     Config
	logger  zerolog.Logger
}

func NewMonitor(jobs repository.JobRepository, ctrl *rollout.Controller, cfg Config, logger zerolog.Logger) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultConfig().MinSamples
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultConfig().MaxSamples
	}
	return &Monitor{
		jobs:    jobs,
		rollout: ctrl,
		cfg:     cfg,
		logger:  logger.With().Str("component", "health-monitor").Logger(),
	}
}

// CheckHealth samples the trailing window of terminal jobs, compares the
// error rate against the rollout config's ceiling, and performs a one-shot
// full rollback when breached. It never returns an error; failures are
// reported inside the report so a broken store cannot crash the timer loop.
func (m *Monitor) CheckHealth() models.HealthReport {
	report := models.HealthReport{
		Action:     models.HealthActionNone,
		PerBackend: make(map[models.Backend]models.BackendErrorRate),
		Window:     m.cfg.Window,
		CheckedAt:  time.Now().UTC(),
	}

	samples, err := m.jobs.ListRecentTerminal(m.cfg.Window, m.cfg.MaxSamples)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to read health samples")
		report.Note = "sample read failed: " + err.Error()
		return report
	}

	for _, s := range samples {
		rate := report.PerBackend[s.Backend]
		switch s.Status {
		case models.StatusCompleted:
			report.Completed++
			rate.Completed++
		case models.StatusFailed:
			report.Failed++
			rate.Failed++
		default:
			// Cancelled jobs are operator actions, not backend failures.
			continue
		}
		report.PerBackend[s.Backend] = rate
	}
	for backend, rate := range report.PerBackend {
		if total := rate.Failed + rate.Completed; total > 0 {
			rate.ErrorRate = float64(rate.Failed) / float64(total)
		}
		report.PerBackend[backend] = rate
	}

	// The breaker watches the population the rollout steers: realtime jobs.
	// Batch failures are the pre-existing path's problem and must not pull
	// the rollout's percentage down.
	hybrid := report.PerBackend[models.BackendRealtime]
	report.SampleSize = hybrid.Completed + hybrid.Failed
	if report.SampleSize < m.cfg.MinSamples {
		report.Note = "sample size below minimum, skipping evaluation"
		return report
	}
	report.ErrorRate = hybrid.ErrorRate

	cfg := m.rollout.CurrentConfig()
	report.ThresholdBreached = report.ErrorRate > cfg.MaxErrorRate
	if !report.ThresholdBreached {
		return report
	}

	m.logger.Warn().
		Float64("error_rate", report.ErrorRate).
		Float64("max_error_rate", cfg.MaxErrorRate).
		Int("sample_size", report.SampleSize).
		Msg("Error rate breached rollout ceiling")

	if !cfg.AutoRollbackEnabled {
		report.Note = "auto-rollback disabled"
		return report
	}
	if cfg.AutoRolledBack || cfg.EmergencyStop {
		report.Note = "rollback already in effect"
		return report
	}

	if _, err := m.rollout.TriggerAutoRollback(report.ErrorRate, report.SampleSize); err != nil {
		m.logger.Error().Err(err).Msg("Failed to apply auto-rollback")
		report.Note = "rollback failed: " + err.Error()
		return report
	}
	report.Action = models.HealthActionRolledBack
	return report
}
