package router

import (
	"testing"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name    string
		req     Request
		backend models.Backend
	}{
		{
			name:    "interactive small request goes realtime",
			req:     Request{DataAgeHours: 2, ItemCount: 5, TriggerOrigin: models.TriggerInteractive},
			backend: models.BackendRealtime,
		},
		{
			name:    "interactive request over ceiling is demoted to batch",
			req:     Request{DataAgeHours: 2, ItemCount: 501, TriggerOrigin: models.TriggerInteractive},
			backend: models.BackendBatch,
		},
		{
			name:    "interactive at ceiling stays realtime",
			req:     Request{DataAgeHours: 2, ItemCount: 500, TriggerOrigin: models.TriggerInteractive},
			backend: models.BackendRealtime,
		},
		{
			name:    "fresh small scheduled work goes realtime",
			req:     Request{DataAgeHours: 12, ItemCount: 50, TriggerOrigin: models.TriggerScheduled},
			backend: models.BackendRealtime,
		},
		{
			name:    "stale bulky scheduled work goes batch",
			req:     Request{DataAgeHours: 200, ItemCount: 5000, TriggerOrigin: models.TriggerScheduled},
			backend: models.BackendBatch,
		},
		{
			name:    "fresh but bulky goes batch",
			req:     Request{DataAgeHours: 1, ItemCount: 101, TriggerOrigin: models.TriggerScheduled},
			backend: models.BackendBatch,
		},
		{
			name:    "stale but small goes batch",
			req:     Request{DataAgeHours: 25, ItemCount: 5, TriggerOrigin: models.TriggerScheduled},
			backend: models.BackendBatch,
		},
		{
			name:    "unknown origin falls through to the freshness rule",
			req:     Request{DataAgeHours: 1, ItemCount: 1, TriggerOrigin: "webhook"},
			backend: models.BackendRealtime,
		},
		{
			name:    "zero-value request falls through to realtime freshness rule",
			req:     Request{},
			backend: models.BackendRealtime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := Decide(tt.req, cfg)
			assert.Equal(t, tt.backend, decision.Backend)
			assert.NotEmpty(t, decision.Reason)
		})
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	req := Request{DataAgeHours: 30, ItemCount: 20, TriggerOrigin: models.TriggerScheduled}
	first := Decide(req, DefaultConfig())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Decide(req, DefaultConfig()))
	}
}

func TestDecideZeroConfigUsesDefaults(t *testing.T) {
	decision := Decide(Request{DataAgeHours: 200, ItemCount: 5000}, Config{})
	assert.Equal(t, models.BackendBatch, decision.Backend)
}

func TestDecidePartialConfigKeepsSetFields(t *testing.T) {
	// Only the freshness threshold is configured; the ceilings default.
	cfg := Config{FreshnessThresholdHours: 48}

	// 30h-old data is stale under the 24h default but fresh under 48h.
	decision := Decide(Request{DataAgeHours: 30, ItemCount: 5, TriggerOrigin: models.TriggerScheduled}, cfg)
	assert.Equal(t, models.BackendRealtime, decision.Backend)

	// The unset item ceiling still defaults rather than admitting everything.
	decision = Decide(Request{DataAgeHours: 30, ItemCount: 101, TriggerOrigin: models.TriggerScheduled}, cfg)
	assert.Equal(t, models.BackendBatch, decision.Backend)

	// An explicit interactive ceiling survives alongside defaulted siblings.
	cfg = Config{InteractiveItemCeiling: 10}
	decision = Decide(Request{ItemCount: 11, TriggerOrigin: models.TriggerInteractive}, cfg)
	assert.Equal(t, models.BackendBatch, decision.Backend)
}
