package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/contributor-info/capture-router/internal/authz"
	"github.com/contributor-info/capture-router/internal/classifier"
	"github.com/contributor-info/capture-router/internal/health"
	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/repository"
	"github.com/contributor-info/capture-router/internal/rollout"
)

// RolloutHandler is the operator control surface: rollout mutations, the
// emergency stop, health checks, and category management.
type RolloutHandler struct {
	ctrl        *rollout.Controller
	monitor     *health.Monitor
	classifier  *classifier.Classifier
	rolloutRepo repository.RolloutRepository
	categories  repository.CategoryRepository
	feature     string
	logger      zerolog.Logger
}

func NewRolloutHandler(
	ctrl *rollout.Controller,
	monitor *health.Monitor,
	clf *classifier.Classifier,
	rolloutRepo repository.RolloutRepository,
	categories repository.CategoryRepository,
	feature string,
	logger zerolog.Logger,
) *RolloutHandler {
	if feature == "" {
		feature = rollout.FeatureHybridCapture
	}
	return &RolloutHandler{
		ctrl:        ctrl,
		monitor:     monitor,
		classifier:  clf,
		rolloutRepo: rolloutRepo,
		categories:  categories,
		feature:     feature,
		logger:      logger,
	}
}

func (h *RolloutHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.rolloutRepo.Get(h.feature)
	if err != nil {
		http.Error(w, "Rollout config unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

type percentageRequest struct {
	Percentage int    `json:"percentage"`
	Reason     string `json:"reason"`
}

func (h *RolloutHandler) SetPercentage(w http.ResponseWriter, r *http.Request) {
	var req percentageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	h.applyMutation(w, r, func(actor string) (models.RolloutConfig, error) {
		return h.ctrl.SetPercentage(actor, req.Percentage, req.Reason)
	})
}

type strategyRequest struct {
	Strategy models.RolloutStrategy `json:"strategy"`
	Reason   string                 `json:"reason"`
}

func (h *RolloutHandler) SetStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	h.applyMutation(w, r, func(actor string) (models.RolloutConfig, error) {
		return h.ctrl.SetStrategy(actor, req.Strategy, req.Reason)
	})
}

type errorRateRequest struct {
	MaxErrorRate float64 `json:"max_error_rate"`
	Reason       string  `json:"reason"`
}

func (h *RolloutHandler) SetMaxErrorRate(w http.ResponseWriter, r *http.Request) {
	var req errorRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	h.applyMutation(w, r, func(actor string) (models.RolloutConfig, error) {
		return h.ctrl.SetMaxErrorRate(actor, req.MaxErrorRate, req.Reason)
	})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *RolloutHandler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "A reason is required for an emergency stop", http.StatusBadRequest)
		return
	}
	h.applyMutation(w, r, func(actor string) (models.RolloutConfig, error) {
		return h.ctrl.EmergencyStop(actor, req.Reason)
	})
}

func (h *RolloutHandler) Resume(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	h.applyMutation(w, r, func(actor string) (models.RolloutConfig, error) {
		return h.ctrl.Resume(actor, req.Reason)
	})
}

type targetsRequest struct {
	RepositoryIDs []string `json:"repository_ids"`
	Reason        string   `json:"reason"`
}

func (h *RolloutHandler) AddToWhitelist(w http.ResponseWriter, r *http.Request) {
	h.targetsMutation(w, r, h.ctrl.AddToWhitelist)
}

func (h *RolloutHandler) RemoveFromWhitelist(w http.ResponseWriter, r *http.Request) {
	h.targetsMutation(w, r, h.ctrl.RemoveFromWhitelist)
}

func (h *RolloutHandler) AddToExclusions(w http.ResponseWriter, r *http.Request) {
	h.targetsMutation(w, r, h.ctrl.AddToExclusions)
}

func (h *RolloutHandler) targetsMutation(w http.ResponseWriter, r *http.Request, op func(string, []string, string) (models.RolloutConfig, error)) {
	var req targetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if len(req.RepositoryIDs) == 0 {
		http.Error(w, "repository_ids must not be empty", http.StatusBadRequest)
		return
	}
	h.applyMutation(w, r, func(actor string) (models.RolloutConfig, error) {
		return op(actor, req.RepositoryIDs, req.Reason)
	})
}

func (h *RolloutHandler) applyMutation(w http.ResponseWriter, r *http.Request, op func(actor string) (models.RolloutConfig, error)) {
	actor, ok := authz.ActorFromRequest(r)
	if !ok {
		http.Error(w, "Missing actor identity", http.StatusUnauthorized)
		return
	}
	cfg, err := op(actor)
	if err != nil {
		http.Error(w, "Failed to update rollout config: "+err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

func (h *RolloutHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil {
			limit = v
		}
	}
	entries, err := h.rolloutRepo.ListAudit(h.feature, limit)
	if err != nil {
		http.Error(w, "Failed to list audit entries: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// CheckHealth runs an on-demand health evaluation and returns the report.
// The same evaluation runs on the cron schedule; this endpoint exists so an
// operator can see the circuit breaker's view right now.
func (h *RolloutHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	report := h.monitor.CheckHealth()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// Recategorize recomputes every known repository's category tier.
func (h *RolloutHandler) Recategorize(w http.ResponseWriter, r *http.Request) {
	updated, err := h.classifier.CategorizeAll(r.Context())
	if err != nil {
		http.Error(w, "Failed to recategorize: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"updated": updated})
}

func (h *RolloutHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.categories.List()
	if err != nil {
		http.Error(w, "Failed to list categories: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cats)
}
