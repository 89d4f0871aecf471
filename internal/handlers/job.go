package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/contributor-info/capture-router/internal/dispatch"
	"github.com/contributor-info/capture-router/internal/executor"
	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/repository"
	"github.com/pkg/errors"
)

type JobHandler struct {
	dispatcher *dispatch.Dispatcher
	realtime   *executor.RealtimeExecutor
	stats      repository.JobRepository
	logger     zerolog.Logger
}

func NewJobHandler(dispatcher *dispatch.Dispatcher, realtime *executor.RealtimeExecutor, stats repository.JobRepository, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		dispatcher: dispatcher,
		realtime:   realtime,
		stats:      stats,
		logger:     logger,
	}
}

func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req dispatch.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	job, err := h.dispatcher.Enqueue(r.Context(), req)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			http.Error(w, "An active job already exists for this repository and type", http.StatusConflict)
			return
		}
		http.Error(w, "Failed to enqueue job: "+err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(job)
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	job, err := h.dispatcher.GetStatus(jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := repository.JobFilter{
		RepositoryID: r.URL.Query().Get("repository"),
		Status:       models.JobStatus(r.URL.Query().Get("status")),
		Backend:      models.Backend(r.URL.Query().Get("backend")),
		Limit:        20,
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil {
			filter.Limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil {
			filter.Offset = v
		}
	}

	jobs, err := h.dispatcher.List(filter)
	if err != nil {
		http.Error(w, "Failed to list jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	if err := h.dispatcher.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to cancel job: "+err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JobHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	successor, err := h.dispatcher.Retry(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		if errors.Is(err, repository.ErrConflict) {
			http.Error(w, "An active job already exists for this repository and type", http.StatusConflict)
			return
		}
		http.Error(w, "Failed to retry job: "+err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(successor)
}

func (h *JobHandler) GetJobStats(w http.ResponseWriter, r *http.Request) {
	days := 31
	if d := r.URL.Query().Get("days"); d != "" {
		if v, err := strconv.Atoi(d); err == nil {
			days = v
		}
	}

	stats, err := h.stats.DailyStats(days)
	if err != nil {
		http.Error(w, "Failed to get job stats: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

type completionRequest struct {
	Status         models.JobStatus `json:"status"`
	Error          string           `json:"error,omitempty"`
	ItemsProcessed *int64           `json:"items_processed,omitempty"`
}

// CompleteJob is the callback endpoint the realtime backend hits with
// progress and terminal signals. It is authenticated by the per-job callback
// token minted at submission, not by an operator token.
func (h *JobHandler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]

	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		http.Error(w, "Callback token required", http.StatusUnauthorized)
		return
	}
	if err := h.realtime.VerifyCallbackToken(parts[1], jobID); err != nil {
		http.Error(w, "Invalid callback token", http.StatusUnauthorized)
		return
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	err := h.realtime.HandleCompletion(jobID, executor.CompletionOutcome{
		Status:         req.Status,
		Error:          req.Error,
		ItemsProcessed: req.ItemsProcessed,
	})
	if err != nil {
		if errors.Is(err, executor.ErrDrift) {
			// The record is already terminal; acknowledge so the backend
			// stops retrying, but flag it loudly for investigation.
			h.logger.Warn().Str("job", jobID).Str("status", string(req.Status)).
				Msg("Completion signal discarded, job record already terminal")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"result": "discarded"})
			return
		}
		http.Error(w, "Failed to apply completion: "+err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"result": "applied"})
}
