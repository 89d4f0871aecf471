package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/contributor-info/capture-router/internal/authz"
	"github.com/contributor-info/capture-router/internal/handlers"
)

// NewRouter sets up the API routes.
func NewRouter(
	auth *handlers.AuthHandler,
	jobs *handlers.JobHandler,
	rollout *handlers.RolloutHandler,
	jwtSecret string,
) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// Public: token exchange and the realtime backend's completion callback.
	// The callback authenticates with its per-job token, not an operator JWT.
	router.HandleFunc("/api/token", auth.IssueToken).Methods(http.MethodPost)
	router.HandleFunc("/api/jobs/{jobID}/complete", jobs.CompleteJob).Methods(http.MethodPost)

	// Everything else requires an operator bearer token.
	api := router.PathPrefix("/api").Subrouter()
	api.Use(authz.RequireOperator(jwtSecret))

	api.HandleFunc("/jobs", jobs.CreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", jobs.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/stats", jobs.GetJobStats).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobID}", jobs.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobID}/cancel", jobs.CancelJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{jobID}/retry", jobs.RetryJob).Methods(http.MethodPost)

	api.HandleFunc("/rollout", rollout.GetConfig).Methods(http.MethodGet)
	api.HandleFunc("/rollout/percentage", rollout.SetPercentage).Methods(http.MethodPut)
	api.HandleFunc("/rollout/strategy", rollout.SetStrategy).Methods(http.MethodPut)
	api.HandleFunc("/rollout/max-error-rate", rollout.SetMaxErrorRate).Methods(http.MethodPut)
	api.HandleFunc("/rollout/emergency-stop", rollout.EmergencyStop).Methods(http.MethodPost)
	api.HandleFunc("/rollout/resume", rollout.Resume).Methods(http.MethodPost)
	api.HandleFunc("/rollout/whitelist", rollout.AddToWhitelist).Methods(http.MethodPost)
	api.HandleFunc("/rollout/whitelist", rollout.RemoveFromWhitelist).Methods(http.MethodDelete)
	api.HandleFunc("/rollout/exclusions", rollout.AddToExclusions).Methods(http.MethodPost)
	api.HandleFunc("/rollout/audit", rollout.ListAudit).Methods(http.MethodGet)

	api.HandleFunc("/health-check", rollout.CheckHealth).Methods(http.MethodPost)
	api.HandleFunc("/categories", rollout.ListCategories).Methods(http.MethodGet)
	api.HandleFunc("/categories/recompute", rollout.Recategorize).Methods(http.MethodPost)

	return router
}
