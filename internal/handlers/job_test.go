package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contributor-info/capture-router/internal/dispatch"
	"github.com/contributor-info/capture-router/internal/executor"
	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/router"
	"github.com/contributor-info/capture-router/internal/testutil"
)

type nopExecutor struct{}

func (nopExecutor) Submit(context.Context, models.Job) error { return nil }
func (nopExecutor) Cancel(context.Context, models.Job) error { return nil }

type allowAllRollout struct{}

func (allowAllRollout) IsEligible(string, models.RepositoryCategory) bool { return true }

type defaultCategories struct{}

func (defaultCategories) CategoryFor(string) models.RepositoryCategory {
	return models.RepositoryCategory{Category: models.CategorySmall, Priority: 80}
}

func newJobHandlerFixture(t *testing.T) (*JobHandler, *testutil.MemoryJobs, *executor.RealtimeExecutor) {
	t.Helper()
	jobs := testutil.NewMemoryJobs()
	realtime := executor.NewRealtimeExecutor(jobs, nil, executor.RealtimeConfig{}, []byte("secret"), zerolog.Nop())
	dispatcher := dispatch.NewDispatcher(jobs, allowAllRollout{}, defaultCategories{},
		nopExecutor{}, nopExecutor{}, router.DefaultConfig(), zerolog.Nop())
	return NewJobHandler(dispatcher, realtime, jobs, zerolog.Nop()), jobs, realtime
}

func jobRouter(h *JobHandler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/jobs", h.CreateJob).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs", h.ListJobs).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/stats", h.GetJobStats).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{jobID}", h.GetJob).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{jobID}/cancel", h.CancelJob).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/{jobID}/retry", h.RetryJob).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/{jobID}/complete", h.CompleteJob).Methods(http.MethodPost)
	return r
}

func postJSON(t *testing.T, r http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob(t *testing.T) {
	h, _, _ := newJobHandlerFixture(t)
	r := jobRouter(h)

	rec := postJSON(t, r, "/api/jobs", dispatch.EnqueueRequest{
		RepositoryID:  "facebook/react",
		Type:          models.JobTypeSyncRecent,
		TriggerOrigin: models.TriggerInteractive,
		ItemCount:     5,
		DataAgeHours:  2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var job models.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, models.BackendRealtime, job.Backend)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.NotEmpty(t, job.ID)
}

func TestCreateJobConflict(t *testing.T) {
	h, _, _ := newJobHandlerFixture(t)
	r := jobRouter(h)

	req := dispatch.EnqueueRequest{
		RepositoryID:  "facebook/react",
		Type:          models.JobTypeSyncRecent,
		TriggerOrigin: models.TriggerInteractive,
	}
	require.Equal(t, http.StatusCreated, postJSON(t, r, "/api/jobs", req).Code)
	assert.Equal(t, http.StatusConflict, postJSON(t, r, "/api/jobs", req).Code)
}

func TestCreateJobBadPayload(t *testing.T) {
	h, _, _ := newJobHandlerFixture(t)
	r := jobRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, r, "/api/jobs", dispatch.EnqueueRequest{Type: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob(t *testing.T) {
	h, jobs, _ := newJobHandlerFixture(t)
	r := jobRouter(h)

	jobs.Seed(models.Job{ID: "job-1", RepositoryID: "a/b", Type: models.JobTypeBackfill,
		Backend: models.BackendBatch, Status: models.StatusRunning})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var job models.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, models.StatusRunning, job.Status)

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	h, jobs, _ := newJobHandlerFixture(t)
	r := jobRouter(h)

	jobs.Seed(models.Job{ID: "job-1", RepositoryID: "a/b", Type: models.JobTypeSyncRecent,
		Backend: models.BackendRealtime, Status: models.StatusRunning})

	rec := postJSON(t, r, "/api/jobs/job-1/cancel", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = postJSON(t, r, "/api/jobs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryJob(t *testing.T) {
	h, jobs, _ := newJobHandlerFixture(t)
	r := jobRouter(h)

	jobs.Seed(models.Job{ID: "job-1", RepositoryID: "a/b", Type: models.JobTypeSyncRecent,
		Backend: models.BackendRealtime, Status: models.StatusFailed,
		TriggerOrigin: models.TriggerInteractive, CreatedAt: time.Now().UTC()})

	rec := postJSON(t, r, "/api/jobs/job-1/retry", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var successor models.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&successor))
	assert.Equal(t, 1, successor.RetryCount)
	require.NotNil(t, successor.PreviousJobID)
	assert.Equal(t, "job-1", *successor.PreviousJobID)
}

func completionToken(t *testing.T, jobs *testutil.MemoryJobs, jobID string) string {
	t.Helper()
	// Mint a token the way submission does: round-trip a submit against a
	// local endpoint and capture the payload.
	var token string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			CallbackToken string `json:"callback_token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		token = payload.CallbackToken
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	exec := executor.NewRealtimeExecutor(jobs, server.Client(), executor.RealtimeConfig{
		EndpointURL:       server.URL,
		CompletionTimeout: time.Hour,
	}, []byte("secret"), zerolog.Nop())
	require.NoError(t, exec.Submit(context.Background(), models.Job{ID: jobID}))
	require.NotEmpty(t, token)
	return token
}

func TestCompleteJob(t *testing.T) {
	h, jobs, _ := newJobHandlerFixture(t)
	r := jobRouter(h)

	jobs.Seed(models.Job{ID: "job-1", RepositoryID: "a/b", Type: models.JobTypeSyncRecent,
		Backend: models.BackendRealtime, Status: models.StatusPending})
	token := completionToken(t, jobs, "job-1")

	items := int64(7)
	body, _ := json.Marshal(completionRequest{Status: models.StatusCompleted, ItemsProcessed: &items})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/complete", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := jobs.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}

func TestCompleteJobRejectsBadToken(t *testing.T) {
	h, jobs, _ := newJobHandlerFixture(t)
	r := jobRouter(h)

	jobs.Seed(models.Job{ID: "job-1", RepositoryID: "a/b", Type: models.JobTypeSyncRecent,
		Backend: models.BackendRealtime, Status: models.StatusSubmitted})

	body, _ := json.Marshal(completionRequest{Status: models.StatusCompleted})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/complete", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/complete", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCompleteJobDiscardsDrift(t *testing.T) {
	h, jobs, _ := newJobHandlerFixture(t)
	r := jobRouter(h)

	jobs.Seed(models.Job{ID: "job-1", RepositoryID: "a/b", Type: models.JobTypeSyncRecent,
		Backend: models.BackendRealtime, Status: models.StatusPending})
	token := completionToken(t, jobs, "job-1")

	// Force the record terminal before the signal lands.
	jobs.Seed(models.Job{ID: "job-1", RepositoryID: "a/b", Type: models.JobTypeSyncRecent,
		Backend: models.BackendRealtime, Status: models.StatusCancelled})

	body, _ := json.Marshal(completionRequest{Status: models.StatusCompleted})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/complete", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "discarded", resp["result"])

	stored, err := jobs.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
}
