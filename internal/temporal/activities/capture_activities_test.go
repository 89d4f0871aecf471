package activities

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/contributor-info/capture-router/internal/temporal"
)

func serveEvents(t *testing.T, w http.ResponseWriter, remaining, count int) {
	t.Helper()
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("Content-Type", "application/json")
	events := make([]map[string]string, count)
	for i := range events {
		events[i] = map[string]string{"id": fmt.Sprintf("evt-%d", i)}
	}
	require.NoError(t, json.NewEncoder(w).Encode(events))
}

func runFetchActivity(t *testing.T, a *Activities) temporal.FetchResult {
	t.Helper()
	ts := &testsuite.WorkflowTestSuite{}
	env := ts.NewTestActivityEnvironment()
	env.SetTestTimeout(10 * time.Second)
	env.RegisterActivity(a.FetchCaptureDataActivity)

	val, err := env.ExecuteActivity(a.FetchCaptureDataActivity, temporal.CaptureParams{
		JobID:        "job-1",
		RepositoryID: "facebook/react",
	})
	require.NoError(t, err)

	var result temporal.FetchResult
	require.NoError(t, val.Get(&result))
	return result
}

func TestFetchCaptureDataActivityPaginates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			serveEvents(t, w, 50, 2)
		case "2":
			serveEvents(t, w, 49, 1)
		default:
			t.Errorf("unexpected page %s", r.URL.Query().Get("page"))
		}
	}))
	defer server.Close()

	a := &Activities{HTTPClient: server.Client(), APIBaseURL: server.URL, PageSize: 2}
	result := runFetchActivity(t, a)

	assert.Equal(t, int64(3), result.ItemsProcessed)
	assert.Equal(t, 2, result.APICalls)
	assert.False(t, result.RateLimited)
}

func TestFetchCaptureDataActivityRefetchesRateLimitedPage(t *testing.T) {
	// The second page is rejected for exhausted quota on its first attempt.
	// After the reset passes, the same page must be fetched again so its
	// items land in the result rather than being silently skipped.
	page2Attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			serveEvents(t, w, 5, 2)
		case "2":
			page2Attempts++
			if page2Attempts == 1 {
				w.Header().Set("X-RateLimit-Remaining", "0")
				reset := time.Now().Add(2 * time.Second).Unix()
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
				w.WriteHeader(http.StatusForbidden)
				return
			}
			serveEvents(t, w, 4, 1)
		default:
			t.Errorf("unexpected page %s", r.URL.Query().Get("page"))
		}
	}))
	defer server.Close()

	a := &Activities{HTTPClient: server.Client(), APIBaseURL: server.URL, PageSize: 2}

	start := time.Now()
	result := runFetchActivity(t, a)

	assert.Equal(t, 2, page2Attempts, "rejected page must be refetched")
	assert.Equal(t, int64(3), result.ItemsProcessed)
	assert.Equal(t, 3, result.APICalls)
	assert.True(t, result.RateLimited)
	assert.Less(t, time.Since(start), 5*time.Second,
		"a near-term reset must not wait a full heartbeat tick")
}

func TestFetchCaptureDataActivitySurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	a := &Activities{HTTPClient: server.Client(), APIBaseURL: server.URL, PageSize: 2}

	ts := &testsuite.WorkflowTestSuite{}
	env := ts.NewTestActivityEnvironment()
	env.SetTestTimeout(10 * time.Second)
	env.RegisterActivity(a.FetchCaptureDataActivity)

	_, err := env.ExecuteActivity(a.FetchCaptureDataActivity, temporal.CaptureParams{
		JobID:        "job-1",
		RepositoryID: "facebook/react",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
