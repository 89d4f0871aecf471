package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/contributor-info/capture-router/internal/models"
	"github.com/contributor-info/capture-router/internal/repository"
	"github.com/contributor-info/capture-router/internal/temporal"
	"github.com/pkg/errors"
)

const defaultPageSize = 100

// Activities hosts the batch capture activity implementations registered on
// the Temporal worker.
type Activities struct {
	JobRepo    repository.JobRepository
	HTTPClient *http.Client
	APIBaseURL string
	APIToken   string
	PageSize   int
}

// MarkJobRunningActivity advances the job to running. Re-runs after an
// activity retry observe a mismatched status and are treated as no-ops.
func (a *Activities) MarkJobRunningActivity(ctx context.Context, jobID string) error {
	logger := activity.GetLogger(ctx)
	logger.Info("Marking job running", "jobID", jobID)

	ok, err := a.JobRepo.Transition(jobID, models.StatusSubmitted, models.StatusRunning, repository.TransitionUpdate{})
	if err != nil {
		logger.Error("Failed to mark job running", "error", err)
		return err
	}
	if !ok {
		job, err := a.JobRepo.Get(jobID)
		if err != nil {
			return errors.Wrap(err, "load job after transition miss")
		}
		if job.Status.Terminal() {
			return errors.Errorf("job %s already terminal (%s)", jobID, job.Status)
		}
	}
	return nil
}

// FetchCaptureDataActivity pages capture data out of the external API,
// heartbeating once per page and backing off when the remaining quota is
// exhausted. The quota respect is what keeps batch work from starving the
// realtime path of API budget.
func (a *Activities) FetchCaptureDataActivity(ctx context.Context, params temporal.CaptureParams) (*temporal.FetchResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Fetching capture data", "jobID", params.JobID, "repository", params.RepositoryID)

	pageSize := a.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	result := &temporal.FetchResult{}
	for page := 1; ; {
		activity.RecordHeartbeat(ctx, fmt.Sprintf("page-%d", page))

		served, items, remaining, reset, err := a.fetchPage(ctx, params, page, pageSize)
		if err != nil {
			return nil, err
		}
		result.APICalls++

		if !served {
			// Quota ran out before this page was served; wait out the
			// window and refetch the same page so no data is skipped.
			result.RateLimited = true
			if err := a.waitForQuota(ctx, reset); err != nil {
				return nil, err
			}
			continue
		}

		result.ItemsProcessed += int64(items)
		if remaining == 0 {
			// This page landed on the last unit of quota; the next request
			// would be rejected, so wait before advancing.
			result.RateLimited = true
			if err := a.waitForQuota(ctx, reset); err != nil {
				return nil, err
			}
		}
		if items < pageSize {
			break
		}
		page++
	}

	logger.Info("Capture fetch finished",
		"jobID", params.JobID, "items", result.ItemsProcessed, "apiCalls", result.APICalls)
	return result, nil
}

// fetchPage requests one page. served is false when the API rejected the
// request for exhausted quota; the caller must wait and retry the same page.
func (a *Activities) fetchPage(ctx context.Context, params temporal.CaptureParams, page, pageSize int) (served bool, items, remaining int, reset time.Time, err error) {
	url := fmt.Sprintf("%s/repos/%s/events?page=%d&per_page=%d", a.APIBaseURL, params.RepositoryID, page, pageSize)
	if params.TimeRangeStart != nil {
		url += "&since=" + params.TimeRangeStart.UTC().Format(time.RFC3339)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, 0, 0, time.Time{}, errors.Wrap(err, "build capture request")
	}
	if a.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIToken)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return false, 0, 0, time.Time{}, errors.Wrap(err, "fetch capture page")
	}
	defer resp.Body.Close()

	remaining = -1
	if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
		if n, parseErr := strconv.Atoi(v); parseErr == nil {
			remaining = n
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if epoch, parseErr := strconv.ParseInt(v, 10, 64); parseErr == nil {
			reset = time.Unix(epoch, 0)
		}
	}

	if resp.StatusCode == http.StatusForbidden && remaining == 0 {
		// Quota exhausted mid-run; the page was not served.
		return false, 0, 0, reset, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, 0, 0, time.Time{}, errors.Errorf("capture API returned %s", resp.Status)
	}

	var payload []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, 0, 0, time.Time{}, errors.Wrap(err, "decode capture page")
	}
	return true, len(payload), remaining, reset, nil
}

// waitForQuota sleeps until the API quota resets, heartbeating so the
// activity is not considered stuck.
func (a *Activities) waitForQuota(ctx context.Context, reset time.Time) error {
	wait := time.Until(reset)
	if wait <= 0 {
		wait = time.Minute
	}
	logger := activity.GetLogger(ctx)
	logger.Info("API quota exhausted, waiting for reset", "wait", wait.String())

	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-ticker.C:
			activity.RecordHeartbeat(ctx, "waiting-for-quota")
		}
	}
}

// CompleteJobActivity records the terminal completed state with the item
// count. A conditional-transition miss after a workflow replay is benign.
func (a *Activities) CompleteJobActivity(ctx context.Context, jobID string, items int64) error {
	logger := activity.GetLogger(ctx)
	upd := repository.TransitionUpdate{ItemsProcessed: &items}
	for _, from := range []models.JobStatus{models.StatusRunning, models.StatusSubmitted} {
		ok, err := a.JobRepo.Transition(jobID, from, models.StatusCompleted, upd)
		if err != nil {
			logger.Error("Failed to complete job", "error", err)
			return err
		}
		if ok {
			return nil
		}
	}
	logger.Warn("Completion observed no non-terminal job, discarding", "jobID", jobID)
	return nil
}

func (a *Activities) FailJobActivity(ctx context.Context, jobID, message string) error {
	logger := activity.GetLogger(ctx)
	upd := repository.TransitionUpdate{Error: message}
	for _, from := range []models.JobStatus{models.StatusRunning, models.StatusSubmitted} {
		ok, err := a.JobRepo.Transition(jobID, from, models.StatusFailed, upd)
		if err != nil {
			logger.Error("Failed to record job failure", "error", err)
			return err
		}
		if ok {
			return nil
		}
	}
	logger.Warn("Failure signal observed no non-terminal job, discarding", "jobID", jobID)
	return nil
}
