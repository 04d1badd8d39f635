package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"container-job-runner/internal/compute/computetest"
	"container-job-runner/internal/config"
	"container-job-runner/internal/models"
	"container-job-runner/internal/orchestrator"
	"container-job-runner/internal/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runConfig() config.Config {
	return config.Config{
		SubscriptionID:  "sub",
		ResourceGroup:   "rg",
		IdentityID:      "/subscriptions/sub/identity",
		RegistryServer:  "example.azurecr.io",
		Image:           "example.azurecr.io/job:latest",
		JobCPU:          0.25,
		JobMemoryGB:     0.5,
		PollInterval:    time.Millisecond,
		PollMaxAttempts: 3,
		CleanupTimeout:  time.Second,
	}
}

func newServer(cfg config.Config, p *computetest.Provider) http.Handler {
	orch := orchestrator.New(cfg, p, orchestrator.WithLogger(discardLogger()))
	return New(orch, nil, nil, discardLogger()).Router()
}

func do(t *testing.T, h http.Handler, method, target string, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return rec, out
}

func TestRunJob_ZeroExitReturns200(t *testing.T) {
	p := &computetest.Provider{
		Replies: []computetest.Reply{computetest.Terminal(models.StateSucceeded, 0)},
		LogText: "done",
	}
	rec, body := do(t, newServer(runConfig(), p), http.MethodPost, "/api/run-job", "ignored text")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Succeeded", body["state"])
	assert.EqualValues(t, 0, body["exitCode"])
	assert.Equal(t, "done", body["logs"])
	assert.Equal(t, 1, p.DeleteCalls())
}

func TestRunJob_NonZeroExitReturns500WithLogs(t *testing.T) {
	p := &computetest.Provider{
		Replies: []computetest.Reply{computetest.Terminal(models.StateFailed, 1)},
		LogText: "stack trace",
	}
	rec, body := do(t, newServer(runConfig(), p), http.MethodGet, "/api/run-job?name=ops", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Failed", body["state"])
	assert.EqualValues(t, 1, body["exitCode"])
	assert.Equal(t, "stack trace", body["logs"])
}

func TestRunJob_TimeoutReturns500WithNullExitCode(t *testing.T) {
	p := &computetest.Provider{Replies: []computetest.Reply{computetest.Running()}}
	rec, body := do(t, newServer(runConfig(), p), http.MethodPost, "/api/run-job", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Unknown", body["state"])
	exit, present := body["exitCode"]
	assert.True(t, present)
	assert.Nil(t, exit)
	assert.Contains(t, body["message"], "did not reach a terminal state")
	assert.Equal(t, 1, p.DeleteCalls())
}

func TestRunJob_ConfigErrorReturnsMessageBody(t *testing.T) {
	cfg := runConfig()
	cfg.Image = ""
	cfg.RegistryServer = ""
	p := &computetest.Provider{}

	rec, body := do(t, newServer(cfg, p), http.MethodPost, "/api/run-job", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "ACR_SERVER, CONTAINER_IMAGE")
	assert.NotContains(t, body, "state")
	assert.Zero(t, p.RemoteCalls())
}

func TestRunJob_SubmissionErrorReturnsMessageBody(t *testing.T) {
	p := &computetest.Provider{CreateErr: errors.New("registry denied")}
	rec, body := do(t, newServer(runConfig(), p), http.MethodPost, "/api/run-job", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["message"], "registry denied")
	assert.Equal(t, 1, p.DeleteCalls())
}

func TestRunJob_RateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute)
	p := &computetest.Provider{Replies: []computetest.Reply{computetest.Terminal(models.StateSucceeded, 0)}}
	orch := orchestrator.New(runConfig(), p, orchestrator.WithLogger(discardLogger()))
	h := New(orch, limiter, nil, discardLogger()).Router()

	rec, _ := do(t, h, http.MethodPost, "/api/run-job", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := do(t, h, http.MethodPost, "/api/run-job", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limited", body["message"])
	assert.Len(t, p.Created, 1)
}

type captureRunner struct {
	requests []orchestrator.RunRequest
	result   models.JobResult
}

func (c *captureRunner) Run(_ context.Context, req orchestrator.RunRequest) models.JobResult {
	c.requests = append(c.requests, req)
	return c.result
}

func TestRunJob_CallerNameFromQueryOrBody(t *testing.T) {
	runner := &captureRunner{result: models.JobResult{Success: true, State: models.StateSucceeded, ExitCode: models.IntPtr(0)}}
	h := New(runner, nil, nil, discardLogger()).Router()

	rec, _ := do(t, h, http.MethodGet, "/api/run-job?name=nightly", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/run-job", "  reports  \n")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/run-job?name=query-wins", "body-loses")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/run-job", nil)
	req.Header.Set("X-Tenant-ID", "team-a")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, runner.requests, 4)
	assert.Equal(t, "nightly", runner.requests[0].Caller)
	assert.Equal(t, "reports", runner.requests[1].Caller)
	assert.Equal(t, "query-wins", runner.requests[2].Caller)
	assert.Equal(t, "", runner.requests[3].Caller)
	assert.Equal(t, "default", runner.requests[0].Tenant)
	assert.Equal(t, "team-a", runner.requests[3].Tenant)
}

func TestRunJob_CancelledRunReturns500WithUnknownState(t *testing.T) {
	runner := &captureRunner{result: models.JobResult{
		JobName: "job-1",
		State:   models.StateUnknown,
		Logs:    "partial",
		Message: "run cancelled: context canceled",
		Err:     fmt.Errorf("%w: %w", orchestrator.ErrCancelled, context.Canceled),
	}}
	rec, body := do(t, New(runner, nil, nil, discardLogger()).Router(), http.MethodGet, "/api/run-job", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Unknown", body["state"])
	exit, present := body["exitCode"]
	assert.True(t, present)
	assert.Nil(t, exit)
	assert.Equal(t, "partial", body["logs"])
	assert.Equal(t, "job-1", body["jobName"])
	assert.Contains(t, body["message"], "run cancelled")
}

type fakeHistory struct {
	runs map[string]models.RunRecord
	err  error
}

func (f fakeHistory) GetRun(_ context.Context, name string) (models.RunRecord, error) {
	if f.err != nil {
		return models.RunRecord{}, f.err
	}
	rec, ok := f.runs[name]
	if !ok {
		return models.RunRecord{}, models.ErrRunNotFound
	}
	return rec, nil
}

func TestGetRun(t *testing.T) {
	hist := fakeHistory{runs: map[string]models.RunRecord{
		"job-1": {Name: "job-1", State: "Succeeded", ExitCode: models.IntPtr(0)},
	}}
	h := New(nil, nil, hist, discardLogger()).Router()

	rec, body := do(t, h, http.MethodGet, "/api/runs/job-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "job-1", body["name"])

	rec, _ = do(t, h, http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h = New(nil, nil, fakeHistory{err: errors.New("db down")}, discardLogger()).Router()
	rec, _ = do(t, h, http.MethodGet, "/api/runs/job-1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	h = New(nil, nil, nil, discardLogger()).Router()
	rec, _ = do(t, h, http.MethodGet, "/api/runs/job-1", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthz(t *testing.T) {
	rec, body := do(t, New(nil, nil, nil, discardLogger()).Router(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}
