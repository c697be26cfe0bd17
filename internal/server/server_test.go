package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dusk-indust/testsmith/internal/artifact"
	"github.com/dusk-indust/testsmith/internal/orchestrator"
	"github.com/dusk-indust/testsmith/internal/task"
)

type fakeService struct {
	submit  func(req orchestrator.Request) (string, error)
	status  func(id string) (*task.Task, error)
	results func(id string) (*orchestrator.Result, error)
}

func (f *fakeService) Submit(_ context.Context, req orchestrator.Request) (string, error) {
	return f.submit(req)
}
func (f *fakeService) Status(id string) (*task.Task, error)            { return f.status(id) }
func (f *fakeService) Results(id string) (*orchestrator.Result, error) { return f.results(id) }
func (f *fakeService) EstimatedSeconds() int                           { return 120 }

type fakePackager struct {
	pack func(id string, kind artifact.Kind) ([]byte, error)
}

func (f *fakePackager) Package(id string, kind artifact.Kind) ([]byte, error) {
	return f.pack(id, kind)
}

func newTestServer(t *testing.T, svc Service, pkg Packager) *Server {
	t.Helper()
	if pkg == nil {
		pkg = &fakePackager{pack: func(string, artifact.Kind) ([]byte, error) {
			return nil, fmt.Errorf("task %q: %w", "x", task.ErrNotFound)
		}}
	}
	return New(":0", "test", svc, pkg, prometheus.NewRegistry(), zaptest.NewLogger(t))
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestAnalyzeAccepted(t *testing.T) {
	svc := &fakeService{
		submit: func(req orchestrator.Request) (string, error) {
			assert.Equal(t, "https://example.com/org/repo.git", req.RepositoryURL)
			assert.Equal(t, 85, req.Options.TargetCoverage)
			return "task-123", nil
		},
	}
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodPost, "/api/v1/analyze",
		`{"repository_url":"https://example.com/org/repo.git","options":{"target_coverage":85}}`)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp analyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "task-123", resp.TaskID)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, 120, resp.EstimatedTime)
	assert.NotEmpty(t, resp.Message)
}

func TestAnalyzeValidationFailure(t *testing.T) {
	svc := &fakeService{
		submit: func(orchestrator.Request) (string, error) {
			return "", &orchestrator.ValidationError{Field: "repository_url", Reason: "unsupported scheme \"ftp\""}
		},
	}
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodPost, "/api/v1/analyze", `{"repository_url":"ftp://example.com/x"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "repository_url")
}

func TestAnalyzeMalformedBody(t *testing.T) {
	svc := &fakeService{
		submit: func(orchestrator.Request) (string, error) {
			t.Fatal("submit must not be reached")
			return "", nil
		},
	}
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodPost, "/api/v1/analyze", `{"repository_url":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFound(t *testing.T) {
	now := time.Now().UTC()
	svc := &fakeService{
		status: func(id string) (*task.Task, error) {
			return &task.Task{
				ID:                 id,
				Status:             task.StateRunning,
				ProgressPercentage: 45,
				CurrentStep:        "Generating tests",
				CreatedAt:          now,
				StartedAt:          &now,
			}, nil
		},
	}
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodGet, "/api/v1/status/task-123", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "task-123", got["task_id"])
	assert.Equal(t, "running", got["status"])
	assert.Equal(t, float64(45), got["progress_percentage"])
	assert.Equal(t, "Generating tests", got["current_step"])
	assert.NotContains(t, got, "completed_at", "nullable fields omitted while unset")
}

func TestStatusNotFound(t *testing.T) {
	svc := &fakeService{
		status: func(id string) (*task.Task, error) {
			return nil, fmt.Errorf("task %q: %w", id, task.ErrNotFound)
		},
	}
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodGet, "/api/v1/status/ghost", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultsStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("task: %w", task.ErrNotFound), http.StatusNotFound},
		{"still running", fmt.Errorf("task: %w", orchestrator.ErrNotReady), http.StatusConflict},
		{"failed with nothing", fmt.Errorf("task: %w", orchestrator.ErrNoResult), http.StatusNotFound},
		{"unexpected", fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{
				results: func(string) (*orchestrator.Result, error) { return nil, tc.err },
			}
			s := newTestServer(t, svc, nil)

			rec := do(s, http.MethodGet, "/api/v1/results/task-1", "")
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestResultsOK(t *testing.T) {
	svc := &fakeService{
		results: func(id string) (*orchestrator.Result, error) {
			return &orchestrator.Result{
				TaskID:            id,
				Status:            task.StateCompleted,
				DetectedLanguages: []string{"go"},
				GeneratedTests:    7,
			}, nil
		},
	}
	s := newTestServer(t, svc, nil)

	rec := do(s, http.MethodGet, "/api/v1/results/task-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "task-1", got["task_id"])
	assert.Equal(t, float64(7), got["generated_tests"])
}

func TestDownload(t *testing.T) {
	pkg := &fakePackager{pack: func(id string, kind artifact.Kind) ([]byte, error) {
		assert.Equal(t, "task-1", id)
		assert.Equal(t, artifact.KindTests, kind)
		return []byte("PK\x03\x04zipdata"), nil
	}}
	s := newTestServer(t, &fakeService{}, pkg)

	rec := do(s, http.MethodGet, "/api/v1/download/task-1/tests", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "test_files_task-1.zip")
}

func TestDownloadStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not ready", fmt.Errorf("task: %w", orchestrator.ErrNotReady), http.StatusConflict},
		{"not found", fmt.Errorf("task: %w", task.ErrNotFound), http.StatusNotFound},
		{"bad kind", fmt.Errorf("%w: %q", artifact.ErrUnknownKind, "sources"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pkg := &fakePackager{pack: func(string, artifact.Kind) ([]byte, error) { return nil, tc.err }}
			s := newTestServer(t, &fakeService{}, pkg)

			rec := do(s, http.MethodGet, "/api/v1/download/task-1/tests", "")
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeService{}, nil)

	rec := do(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, "testsmith", got["service"])
	assert.Equal(t, "test", got["version"])

	ts, err := time.Parse(time.RFC3339, got["timestamp"])
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "testsmith_sample_total", Help: "sample"})
	reg.MustRegister(c)
	c.Inc()

	s := New(":0", "test", &fakeService{}, &fakePackager{}, reg, zaptest.NewLogger(t))

	rec := do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "testsmith_sample_total 1")
}
