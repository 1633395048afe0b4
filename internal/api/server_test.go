package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/winnow/internal/logger"
	"github.com/samcharles93/winnow/internal/report"
)

func newTestEcho(run RunFunc, cfg ServerConfig) *echo.Echo {
	server := NewServer(NewJobStore(), run, cfg, logger.Discard())
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func waitForJob(t *testing.T, e *echo.Echo, id string, want string) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, e, http.MethodGet, "/v1/jobs/"+id, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("get job status: %d body=%s", rec.Code, rec.Body.String())
		}
		var job Job
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %q", id, want)
	return Job{}
}

func TestSubmitAndPollJob(t *testing.T) {
	t.Parallel()

	run := func(ctx context.Context, req CompressRequest) (*report.Report, error) {
		return &report.Report{ModelType: "llama", Sparsity: 0.5}, nil
	}
	e := newTestEcho(run, ServerConfig{})

	rec := doJSON(t, e, http.MethodPost, "/v1/compress",
		`{"model":"m.winnow","recipe":"sparsification:\n  sparsity: 0.5\n","calibration":"calib.json"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status: %d body=%s", rec.Code, rec.Body.String())
	}
	var job Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if job.ID == "" || job.Status != StatusQueued {
		t.Fatalf("submitted job = %+v", job)
	}

	done := waitForJob(t, e, job.ID, StatusSucceeded)
	if done.Report == nil || done.Report.Sparsity != 0.5 {
		t.Fatalf("finished job report = %+v", done.Report)
	}
	if done.FinishedAt == nil {
		t.Fatal("finished job missing timestamp")
	}
}

func TestFailedJobRecordsError(t *testing.T) {
	t.Parallel()

	run := func(ctx context.Context, req CompressRequest) (*report.Report, error) {
		return nil, errors.New("model file unreadable")
	}
	e := newTestEcho(run, ServerConfig{})

	rec := doJSON(t, e, http.MethodPost, "/v1/compress", `{"model":"m.winnow","recipe_path":"r.yaml"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status: %d", rec.Code)
	}
	var job Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	done := waitForJob(t, e, job.ID, StatusFailed)
	if !strings.Contains(done.Error, "unreadable") {
		t.Fatalf("job error = %q", done.Error)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	e := newTestEcho(nil, ServerConfig{})
	tests := []struct {
		name string
		body string
	}{
		{name: "missing model", body: `{"recipe_path":"r.yaml"}`},
		{name: "missing recipe", body: `{"model":"m.winnow"}`},
		{name: "bad json", body: `{`},
	}
	for _, tt := range tests {
		rec := doJSON(t, e, http.MethodPost, "/v1/compress", tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d", tt.name, rec.Code)
		}
	}
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()

	e := newTestEcho(nil, ServerConfig{})
	rec := doJSON(t, e, http.MethodGet, "/v1/jobs/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	t.Parallel()

	run := func(ctx context.Context, req CompressRequest) (*report.Report, error) {
		return &report.Report{}, nil
	}
	e := newTestEcho(run, ServerConfig{SubmitRate: rate.Every(time.Hour), SubmitBurst: 1})

	body := `{"model":"m.winnow","recipe_path":"r.yaml"}`
	if rec := doJSON(t, e, http.MethodPost, "/v1/compress", body); rec.Code != http.StatusAccepted {
		t.Fatalf("first submit status: %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodPost, "/v1/compress", body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit status: %d", rec.Code)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	first := store.Create(CompressRequest{Model: "a"})
	store.now = func() time.Time { return time.Now().Add(time.Minute) }
	second := store.Create(CompressRequest{Model: "b"})

	jobs := store.List()
	if len(jobs) != 2 || jobs[0].ID != second.ID || jobs[1].ID != first.ID {
		t.Fatalf("list order = %+v", jobs)
	}
}
