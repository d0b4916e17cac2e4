package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/photo-faces/internal/consistency"
	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/jobs"
	"go.uber.org/zap"
)

func enqueueTestJob(t *testing.T, env *testEnv, jobType database.JobType) *database.Job {
	t.Helper()
	job, err := env.service.EnqueueJob(context.Background(), jobs.Request{Type: jobType, Priority: constants.PriorityNormal})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func TestJobsHandler_ListAndGet(t *testing.T) {
	env := newTestEnv(t)
	handler := NewJobsHandler(env.service, zap.NewNop())
	full := enqueueTestJob(t, env, jobs.TypeConsistencyFull)
	enqueueTestJob(t, env, jobs.TypeClustering)

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	assertStatusCode(t, recorder, http.StatusOK)
	var list []database.Job
	parseJSONResponse(t, recorder, &list)
	if len(list) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(list))
	}

	recorder = httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?type=consistency_full&status=pending", nil))
	parseJSONResponse(t, recorder, &list)
	if len(list) != 1 || list[0].ID != full.ID {
		t.Errorf("expected only job %s, got %+v", full.ID, list)
	}

	recorder = httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=failed", nil))
	assertStatusCode(t, recorder, http.StatusOK)
	if body := recorder.Body.String(); body != "[]\n" {
		t.Errorf("expected empty array, got %q", body)
	}

	recorder = httptest.NewRecorder()
	handler.Get(recorder, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"jobId": full.ID}))
	assertStatusCode(t, recorder, http.StatusOK)
	var job database.Job
	parseJSONResponse(t, recorder, &job)
	if job.Type != jobs.TypeConsistencyFull {
		t.Errorf("unexpected job %+v", job)
	}

	recorder = httptest.NewRecorder()
	handler.Get(recorder, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"jobId": "missing"}))
	assertStatusCode(t, recorder, http.StatusNotFound)
}

func TestJobsHandler_Cancel(t *testing.T) {
	env := newTestEnv(t)
	handler := NewJobsHandler(env.service, zap.NewNop())
	job := enqueueTestJob(t, env, jobs.TypeConsistencyFull)
	params := map[string]string{"jobId": job.ID}

	recorder := httptest.NewRecorder()
	handler.Cancel(recorder, requestWithChiParams(httptest.NewRequest(http.MethodDelete, "/", nil), params))
	assertStatusCode(t, recorder, http.StatusOK)
	var resp CancelResponse
	parseJSONResponse(t, recorder, &resp)
	if !resp.Cancelled || resp.Job.Status != database.JobStatusCancelled {
		t.Errorf("expected cancelled job, got %+v", resp)
	}

	// A second cancel finds the job terminal and leaves it alone.
	recorder = httptest.NewRecorder()
	handler.Cancel(recorder, requestWithChiParams(httptest.NewRequest(http.MethodDelete, "/", nil), params))
	assertStatusCode(t, recorder, http.StatusOK)
	parseJSONResponse(t, recorder, &resp)
	if resp.Cancelled {
		t.Errorf("expected second cancel to be ignored")
	}

	recorder = httptest.NewRecorder()
	handler.Cancel(recorder, requestWithChiParams(httptest.NewRequest(http.MethodDelete, "/", nil), map[string]string{"jobId": "missing"}))
	assertStatusCode(t, recorder, http.StatusNotFound)
}

func TestJobsHandler_EventsForFinishedJob(t *testing.T) {
	env := newTestEnv(t)
	handler := NewJobsHandler(env.service, zap.NewNop())
	env.start(t)
	job, err := env.service.CheckConsistency(context.Background(), consistency.Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	env.wait(t, job.ID)

	recorder := httptest.NewRecorder()
	handler.Events(recorder, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"jobId": job.ID}))

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "text/event-stream")
	body := recorder.Body.String()
	if !strings.HasPrefix(body, "event: status\ndata: ") {
		t.Errorf("expected an initial status event, got %q", body)
	}
	if !strings.Contains(body, `"status":"completed"`) {
		t.Errorf("expected completed status in stream, got %q", body)
	}
}

func TestJobsHandler_EventsStreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t)
	handler := NewJobsHandler(env.service, zap.NewNop())
	job, err := env.service.CheckConsistency(context.Background(), consistency.Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx), map[string]string{"jobId": job.ID})
	recorder := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.Events(recorder, req)
	}()

	// Start only after the stream is subscribed.
	time.Sleep(20 * time.Millisecond)
	env.start(t)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("stream did not end after the job finished")
	}
	body := recorder.Body.String()
	if !strings.Contains(body, `"status":"completed"`) {
		t.Errorf("expected a completed event, got %q", body)
	}
}

func TestJobsHandler_EventsUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	handler := NewJobsHandler(env.service, zap.NewNop())

	recorder := httptest.NewRecorder()
	handler.Events(recorder, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"jobId": "missing"}))

	assertStatusCode(t, recorder, http.StatusNotFound)
}
