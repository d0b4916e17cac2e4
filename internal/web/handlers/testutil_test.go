package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/database/mock"
	"github.com/kozaktomas/photo-faces/internal/identity"
	"github.com/kozaktomas/photo-faces/internal/jobs"
	recmock "github.com/kozaktomas/photo-faces/internal/recognizer/mock"
	"go.uber.org/zap"
)

// testConfig creates a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Clustering: config.ClusteringConfig{SimilarityThreshold: 0.5, MinClusterSize: 2, MaxClusterSize: 10, Method: "bbox"},
		Training: config.TrainingConfig{
			ConfidenceFloor:      0.98,
			OnlyManuallyAssigned: true,
			UploadsPerPerson:     2,
			BatchSize:            5,
			AutoAssignThreshold:  0.9,
		},
		Executor: config.ExecutorConfig{Workers: 2, RecognizerSlots: 2},
	}
}

type testEnv struct {
	store    *mock.MockStore
	rec      *recmock.MockRecognizer
	executor *jobs.Executor
	service  *identity.Service
}

// newTestEnv wires a service over in-memory fakes. The executor is not started,
// so enqueued jobs stay pending unless the test starts it.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := mock.NewMockStore()
	rec := recmock.NewMockRecognizer()
	executor := jobs.NewExecutor(store, jobs.Config{
		Workers:      2,
		Resources:    map[string]int{jobs.ResourceRecognizer: 2},
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop())
	return &testEnv{
		store:    store,
		rec:      rec,
		executor: executor,
		service:  identity.NewService(store, rec, executor, testConfig(), zap.NewNop()),
	}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	if err := e.executor.Start(context.Background()); err != nil {
		t.Fatalf("start executor: %v", err)
	}
	t.Cleanup(e.executor.Stop)
}

func (e *testEnv) wait(t *testing.T, jobID string) *database.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := e.executor.Wait(ctx, jobID, nil)
	if err != nil {
		t.Fatalf("wait for job: %v", err)
	}
	return job
}

// jsonRequest creates a request with a JSON body
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	if body == nil {
		return httptest.NewRequest(method, path, nil)
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
