package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/training"
	"go.uber.org/zap"
)

func TestTrainRequest_Policy(t *testing.T) {
	yes := true
	limit := 3
	base := training.Policy{OnlyManuallyAssigned: true}

	if got := (TrainRequest{}).policy(base); got.OnlyManuallyAssigned != true || got.MaxFacesPerPerson != nil {
		t.Errorf("expected base policy, got %+v", got)
	}

	got := TrainRequest{AllowDuplicateUploads: &yes, MaxFacesPerPerson: &limit}.policy(base)
	if !got.AllowDuplicateUploads || got.MaxFacesPerPerson == nil || *got.MaxFacesPerPerson != 3 {
		t.Errorf("expected overrides applied, got %+v", got)
	}
	if !got.OnlyManuallyAssigned {
		t.Errorf("expected untouched field to keep its value")
	}
}

func TestTrainingHandler_Train(t *testing.T) {
	env := newTestEnv(t)
	handler := NewTrainingHandler(env.service, zap.NewNop())
	p := env.store.AddPerson(database.Person{Name: "Jan"})
	env.store.AddFace(database.Face{ImagePath: "/1.jpg", DetectionConfidence: 0.99, Assignment: database.AssignedTo(p), AssignmentSource: database.SourceManual})
	env.start(t)

	recorder := httptest.NewRecorder()
	req := jsonRequest(t, http.MethodPost, "/", map[string]any{"max_faces_per_person": 5})
	handler.Train(recorder, requestWithChiParams(req, map[string]string{"id": strconv.FormatInt(p, 10)}))

	assertStatusCode(t, recorder, http.StatusAccepted)
	var job database.Job
	parseJSONResponse(t, recorder, &job)
	done := env.wait(t, job.ID)
	if done.Status != database.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", done.Status, done.Errors)
	}
	if len(env.rec.UploadOrder) != 1 {
		t.Errorf("expected one upload, got %v", env.rec.UploadOrder)
	}

	recorder = httptest.NewRecorder()
	handler.Stats(recorder, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": strconv.FormatInt(p, 10)}))
	assertStatusCode(t, recorder, http.StatusOK)
	var stats training.Stats
	parseJSONResponse(t, recorder, &stats)
	if stats.UploadedFaces != 1 || stats.RecognitionStatus != database.RecognitionTrained {
		t.Errorf("unexpected stats %+v", stats)
	}

	recorder = httptest.NewRecorder()
	handler.Log(recorder, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/?limit=10", nil), map[string]string{"id": strconv.FormatInt(p, 10)}))
	assertStatusCode(t, recorder, http.StatusOK)
	var entries []database.TrainingLogEntry
	parseJSONResponse(t, recorder, &entries)
	if len(entries) == 0 {
		t.Errorf("expected training log entries")
	}

	recorder = httptest.NewRecorder()
	handler.Reset(recorder, requestWithChiParams(httptest.NewRequest(http.MethodDelete, "/", nil), map[string]string{"id": strconv.FormatInt(p, 10)}))
	assertStatusCode(t, recorder, http.StatusOK)
	var reset training.ResetResult
	parseJSONResponse(t, recorder, &reset)
	if reset.FacesReset != 1 {
		t.Errorf("expected 1 face reset, got %d", reset.FacesReset)
	}
}

func TestTrainingHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		body   any
		status int
	}{
		{"bad id", "abc", nil, http.StatusBadRequest},
		{"unknown person", "999", nil, http.StatusNotFound},
		{"negative cap", "1", map[string]any{"max_faces_per_person": -1}, http.StatusBadRequest},
		{"unknown field", "1", map[string]any{"max_faces": 2}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.store.AddPerson(database.Person{Name: "Jan"})
			handler := NewTrainingHandler(env.service, zap.NewNop())

			recorder := httptest.NewRecorder()
			req := jsonRequest(t, http.MethodPost, "/", tt.body)
			handler.Train(recorder, requestWithChiParams(req, map[string]string{"id": tt.id}))

			assertStatusCode(t, recorder, tt.status)
		})
	}
}

func TestTrainingHandler_Scheduled(t *testing.T) {
	env := newTestEnv(t)
	handler := NewTrainingHandler(env.service, zap.NewNop())
	auto := env.store.AddPerson(database.Person{Name: "Jan", AllowAutoTraining: true})
	env.store.AddPerson(database.Person{Name: "Eva"})
	env.store.AddFace(database.Face{DetectionConfidence: 0.99, Assignment: database.AssignedTo(auto), AssignmentSource: database.SourceManual})

	recorder := httptest.NewRecorder()
	handler.Scheduled(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/training/scheduled", nil))

	assertStatusCode(t, recorder, http.StatusAccepted)
	var result training.ScheduledResult
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.PersonsChecked != 2 || len(result.Jobs) != 1 {
		t.Errorf("expected one job for two persons, got %+v", result)
	}
}
