package training

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/database/mock"
	"github.com/kozaktomas/photo-faces/internal/jobs"
	recmock "github.com/kozaktomas/photo-faces/internal/recognizer/mock"
	"go.uber.org/zap"
)

type fixture struct {
	store      *mock.MockStore
	rec        *recmock.MockRecognizer
	executor   *jobs.Executor
	controller *Controller
	paths      int
}

func newFixture(t *testing.T, cfg config.TrainingConfig) *fixture {
	t.Helper()
	store := mock.NewMockStore()
	rec := recmock.NewMockRecognizer()
	executor := jobs.NewExecutor(store, jobs.Config{
		Workers:      2,
		Resources:    map[string]int{jobs.ResourceRecognizer: 2},
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop())
	f := &fixture{
		store:      store,
		rec:        rec,
		executor:   executor,
		controller: NewController(store, rec, executor, cfg, zap.NewNop()),
	}
	if err := executor.Start(context.Background()); err != nil {
		t.Fatalf("start executor: %v", err)
	}
	t.Cleanup(executor.Stop)
	return f
}

func defaultConfig() config.TrainingConfig {
	return config.TrainingConfig{
		ConfidenceFloor:      0.98,
		OnlyManuallyAssigned: true,
		BatchSize:            2,
		UploadsPerPerson:     2,
	}
}

func (f *fixture) person(name string) int64 {
	return f.store.AddPerson(database.Person{Name: name})
}

// face adds a face assigned to personID and returns its id and image path.
func (f *fixture) face(personID int64, source database.AssignmentSource, confidence float64, uploaded bool) (int64, string) {
	f.paths++
	path := fmt.Sprintf("/photos/%d.jpg", f.paths)
	face := database.Face{
		ImagePath:           path,
		DetectionConfidence: confidence,
		Assignment:          database.AssignedTo(personID),
		AssignmentSource:    source,
	}
	if uploaded {
		now := time.Now()
		face.UploadState = database.UploadUploaded
		face.UploadedAt = &now
		face.ExternalFaceRef = "prior-" + path
	}
	return f.store.AddFace(face), path
}

func (f *fixture) train(t *testing.T, personID int64, policy *Policy) (*database.Job, *TrainResult) {
	t.Helper()
	job, err := f.controller.TrainPersonSelective(context.Background(), personID, policy)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	done := f.wait(t, job.ID)
	var result TrainResult
	if len(done.Result) > 0 {
		if err := json.Unmarshal(done.Result, &result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
	}
	return done, &result
}

func (f *fixture) wait(t *testing.T, id string) *database.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := f.executor.Wait(ctx, id, nil)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return done
}

func TestTrainPerson_UploadsEligibleFaces(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	pid := f.person("Jan Novák")

	good1, _ := f.face(pid, database.SourceManual, 0.99, false)
	good2, _ := f.face(pid, database.SourceManual, 0.985, false)
	lowConf, _ := f.face(pid, database.SourceManual, 0.90, false)
	auto, _ := f.face(pid, database.SourceAuto, 0.99, false)
	f.face(pid, database.SourceManual, 0.99, true)

	job, result := f.train(t, pid, nil)
	if job.Status != database.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", job.Status, job.Errors)
	}
	if result.Eligible != 2 || result.Succeeded != 2 || result.Failed != 0 {
		t.Errorf("unexpected result %+v", result)
	}
	if !result.SubjectCreated || !strings.HasPrefix(result.SubjectID, "jan-novak-") {
		t.Errorf("expected subject created from the person name, got %q", result.SubjectID)
	}

	person, _ := f.store.GetPerson(ctx, pid)
	if person.ExternalSubjectID != result.SubjectID || !f.rec.HasSubject(result.SubjectID) {
		t.Errorf("expected person linked to subject %q, got %q", result.SubjectID, person.ExternalSubjectID)
	}
	if person.RecognitionStatus != database.RecognitionTrained || person.LastTrainedAt == nil {
		t.Errorf("expected trained with timestamp, got %s %v", person.RecognitionStatus, person.LastTrainedAt)
	}

	for _, id := range []int64{good1, good2} {
		face, _ := f.store.GetFace(ctx, id)
		if !face.IsUploaded() || face.UploadedAt == nil || face.ExternalFaceRef == "" {
			t.Errorf("face %d: expected uploaded with reference, got %+v", id, face)
		}
	}
	for _, id := range []int64{lowConf, auto} {
		face, _ := f.store.GetFace(ctx, id)
		if face.IsUploaded() {
			t.Errorf("face %d must not be uploaded", id)
		}
	}

	log := f.store.TrainingLog()
	if len(log) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(log))
	}
	for _, entry := range log {
		if !entry.Success || entry.JobID != job.ID || entry.PersonID != pid {
			t.Errorf("unexpected log entry %+v", entry)
		}
	}
}

func TestTrainPerson_SecondRunIsNoop(t *testing.T) {
	f := newFixture(t, defaultConfig())
	pid := f.person("Eva")
	f.face(pid, database.SourceManual, 0.99, false)
	f.face(pid, database.SourceManual, 0.99, false)

	f.train(t, pid, nil)
	_, second := f.train(t, pid, nil)

	if second.Eligible != 0 || second.Attempted != 0 {
		t.Errorf("expected nothing to do, got %+v", second)
	}
	if f.rec.AddFaceCalls != 2 || f.rec.CreateSubjectCalls != 1 {
		t.Errorf("expected no further recognizer calls, got %d uploads and %d subjects", f.rec.AddFaceCalls, f.rec.CreateSubjectCalls)
	}
	if n := len(f.store.TrainingLog()); n != 2 {
		t.Errorf("expected no new log entries, got %d", n)
	}
}

func TestTrainPerson_NoEligibleFacesCreatesNoSubject(t *testing.T) {
	f := newFixture(t, defaultConfig())
	pid := f.person("Eva")
	f.face(pid, database.SourceAuto, 0.99, false)

	job, result := f.train(t, pid, nil)
	if job.Status != database.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if result.Eligible != 0 || f.rec.CreateSubjectCalls != 0 {
		t.Errorf("expected no subject for a person without eligible faces, got %+v (%d calls)", result, f.rec.CreateSubjectCalls)
	}
	person, _ := f.store.GetPerson(context.Background(), pid)
	if person.HasSubject() {
		t.Error("person must stay without subject")
	}
}

func TestTrainPerson_PartialFailure(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	pid := f.person("Eva")
	var ids []int64
	var failing int64
	for i := range 5 {
		id, path := f.face(pid, database.SourceManual, 0.99, false)
		ids = append(ids, id)
		if i == 2 {
			f.rec.FailPaths[path] = true
			failing = id
		}
	}

	job, result := f.train(t, pid, nil)
	if job.Status != database.JobStatusCompleted {
		t.Fatalf("individual failures must not fail the job, got %s", job.Status)
	}
	if result.Attempted != 5 || result.Succeeded != 4 || result.Failed != 1 {
		t.Errorf("unexpected counts %+v", result)
	}
	if len(result.Errors) != 1 {
		t.Errorf("expected one error in the sample, got %v", result.Errors)
	}

	face, _ := f.store.GetFace(ctx, failing)
	if face.IsUploaded() {
		t.Error("failed upload must leave the face not uploaded")
	}
	person, _ := f.store.GetPerson(ctx, pid)
	if person.RecognitionStatus != database.RecognitionTrained {
		t.Errorf("expected trained after partial success, got %s", person.RecognitionStatus)
	}

	// One entry per attempt, in dispatch order.
	log := f.store.TrainingLog()
	if len(log) != len(ids) {
		t.Fatalf("expected %d log entries, got %d", len(ids), len(log))
	}
	for i, entry := range log {
		if entry.FaceID != ids[i] {
			t.Errorf("log entry %d: expected face %d, got %d", i, ids[i], entry.FaceID)
		}
		if entry.FaceID == failing && (entry.Success || entry.Response == "") {
			t.Errorf("expected failure entry with response, got %+v", entry)
		}
	}

	// The failed face is retried on the next run.
	_, retry := f.train(t, pid, nil)
	if retry.Attempted != 1 || retry.Failed != 1 {
		t.Errorf("expected only the failed face retried, got %+v", retry)
	}
}

func TestTrainPerson_AllUploadsFail(t *testing.T) {
	f := newFixture(t, defaultConfig())
	pid := f.person("Eva")
	_, path := f.face(pid, database.SourceManual, 0.99, false)
	f.rec.FailPaths[path] = true

	job, result := f.train(t, pid, nil)
	if job.Status != database.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s", job.Status)
	}
	if result.Failed != 1 || result.Succeeded != 0 {
		t.Errorf("unexpected counts %+v", result)
	}
	person, _ := f.store.GetPerson(context.Background(), pid)
	if person.RecognitionStatus != database.RecognitionFailed {
		t.Errorf("expected failed status, got %s", person.RecognitionStatus)
	}
	if person.LastTrainedAt != nil {
		t.Error("a run without successes must not set last_trained_at")
	}
}

func TestTrainPerson_SubjectCreationFails(t *testing.T) {
	f := newFixture(t, defaultConfig())
	pid := f.person("Eva")
	f.face(pid, database.SourceManual, 0.99, false)
	f.rec.CreateSubjectError = apperr.External("create subject", 500, fmt.Errorf("boom"))

	job, _ := f.train(t, pid, nil)
	if job.Status != database.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", job.Status)
	}
	person, _ := f.store.GetPerson(context.Background(), pid)
	if person.RecognitionStatus != database.RecognitionFailed || person.HasSubject() {
		t.Errorf("expected failed person without subject, got %+v", person)
	}
	if f.rec.AddFaceCalls != 0 {
		t.Error("no uploads without a subject")
	}
}

func TestTrainPerson_ExistingSubject(t *testing.T) {
	f := newFixture(t, defaultConfig())
	pid := f.store.AddPerson(database.Person{Name: "Eva", ExternalSubjectID: "eva-existing"})
	f.rec.SeedSubject("eva-existing", 0)
	f.face(pid, database.SourceManual, 0.99, false)

	_, result := f.train(t, pid, nil)
	if result.SubjectCreated || result.SubjectID != "eva-existing" || result.Succeeded != 1 {
		t.Errorf("expected upload into the existing subject, got %+v", result)
	}
	if f.rec.CreateSubjectCalls != 0 {
		t.Error("existing subject must be reused")
	}
}

func TestTrainPerson_Budget(t *testing.T) {
	two := 2
	tests := []struct {
		name     string
		policy   Policy
		expected int
	}{
		{"cap counts already uploaded faces", Policy{OnlyManuallyAssigned: true, MaxFacesPerPerson: &two}, 1},
		{"cap per run with duplicates", Policy{OnlyManuallyAssigned: true, MaxFacesPerPerson: &two, AllowDuplicateUploads: true}, 2},
		{"no cap", Policy{OnlyManuallyAssigned: true}, 3},
		{"any source", Policy{OnlyManuallyAssigned: false}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultConfig())
			pid := f.person("Eva")
			f.face(pid, database.SourceManual, 0.99, true)
			for range 3 {
				f.face(pid, database.SourceManual, 0.99, false)
			}
			f.face(pid, database.SourceClustering, 0.99, false)

			_, result := f.train(t, pid, &tt.policy)
			if result.Attempted != tt.expected {
				t.Errorf("expected %d uploads, got %+v", tt.expected, result)
			}
		})
	}
}

func TestTrainPersonSelective_Validation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	pid := f.person("Eva")
	negative := -1

	if _, err := f.controller.TrainPersonSelective(ctx, 0, nil); !apperr.IsValidation(err) {
		t.Errorf("expected validation error for id 0, got %v", err)
	}
	if _, err := f.controller.TrainPersonSelective(ctx, 999, nil); !apperr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := f.controller.TrainPersonSelective(ctx, pid, &Policy{MaxFacesPerPerson: &negative}); !apperr.IsValidation(err) {
		t.Errorf("expected validation error for negative budget, got %v", err)
	}

	job, err := f.controller.TrainPersonSelective(ctx, pid, nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if job.ConcurrencyKey != fmt.Sprintf("person:%d", pid) {
		t.Errorf("expected per-person concurrency key, got %q", job.ConcurrencyKey)
	}
	f.wait(t, job.ID)
}

func TestScheduledPass(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	ready := f.store.AddPerson(database.Person{Name: "Ready", AllowAutoTraining: true})
	f.face(ready, database.SourceManual, 0.99, false)

	empty := f.store.AddPerson(database.Person{Name: "Empty", AllowAutoTraining: true})
	f.face(empty, database.SourceManual, 0.5, false)

	manualOnly := f.person("Manual only")
	f.face(manualOnly, database.SourceManual, 0.99, false)

	result, err := f.controller.ScheduledPass(ctx, nil)
	if err != nil {
		t.Fatalf("scheduled pass: %v", err)
	}
	if result.PersonsChecked != 3 || len(result.Jobs) != 1 {
		t.Fatalf("expected 1 job for 3 persons, got %+v", result)
	}
	if result.Skipped[empty] == "" || result.Skipped[manualOnly] == "" {
		t.Errorf("expected skip reasons, got %v", result.Skipped)
	}

	var req TrainRequest
	json.Unmarshal(result.Jobs[0].Payload, &req)
	if req.PersonID != ready {
		t.Errorf("expected job for person %d, got %d", ready, req.PersonID)
	}
	if result.Jobs[0].Priority >= 5 {
		t.Errorf("scheduled training must run below interactive work, priority %d", result.Jobs[0].Priority)
	}
	f.wait(t, result.Jobs[0].ID)
}

func TestStatsAndReset(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	pid := f.person("Eva")
	f.face(pid, database.SourceManual, 0.99, false)
	_, failPath := f.face(pid, database.SourceManual, 0.99, false)
	f.face(pid, database.SourceManual, 0.5, false)
	f.face(pid, database.SourceAuto, 0.99, false)
	f.rec.FailPaths[failPath] = true

	f.train(t, pid, nil)

	stats, err := f.controller.Stats(ctx, pid)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{
		PersonID:              pid,
		TotalFaces:            4,
		ManuallyAssignedFaces: 3,
		UploadedFaces:         1,
		PendingFaces:          2,
		FailedAttempts:        1,
	}
	if stats.TotalFaces != want.TotalFaces || stats.ManuallyAssignedFaces != want.ManuallyAssignedFaces ||
		stats.UploadedFaces != want.UploadedFaces || stats.PendingFaces != want.PendingFaces ||
		stats.FailedAttempts != want.FailedAttempts {
		t.Errorf("expected %+v, got %+v", want, stats)
	}

	reset, err := f.controller.ResetPersonTraining(ctx, pid)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.FacesReset != 1 {
		t.Errorf("expected 1 face reset, got %d", reset.FacesReset)
	}
	faces, _ := f.store.GetFacesByPerson(ctx, pid)
	for _, face := range faces {
		if face.IsUploaded() || face.UploadedAt != nil {
			t.Errorf("face %d still uploaded", face.ID)
		}
	}
	if len(faces) != 4 {
		t.Errorf("reset must not touch assignments, %d faces left", len(faces))
	}

	again, _ := f.controller.ResetPersonTraining(ctx, pid)
	if again.FacesReset != 0 {
		t.Errorf("expected idempotent reset, got %d", again.FacesReset)
	}

	if _, err := f.controller.ResetPersonTraining(ctx, 999); !apperr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestTrainingLog(t *testing.T) {
	f := newFixture(t, defaultConfig())
	pid := f.person("Eva")
	for range 3 {
		f.face(pid, database.SourceManual, 0.99, false)
	}
	f.train(t, pid, nil)

	entries, err := f.controller.TrainingLog(context.Background(), pid, 2)
	if err != nil {
		t.Fatalf("training log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID < entries[1].ID {
		t.Error("expected newest entries first")
	}
}

func TestUntrainFace(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	pid := f.person("Eva")
	id, _ := f.face(pid, database.SourceManual, 0.99, false)
	f.train(t, pid, nil)

	face, _ := f.store.GetFace(ctx, id)
	job, err := f.controller.UntrainFace(ctx, face)
	if err != nil {
		t.Fatalf("untrain: %v", err)
	}
	if done := f.wait(t, job.ID); done.Status != database.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", done.Status, done.Errors)
	}
	if f.rec.DeleteFaceCalls != 1 {
		t.Errorf("expected one recognizer delete, got %d", f.rec.DeleteFaceCalls)
	}
	face, _ = f.store.GetFace(ctx, id)
	if face.IsUploaded() || face.ExternalFaceRef != "" {
		t.Errorf("expected upload cleared, got %+v", face)
	}

	if _, err := f.controller.UntrainFace(ctx, face); !apperr.IsValidation(err) {
		t.Errorf("expected validation error for a face that was never uploaded, got %v", err)
	}
}
