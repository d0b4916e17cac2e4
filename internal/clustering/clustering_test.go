package clustering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/database/mock"
	"github.com/kozaktomas/photo-faces/internal/jobs"
	recmock "github.com/kozaktomas/photo-faces/internal/recognizer/mock"
	"github.com/kozaktomas/photo-faces/internal/similarity"
	"go.uber.org/zap"
)

type fixture struct {
	store  *mock.MockStore
	rec    *recmock.MockRecognizer
	engine *Engine
	faces  []int64
}

// newFixture creates n unassigned faces with image paths f1..fn.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	store := mock.NewMockStore()
	rec := recmock.NewMockRecognizer()
	f := &fixture{
		store:  store,
		rec:    rec,
		engine: NewEngine(store, similarity.NewEngine(store, rec, zap.NewNop()), zap.NewNop()),
	}
	for i := 1; i <= n; i++ {
		f.faces = append(f.faces, store.AddFace(database.Face{
			ImagePath:           fmt.Sprintf("f%d", i),
			DetectionConfidence: 0.9,
		}))
	}
	return f
}

func (f *fixture) score(a, b int, s float64) {
	f.rec.SetScore(fmt.Sprintf("f%d", a), fmt.Sprintf("f%d", b), s)
}

func defaultOpts() Options {
	return Options{SimilarityThreshold: 0.75, MinClusterSize: 2, MaxClusterSize: 50, Method: database.MethodEmbedding}
}

func TestClusterUnassignedFaces_Scenario(t *testing.T) {
	f := newFixture(t, 10)
	f.score(1, 2, 0.85)
	f.score(1, 3, 0.80)
	f.score(2, 3, 0.90)
	ctx := context.Background()

	result, err := f.engine.ClusterUnassignedFaces(ctx, defaultOpts(), nil)
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	if result.FacesProcessed != 10 {
		t.Errorf("expected 10 faces processed, got %d", result.FacesProcessed)
	}
	if result.ClustersCreated != 1 {
		t.Fatalf("expected 1 cluster, got %d", result.ClustersCreated)
	}
	if result.SimilaritiesCalculated != 45 {
		t.Errorf("expected 45 pair scores, got %d", result.SimilaritiesCalculated)
	}

	members, err := f.store.GetClusterMembers(ctx, result.ClusterIDs[0])
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	for i, want := range f.faces[:3] {
		if members[i].FaceID != want {
			t.Errorf("member %d: expected face %d, got %d", i, want, members[i].FaceID)
		}
	}

	cluster, _ := f.store.GetCluster(ctx, result.ClusterIDs[0])
	if cluster.State != database.ClusterPending || cluster.FaceCount != 3 {
		t.Errorf("unexpected cluster %+v", cluster)
	}
	// Face 2 scores 0.85 and 0.90, the highest average.
	if cluster.RepresentativeFaceID != f.faces[1] {
		t.Errorf("expected representative %d, got %d", f.faces[1], cluster.RepresentativeFaceID)
	}

	// Nothing changed, so the second run is a no-op.
	again, err := f.engine.ClusterUnassignedFaces(ctx, defaultOpts(), nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.ClustersCreated != 0 || again.SimilaritiesCalculated != 0 {
		t.Errorf("expected no-op second run, got %+v", again)
	}
	if again.FacesProcessed != 7 {
		t.Errorf("expected clustered faces to be skipped, got %d processed", again.FacesProcessed)
	}
}

func TestClusterUnassignedFaces_CapsByCentrality(t *testing.T) {
	f := newFixture(t, 4)
	for _, p := range [][2]int{{1, 2}, {1, 3}, {1, 4}} {
		f.score(p[0], p[1], 0.9)
	}
	for _, p := range [][2]int{{2, 3}, {2, 4}, {3, 4}} {
		f.score(p[0], p[1], 0.8)
	}
	ctx := context.Background()
	// Faces 2, 3 and 4 tie on centrality; detection confidence breaks the tie.
	raise := func(id int64, conf float64) {
		face, _ := f.store.GetFace(ctx, id)
		face.DetectionConfidence = conf
		f.store.AddFace(*face)
	}
	raise(f.faces[3], 0.99)

	opts := defaultOpts()
	opts.MaxClusterSize = 3
	result, err := f.engine.ClusterUnassignedFaces(ctx, opts, nil)
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	if result.ClustersCreated != 1 {
		t.Fatalf("expected 1 cluster, got %d", result.ClustersCreated)
	}

	members, _ := f.store.GetClusterMembers(ctx, result.ClusterIDs[0])
	got := make(map[int64]database.ClusterMember)
	for _, m := range members {
		got[m.FaceID] = m
	}
	for _, want := range []int64{f.faces[0], f.faces[1], f.faces[3]} {
		if _, ok := got[want]; !ok {
			t.Errorf("expected face %d kept, members %v", want, members)
		}
	}
	if _, ok := got[f.faces[2]]; ok {
		t.Error("expected face 3 to be left out")
	}
	if !got[f.faces[0]].IsRepresentative {
		t.Error("expected the most central face to be representative")
	}

	// The excess face stays a candidate for the next run.
	unassigned, _ := f.store.GetUnassignedFaces(ctx, database.UnassignedFilter{ExcludeActiveClusters: true})
	if len(unassigned) != 1 || unassigned[0].ID != f.faces[2] {
		t.Errorf("expected only face 3 left in the pool, got %v", unassigned)
	}
}

func TestClusterUnassignedFaces_DiscardsSmallComponents(t *testing.T) {
	f := newFixture(t, 5)
	f.score(1, 2, 0.8)
	f.score(3, 4, 0.8)
	f.score(4, 5, 0.8)

	opts := defaultOpts()
	opts.MinClusterSize = 3
	result, err := f.engine.ClusterUnassignedFaces(context.Background(), opts, nil)
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	if result.ClustersCreated != 1 {
		t.Fatalf("expected only the chain of 3 to form a cluster, got %d", result.ClustersCreated)
	}
	members, _ := f.store.GetClusterMembers(context.Background(), result.ClusterIDs[0])
	if len(members) != 3 || members[0].FaceID != f.faces[2] {
		t.Errorf("unexpected members %v", members)
	}
}

func TestClusterUnassignedFaces_SkipsConflicts(t *testing.T) {
	f := newFixture(t, 2)
	f.score(1, 2, 0.9)
	f.store.CreateClusterError = apperr.Conflict("face", 1, "face is no longer available for clustering")

	result, err := f.engine.ClusterUnassignedFaces(context.Background(), defaultOpts(), nil)
	if err != nil {
		t.Fatalf("conflicts must not fail the run: %v", err)
	}
	if result.ClustersCreated != 0 || result.ConflictsSkipped != 1 {
		t.Errorf("expected one skipped cluster, got %+v", result)
	}
}

func TestClusterUnassignedFaces_SkipsDeletedFaces(t *testing.T) {
	f := newFixture(t, 6)
	f.score(1, 2, 0.9)
	f.score(4, 5, 0.9)
	f.score(4, 6, 0.9)
	f.score(5, 6, 0.9)
	ctx := context.Background()

	deleted := f.faces[0]
	result, err := f.engine.ClusterUnassignedFaces(ctx, defaultOpts(), func(p int, phase string) {
		if !strings.HasPrefix(phase, "Saving") {
			return
		}
		if _, err := f.store.DeleteSimilaritiesForFace(ctx, deleted); err != nil {
			t.Errorf("delete similarities: %v", err)
		}
		if err := f.store.DeleteFace(ctx, deleted); err != nil {
			t.Errorf("delete face: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("a deleted face must not fail the run: %v", err)
	}
	if result.ClustersCreated != 1 || result.ConflictsSkipped != 1 {
		t.Fatalf("expected one cluster and one skipped group, got %+v", result)
	}
	members, err := f.store.GetClusterMembers(ctx, result.ClusterIDs[0])
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 3 {
		t.Errorf("expected the {4,5,6} cluster to be saved, got %d members", len(members))
	}
}

func TestClusterUnassignedFaces_RecognizerFailure(t *testing.T) {
	f := newFixture(t, 3)
	f.rec.CompareError = apperr.External("verify", 503, fmt.Errorf("unavailable"))

	_, err := f.engine.ClusterUnassignedFaces(context.Background(), defaultOpts(), nil)
	if !apperr.IsExternal(err) {
		t.Errorf("expected external error, got %v", err)
	}
	clusters, _ := f.store.ListClusters(context.Background(), "")
	if len(clusters) != 0 {
		t.Error("a failed run must not create clusters")
	}
}

func TestClusterUnassignedFaces_ReportsProgress(t *testing.T) {
	f := newFixture(t, 4)
	var last int
	var calls int
	_, err := f.engine.ClusterUnassignedFaces(context.Background(), defaultOpts(), func(p int, phase string) {
		if p < last {
			t.Errorf("progress went backwards: %d after %d", p, last)
		}
		last = p
		calls++
	})
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	if last != 100 || calls < 3 {
		t.Errorf("expected progress to reach 100 over several calls, got %d after %d calls", last, calls)
	}
}

func TestRebuildAllClusters(t *testing.T) {
	f := newFixture(t, 4)
	f.score(1, 2, 0.9)
	ctx := context.Background()

	first, err := f.engine.ClusterUnassignedFaces(ctx, defaultOpts(), nil)
	if err != nil || first.ClustersCreated != 1 {
		t.Fatalf("first run: %+v %v", first, err)
	}

	// New evidence joins face 3 to the group.
	f.score(2, 3, 0.9)
	opts := defaultOpts()
	opts.RebuildSimilarities = true
	rebuilt, err := f.engine.RebuildAllClusters(ctx, opts, nil)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.ClustersDeleted != 1 || rebuilt.ClustersCreated != 1 {
		t.Fatalf("expected 1 deleted and 1 created, got %+v", rebuilt)
	}
	members, _ := f.store.GetClusterMembers(ctx, rebuilt.ClusterIDs[0])
	if len(members) != 3 {
		t.Errorf("expected rebuilt cluster of 3, got %d", len(members))
	}
	if _, err := f.store.GetCluster(ctx, first.ClusterIDs[0]); !apperr.IsNotFound(err) {
		t.Errorf("expected old pending cluster deleted, got %v", err)
	}
}

func TestRebuildAllClusters_KeepsReviewedClusters(t *testing.T) {
	f := newFixture(t, 2)
	f.score(1, 2, 0.9)
	ctx := context.Background()

	first, _ := f.engine.ClusterUnassignedFaces(ctx, defaultOpts(), nil)
	if _, err := f.engine.Review(ctx, first.ClusterIDs[0], ReviewRequest{Action: ActionApprove}); err != nil {
		t.Fatalf("review: %v", err)
	}

	rebuilt, err := f.engine.RebuildAllClusters(ctx, defaultOpts(), nil)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.ClustersDeleted != 0 {
		t.Errorf("reviewed clusters must survive a rebuild, deleted %d", rebuilt.ClustersDeleted)
	}
	if _, err := f.store.GetCluster(ctx, first.ClusterIDs[0]); err != nil {
		t.Errorf("expected reviewed cluster kept: %v", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Options)
		field string
	}{
		{"defaults are valid", func(o *Options) {}, ""},
		{"threshold above one", func(o *Options) { o.SimilarityThreshold = 1.5 }, "similarity_threshold"},
		{"negative threshold", func(o *Options) { o.SimilarityThreshold = -0.1 }, "similarity_threshold"},
		{"min below two", func(o *Options) { o.MinClusterSize = 1 }, "min_cluster_size"},
		{"max below min", func(o *Options) { o.MinClusterSize = 5; o.MaxClusterSize = 3 }, "max_cluster_size"},
		{"unknown method", func(o *Options) { o.Method = "color" }, "method"},
		{"negative max faces", func(o *Options) { o.MaxFaces = -1 }, "max_faces"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{}.WithDefaults()
			tt.mod(&opts)
			err := opts.Validate()
			if tt.field == "" {
				if err != nil {
					t.Errorf("expected valid, got %v", err)
				}
				return
			}
			var verr *apperr.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("expected validation error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestClusteringJob(t *testing.T) {
	f := newFixture(t, 3)
	f.score(1, 2, 0.9)

	executor := jobs.NewExecutor(f.store, jobs.Config{
		Workers:      1,
		Resources:    map[string]int{jobs.ResourceRecognizer: 1},
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop())
	f.engine.RegisterJobs(executor)
	if err := executor.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer executor.Stop()

	job, err := executor.Enqueue(context.Background(), jobs.Request{Type: jobs.TypeClustering, Payload: defaultOpts()})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := executor.Wait(ctx, job.ID, nil)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != database.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", done.Status, done.Errors)
	}

	var result Result
	if err := json.Unmarshal(done.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ClustersCreated != 1 || result.FacesProcessed != 3 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestClusteringJob_InvalidPayload(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.engine.handleJob(context.Background(), &database.Job{Payload: json.RawMessage(`{"min_cluster_size":"x"}`)}, nil)
	if !apperr.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestScoreMatrixOffsets(t *testing.T) {
	const n = 6
	m := newScoreMatrix(n)
	seen := make(map[int]bool)
	for i := range n {
		for j := i + 1; j < n; j++ {
			off := m.offset(i, j)
			if seen[off] {
				t.Fatalf("offset %d reused for (%d,%d)", off, i, j)
			}
			seen[off] = true
			if m.offset(j, i) != off {
				t.Errorf("offset not symmetric for (%d,%d)", i, j)
			}
		}
	}
	if len(seen) != len(m.scores) {
		t.Errorf("expected %d offsets, got %d", len(m.scores), len(seen))
	}
}
