package clustering

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/similarity"
	"go.uber.org/zap"
)

// ProgressFunc receives progress updates (0-100) with a phase description.
type ProgressFunc func(percent int, phase string)

// Engine partitions unassigned faces with a threshold union-find.
type Engine struct {
	store  database.Store
	sim    *similarity.Engine
	logger *zap.Logger
}

// NewEngine creates a clustering engine.
func NewEngine(store database.Store, sim *similarity.Engine, logger *zap.Logger) *Engine {
	return &Engine{store: store, sim: sim, logger: logger.Named("clustering")}
}

// ClusterUnassignedFaces clusters every unassigned face that is not held by a
// pending cluster. Running it twice without intervening changes creates nothing
// the second time.
func (e *Engine) ClusterUnassignedFaces(ctx context.Context, opts Options, progress ProgressFunc) (*Result, error) {
	return e.run(ctx, opts.WithDefaults(), progress, false)
}

// RebuildAllClusters deletes all pending clusters and clusters from scratch.
// Reviewed and assigned clusters are kept.
func (e *Engine) RebuildAllClusters(ctx context.Context, opts Options, progress ProgressFunc) (*Result, error) {
	return e.run(ctx, opts.WithDefaults(), progress, true)
}

func (e *Engine) run(ctx context.Context, opts Options, progress ProgressFunc, rebuild bool) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = func(int, string) {}
	}
	start := time.Now()
	result := &Result{}

	if rebuild {
		n, err := e.store.DeletePendingClusters(ctx)
		if err != nil {
			return nil, fmt.Errorf("delete pending clusters: %w", err)
		}
		result.ClustersDeleted = n
		if opts.RebuildSimilarities {
			if _, err := e.sim.Rebuild(ctx, opts.Method); err != nil {
				return nil, err
			}
		}
	}

	progress(0, "Loading unassigned faces")
	faces, err := e.store.GetUnassignedFaces(ctx, database.UnassignedFilter{
		ExcludeActiveClusters:  true,
		MinDetectionConfidence: opts.MinDetectionConfidence,
		Limit:                  opts.MaxFaces,
	})
	if err != nil {
		return nil, fmt.Errorf("get unassigned faces: %w", err)
	}
	result.FacesProcessed = len(faces)

	e.logger.Info("clustering faces",
		zap.Int("faces", len(faces)),
		zap.Float64("threshold", opts.SimilarityThreshold),
		zap.String("method", string(opts.Method)),
		zap.Bool("rebuild", rebuild))

	if len(faces) < opts.MinClusterSize {
		result.TimeElapsed = time.Since(start)
		progress(100, "Not enough faces to cluster")
		return result, nil
	}

	scores, computed, err := e.scorePairs(ctx, faces, opts, progress)
	result.SimilaritiesCalculated = computed
	if err != nil {
		return result, err
	}

	groups := partition(scores, opts.SimilarityThreshold, opts.MinClusterSize)

	progress(90, fmt.Sprintf("Saving %d clusters", len(groups)))
	for _, group := range groups {
		cluster, members := buildCluster(faces, scores, group, opts)
		if err := e.store.CreateCluster(ctx, cluster, members); err != nil {
			if apperr.IsConflict(err) || apperr.IsNotFound(err) {
				// A face was assigned, clustered or deleted while we were scoring.
				result.ConflictsSkipped++
				e.logger.Info("skipping cluster with unavailable face", zap.Error(err))
				continue
			}
			return result, fmt.Errorf("create cluster: %w", err)
		}
		result.ClustersCreated++
		result.ClusterIDs = append(result.ClusterIDs, cluster.ID)
	}

	result.TimeElapsed = time.Since(start)
	progress(100, fmt.Sprintf("Created %d clusters from %d faces", result.ClustersCreated, result.FacesProcessed))
	e.logger.Info("clustering finished",
		zap.Int("faces", result.FacesProcessed),
		zap.Int("clusters", result.ClustersCreated),
		zap.Int("similarities_calculated", result.SimilaritiesCalculated),
		zap.Duration("elapsed", result.TimeElapsed))
	return result, nil
}

// scorePairs scores every pair of faces, reusing cached edges.
func (e *Engine) scorePairs(ctx context.Context, faces []database.Face, opts Options, progress ProgressFunc) (*scoreMatrix, int, error) {
	n := len(faces)
	matrix := newScoreMatrix(n)
	total := n * (n - 1) / 2
	step := max(total/100, 1)
	done, computed := 0, 0

	for i := range n {
		for j := i + 1; j < n; j++ {
			if err := ctx.Err(); err != nil {
				return matrix, computed, err
			}
			score, fresh, err := e.sim.Score(ctx, faces[i], faces[j], opts.Method)
			if err != nil {
				return matrix, computed, err
			}
			if fresh {
				computed++
			}
			matrix.set(i, j, score)

			done++
			if done%step == 0 {
				progress(done*85/total, fmt.Sprintf("Scored %d/%d pairs", done, total))
			}
		}
	}
	return matrix, computed, nil
}

// buildCluster caps the group to its most central faces and picks the representative.
func buildCluster(faces []database.Face, scores *scoreMatrix, group []int, opts Options) (*database.Cluster, []database.ClusterMember) {
	ranked := rankByCentrality(faces, scores, group)
	if len(ranked) > opts.MaxClusterSize {
		ranked = ranked[:opts.MaxClusterSize]
		// Centrality is relative to the members that stay.
		ranked = rankByCentrality(faces, scores, indexes(ranked))
	}

	members := make([]database.ClusterMember, len(ranked))
	for i, r := range ranked {
		members[i] = database.ClusterMember{
			FaceID:              faces[r.index].ID,
			SimilarityToCluster: r.centrality,
			IsRepresentative:    i == 0,
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].FaceID < members[j].FaceID })

	cluster := &database.Cluster{
		RepresentativeFaceID: faces[ranked[0].index].ID,
		SimilarityThreshold:  opts.SimilarityThreshold,
		Method:               opts.Method,
		State:                database.ClusterPending,
	}
	return cluster, members
}

type rankedFace struct {
	index      int
	centrality float64
}

func indexes(ranked []rankedFace) []int {
	out := make([]int, len(ranked))
	for i, r := range ranked {
		out[i] = r.index
	}
	return out
}

// rankByCentrality orders faces by average similarity to the other members,
// then by detection confidence, then by id.
func rankByCentrality(faces []database.Face, scores *scoreMatrix, group []int) []rankedFace {
	ranked := make([]rankedFace, len(group))
	for i, a := range group {
		var sum float64
		for _, b := range group {
			if a != b {
				sum += scores.get(a, b)
			}
		}
		ranked[i] = rankedFace{index: a}
		if len(group) > 1 {
			ranked[i].centrality = sum / float64(len(group)-1)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.centrality != b.centrality {
			return a.centrality > b.centrality
		}
		fa, fb := faces[a.index], faces[b.index]
		if fa.DetectionConfidence != fb.DetectionConfidence {
			return fa.DetectionConfidence > fb.DetectionConfidence
		}
		return fa.ID < fb.ID
	})
	return ranked
}
