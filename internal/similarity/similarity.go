// Package similarity scores face pairs and caches the scores as edges in the store.
package similarity

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/facematch"
	"go.uber.org/zap"
)

// Comparer compares two face crops and returns a similarity in [0,1].
// recognizer.Recognizer satisfies it.
type Comparer interface {
	Compare(ctx context.Context, imagePathA, imagePathB string) (float64, error)
}

// Store is the part of the face store the engine needs.
type Store interface {
	database.SimilarityStore
	DeleteFace(ctx context.Context, id int64) error
}

// deleteAttempts bounds the cleanup and delete rounds of DeleteFace.
const deleteAttempts = 3

// Engine computes and caches pairwise similarity.
type Engine struct {
	store    Store
	comparer Comparer
	logger   *zap.Logger
}

// NewEngine creates an engine. comparer may be nil when only bbox scoring is used.
func NewEngine(store Store, comparer Comparer, logger *zap.Logger) *Engine {
	return &Engine{store: store, comparer: comparer, logger: logger.Named("similarity")}
}

// AcquireFunc takes a slot of a shared resource and returns its release function.
type AcquireFunc func(ctx context.Context) (func(), error)

// Throttled returns a copy of the engine whose comparisons each hold a slot
// taken through acquire.
func (e *Engine) Throttled(acquire AcquireFunc) *Engine {
	if e.comparer == nil {
		return e
	}
	clone := *e
	clone.comparer = throttledComparer{inner: e.comparer, acquire: acquire}
	return &clone
}

type throttledComparer struct {
	inner   Comparer
	acquire AcquireFunc
}

func (c throttledComparer) Compare(ctx context.Context, imagePathA, imagePathB string) (float64, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return c.inner.Compare(ctx, imagePathA, imagePathB)
}

// Score returns the similarity of a and b, reading the cache first.
// computed reports whether the score was freshly calculated (and stored).
func (e *Engine) Score(ctx context.Context, a, b database.Face, method database.SimilarityMethod) (float64, bool, error) {
	if !method.Valid() {
		return 0, false, apperr.Validation("method", "unknown similarity method %q", method)
	}
	if a.ID == b.ID {
		return 1, false, nil
	}

	cached, err := e.store.GetSimilarity(ctx, a.ID, b.ID, method)
	if err != nil {
		return 0, false, fmt.Errorf("get similarity: %w", err)
	}
	if cached != nil {
		return cached.Score, false, nil
	}

	score, err := e.compute(ctx, a, b, method)
	if err != nil {
		return 0, false, err
	}

	if err := e.store.SaveSimilarity(ctx, database.NewSimilarityEdge(a.ID, b.ID, score, method)); err != nil {
		return 0, false, fmt.Errorf("save similarity: %w", err)
	}
	return score, true, nil
}

func (e *Engine) compute(ctx context.Context, a, b database.Face, method database.SimilarityMethod) (float64, error) {
	switch method {
	case database.MethodBBox:
		// Boxes from different photos share no coordinate space.
		if a.ImagePath != b.ImagePath {
			return 0, nil
		}
		return facematch.ComputeIoU(a.BBox, b.BBox), nil
	default:
		if e.comparer == nil {
			return 0, apperr.Validation("method", "embedding similarity needs a recognizer")
		}
		score, err := e.comparer.Compare(ctx, a.ImagePath, b.ImagePath)
		if err != nil {
			return 0, fmt.Errorf("compare faces %d and %d: %w", a.ID, b.ID, err)
		}
		return clamp(score), nil
	}
}

func clamp(v float64) float64 {
	return min(max(v, 0), 1)
}

// Rebuild drops every cached edge of a method so the next run recomputes them.
func (e *Engine) Rebuild(ctx context.Context, method database.SimilarityMethod) (int, error) {
	n, err := e.store.DeleteSimilarities(ctx, method)
	if err != nil {
		return 0, fmt.Errorf("delete similarities: %w", err)
	}
	e.logger.Info("similarity cache cleared", zap.String("method", string(method)), zap.Int("edges", n))
	return n, nil
}

// CleanupFace removes every edge touching the face.
func (e *Engine) CleanupFace(ctx context.Context, faceID int64) (int, error) {
	n, err := e.store.DeleteSimilaritiesForFace(ctx, faceID)
	if err != nil {
		return 0, fmt.Errorf("delete similarities of face %d: %w", faceID, err)
	}
	return n, nil
}

// DeleteFace removes the cached edges of a face and then the face. A scoring
// run may save a new edge in between, so the cleanup is repeated on conflict.
func (e *Engine) DeleteFace(ctx context.Context, faceID int64) error {
	var err error
	for attempt := 0; attempt < deleteAttempts; attempt++ {
		if _, err = e.CleanupFace(ctx, faceID); err != nil {
			return err
		}
		if err = e.store.DeleteFace(ctx, faceID); !apperr.IsConflict(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("delete face %d: %w", faceID, err)
	}
	return nil
}
