package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/database"
)

// GetSimilarity returns the cached edge for the unordered pair, nil if absent.
func (s *Store) GetSimilarity(ctx context.Context, a, b int64, method database.SimilarityMethod) (*database.SimilarityEdge, error) {
	edge := database.NewSimilarityEdge(a, b, 0, method)
	err := s.pool.db.QueryRowContext(ctx, `
		SELECT score FROM face_similarities
		WHERE face_a = $1 AND face_b = $2 AND method = $3`,
		edge.FaceA, edge.FaceB, string(method)).Scan(&edge.Score)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get similarity: %w", err)
	}
	return &edge, nil
}

// SaveSimilarity upserts the edge. The pair is normalized before writing.
func (s *Store) SaveSimilarity(ctx context.Context, edge database.SimilarityEdge) error {
	edge = database.NewSimilarityEdge(edge.FaceA, edge.FaceB, edge.Score, edge.Method)
	_, err := s.pool.db.ExecContext(ctx, `
		INSERT INTO face_similarities (face_a, face_b, method, score)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (face_a, face_b, method) DO UPDATE
		SET score = EXCLUDED.score, computed_at = NOW()`,
		edge.FaceA, edge.FaceB, string(edge.Method), edge.Score)
	if err != nil {
		return fmt.Errorf("save similarity: %w", err)
	}
	return nil
}

func (s *Store) DeleteSimilaritiesForFace(ctx context.Context, faceID int64) (int, error) {
	res, err := s.pool.db.ExecContext(ctx,
		"DELETE FROM face_similarities WHERE face_a = $1 OR face_b = $1", faceID)
	if err != nil {
		return 0, fmt.Errorf("delete similarities for face: %w", err)
	}
	return affected(res)
}

func (s *Store) DeleteSimilarities(ctx context.Context, method database.SimilarityMethod) (int, error) {
	res, err := s.pool.db.ExecContext(ctx, "DELETE FROM face_similarities WHERE method = $1", string(method))
	if err != nil {
		return 0, fmt.Errorf("delete similarities: %w", err)
	}
	return affected(res)
}
