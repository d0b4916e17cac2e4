// Package clustering groups unassigned faces into provisional clusters for review.
package clustering

import (
	"time"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/database"
)

// Options controls one clustering run.
type Options struct {
	SimilarityThreshold    float64                   `json:"similarity_threshold"`
	MinClusterSize         int                       `json:"min_cluster_size"`
	MaxClusterSize         int                       `json:"max_cluster_size"`
	Method                 database.SimilarityMethod `json:"method"`
	MinDetectionConfidence float64                   `json:"min_detection_confidence,omitempty"`
	// MaxFaces caps the candidate set, lowest face ids first (0 = no cap)
	MaxFaces int `json:"max_faces,omitempty"`
	// Rebuild deletes every pending cluster before clustering
	Rebuild bool `json:"rebuild,omitempty"`
	// RebuildSimilarities also drops the cached scores of the method
	RebuildSimilarities bool `json:"rebuild_similarities,omitempty"`
}

// DefaultOptions builds options from the loaded configuration.
func DefaultOptions(cfg config.ClusteringConfig) Options {
	return Options{
		SimilarityThreshold: cfg.SimilarityThreshold,
		MinClusterSize:      cfg.MinClusterSize,
		MaxClusterSize:      cfg.MaxClusterSize,
		Method:              database.SimilarityMethod(cfg.Method),
		MaxFaces:            cfg.MaxFaces,
	}
}

// WithDefaults fills zero values with the package defaults.
func (o Options) WithDefaults() Options {
	if o.SimilarityThreshold == 0 {
		o.SimilarityThreshold = constants.DefaultSimilarityThreshold
	}
	if o.MinClusterSize == 0 {
		o.MinClusterSize = constants.DefaultMinClusterSize
	}
	if o.MaxClusterSize == 0 {
		o.MaxClusterSize = constants.DefaultMaxClusterSize
	}
	if o.Method == "" {
		o.Method = database.MethodEmbedding
	}
	return o
}

// Validate checks the options after defaults are applied.
func (o Options) Validate() error {
	if o.SimilarityThreshold <= 0 || o.SimilarityThreshold > 1 {
		return apperr.Validation("similarity_threshold", "must be in (0, 1], got %v", o.SimilarityThreshold)
	}
	if o.MinClusterSize < 2 {
		return apperr.Validation("min_cluster_size", "must be at least 2, got %d", o.MinClusterSize)
	}
	if o.MaxClusterSize < o.MinClusterSize {
		return apperr.Validation("max_cluster_size", "must be >= min_cluster_size (%d), got %d", o.MinClusterSize, o.MaxClusterSize)
	}
	if !o.Method.Valid() {
		return apperr.Validation("method", "unknown similarity method %q", o.Method)
	}
	if o.MinDetectionConfidence < 0 || o.MinDetectionConfidence > 1 {
		return apperr.Validation("min_detection_confidence", "must be in [0, 1]")
	}
	if o.MaxFaces < 0 {
		return apperr.Validation("max_faces", "must not be negative")
	}
	return nil
}

// Result summarizes a clustering run.
type Result struct {
	FacesProcessed         int           `json:"faces_processed"`
	ClustersCreated        int           `json:"clusters_created"`
	ClustersDeleted        int           `json:"clusters_deleted,omitempty"`
	SimilaritiesCalculated int           `json:"similarities_calculated"`
	ConflictsSkipped       int           `json:"conflicts_skipped,omitempty"`
	TimeElapsed            time.Duration `json:"time_elapsed"`
	ClusterIDs             []int64       `json:"cluster_ids,omitempty"`
}
