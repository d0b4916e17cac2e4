// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Clustering constants
const (
	// DefaultSimilarityThreshold is the minimum pair score for two faces to be unioned
	DefaultSimilarityThreshold = 0.75

	// DefaultMinClusterSize is the smallest cluster that is kept after partitioning
	DefaultMinClusterSize = 2

	// DefaultMaxClusterSize caps a cluster to its most central faces
	DefaultMaxClusterSize = 50

	// DefaultMaxClusterFaces limits the candidate set of one clustering run
	DefaultMaxClusterFaces = 500
)

// Training constants
const (
	// DefaultConfidenceFloor is the detection confidence a face needs to be uploaded
	DefaultConfidenceFloor = 0.98

	// DefaultUploadsPerPerson is the number of concurrent uploads within one person's batch
	DefaultUploadsPerPerson = 3

	// DefaultUploadBatchSize is the number of faces uploaded between two pacing waits
	DefaultUploadBatchSize = 10
)

// Result reporting constants
const (
	// MaxErrorSample is the maximum number of error messages carried in a batch result
	MaxErrorSample = 10

	// MaxFindingSample is the maximum number of findings carried in a consistency report
	MaxFindingSample = 50
)

// Job priorities, higher runs first
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)
