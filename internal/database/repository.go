package database

import (
	"context"
	"encoding/json"
	"time"
)

// UnassignedFilter narrows GetUnassignedFaces.
type UnassignedFilter struct {
	// ExcludeActiveClusters skips faces that belong to a pending cluster
	ExcludeActiveClusters bool
	// MinDetectionConfidence drops low quality detections
	MinDetectionConfidence float64
	// Limit caps the number of faces returned (0 = no limit), lowest ids first
	Limit int
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status JobStatus // empty matches all
	Type   JobType   // empty matches all
	Limit  int
}

// FaceStore provides access to detected faces and their assignments.
// Every assignment mutation recomputes face_count of the affected persons
// in the same transaction.
type FaceStore interface {
	// CreateFace stores a new face and sets its ID
	CreateFace(ctx context.Context, face *Face) error
	// GetFace returns the face or a NotFoundError
	GetFace(ctx context.Context, id int64) (*Face, error)
	// GetFacesByIDs returns the existing faces among ids, ordered by id
	GetFacesByIDs(ctx context.Context, ids []int64) ([]Face, error)
	// DeleteFace removes a face and its cluster memberships. It returns a
	// ConcurrencyConflict while similarity edges still reference the face;
	// remove them first with DeleteSimilaritiesForFace.
	DeleteFace(ctx context.Context, id int64) error
	// AssignFace sets the assignment and its source unconditionally
	AssignFace(ctx context.Context, faceID int64, assignment Assignment, source AssignmentSource) error
	// AssignFaceIf sets the assignment only if the current one equals expected.
	// Returns a ConcurrencyConflict otherwise.
	AssignFaceIf(ctx context.Context, faceID int64, expected, next Assignment, source AssignmentSource) error
	// ClearAssignment resets the face to Unassigned
	ClearAssignment(ctx context.Context, faceID int64) error
	// GetUnassignedFaces returns Unassigned faces ordered by id
	GetUnassignedFaces(ctx context.Context, filter UnassignedFilter) ([]Face, error)
	// GetFacesByPerson returns faces AssignedTo the person ordered by id
	GetFacesByPerson(ctx context.Context, personID int64) ([]Face, error)
	// MarkFaceUploaded records a successful training upload
	MarkFaceUploaded(ctx context.Context, faceID int64, externalRef string, at time.Time) error
	// ClearFaceUpload resets the upload state of a single face
	ClearFaceUpload(ctx context.Context, faceID int64) error
	// ResetUploadState clears upload state of every face of a person, returns the count touched
	ResetUploadState(ctx context.Context, personID int64) (int, error)
}

// PersonStore provides access to persons.
type PersonStore interface {
	CreatePerson(ctx context.Context, person *Person) error
	// GetPerson returns the person or a NotFoundError
	GetPerson(ctx context.Context, id int64) (*Person, error)
	// GetPersonBySubject finds the person linked to an external subject, nil if none
	GetPersonBySubject(ctx context.Context, subjectID string) (*Person, error)
	ListPersons(ctx context.Context) ([]Person, error)
	SetExternalSubject(ctx context.Context, personID int64, subjectID string) error
	SetRecognitionStatus(ctx context.Context, personID int64, status RecognitionStatus, trainedAt *time.Time) error
	SetAllowAutoTraining(ctx context.Context, personID int64, allow bool) error
	// UpdateFaceCount recomputes the cached face_count and returns it
	UpdateFaceCount(ctx context.Context, personID int64) (int, error)
}

// ClusterStore provides access to clusters and their memberships.
type ClusterStore interface {
	// CreateCluster inserts the cluster with its members in one transaction.
	// Returns a ConcurrencyConflict if a member is no longer unassigned or already in a pending cluster.
	CreateCluster(ctx context.Context, cluster *Cluster, members []ClusterMember) error
	GetCluster(ctx context.Context, id int64) (*Cluster, error)
	// ListClusters returns clusters in the given state (empty = all), newest first
	ListClusters(ctx context.Context, state ClusterState) ([]Cluster, error)
	GetClusterMembers(ctx context.Context, clusterID int64) ([]ClusterMember, error)
	// MarkClusterReviewed moves a pending cluster to reviewed
	MarkClusterReviewed(ctx context.Context, clusterID int64, notes string) error
	// DeleteCluster removes a pending cluster and its memberships, releasing the faces
	DeleteCluster(ctx context.Context, clusterID int64) error
	// DeletePendingClusters removes every pending cluster, returns the count
	DeletePendingClusters(ctx context.Context) (int, error)
	// AssignClusterToPerson assigns every member of a pending cluster to the person atomically.
	// Either all members are assigned and face_count updated, or nothing changes.
	AssignClusterToPerson(ctx context.Context, clusterID, personID int64, source AssignmentSource) (int, error)
}

// SimilarityStore caches pairwise similarity scores.
type SimilarityStore interface {
	// GetSimilarity returns the cached edge for the unordered pair, nil if absent
	GetSimilarity(ctx context.Context, a, b int64, method SimilarityMethod) (*SimilarityEdge, error)
	SaveSimilarity(ctx context.Context, edge SimilarityEdge) error
	// DeleteSimilaritiesForFace removes every edge touching the face
	DeleteSimilaritiesForFace(ctx context.Context, faceID int64) (int, error)
	// DeleteSimilarities removes every edge of a method
	DeleteSimilarities(ctx context.Context, method SimilarityMethod) (int, error)
}

// TrainingLogStore is the append-only audit trail of upload attempts.
type TrainingLogStore interface {
	AppendTrainingLog(ctx context.Context, entry *TrainingLogEntry) error
	// ListTrainingLog returns the newest entries of a person first
	ListTrainingLog(ctx context.Context, personID int64, limit int) ([]TrainingLogEntry, error)
	CountFailedAttempts(ctx context.Context, personID int64) (int, error)
}

// JobStore persists jobs. Status changes are conditional updates so that
// concurrent workers cannot run the same job twice.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	// TransitionJob moves the job to `to` only if its status is one of `from`
	TransitionJob(ctx context.Context, id string, from []JobStatus, to JobStatus) (bool, error)
	UpdateJobProgress(ctx context.Context, id string, progress int, phase string) error
	// FinishJob stores the outcome of a running job; false if it is no longer running
	FinishJob(ctx context.Context, id string, status JobStatus, result json.RawMessage, errs []string) (bool, error)
	// RequeueJob moves a running job back to pending with the retry counter and error recorded
	RequeueJob(ctx context.Context, id string, retries int, errMsg string) (bool, error)
}

// Store is the full persistence surface used by the services.
type Store interface {
	FaceStore
	PersonStore
	ClusterStore
	SimilarityStore
	TrainingLogStore
	JobStore
}
