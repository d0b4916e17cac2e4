package database

import (
	"encoding/json"
	"fmt"
	"time"
)

// AssignmentKind names the variant held by an Assignment.
type AssignmentKind string

const (
	AssignmentUnassigned AssignmentKind = "unassigned"
	AssignmentAssigned   AssignmentKind = "assigned"
	AssignmentInvalid    AssignmentKind = "invalid"
	AssignmentUnknown    AssignmentKind = "unknown"
)

// Assignment is the identity label of a face. Exactly one variant holds:
// Unassigned, AssignedTo(person), MarkedInvalid or MarkedUnknown.
// The zero value is Unassigned.
type Assignment struct {
	kind     AssignmentKind
	personID int64
}

func Unassigned() Assignment { return Assignment{kind: AssignmentUnassigned} }

func AssignedTo(personID int64) Assignment {
	return Assignment{kind: AssignmentAssigned, personID: personID}
}

func MarkedInvalid() Assignment { return Assignment{kind: AssignmentInvalid} }

func MarkedUnknown() Assignment { return Assignment{kind: AssignmentUnknown} }

// ParseAssignment rebuilds an assignment from its stored columns.
func ParseAssignment(kind string, personID int64) (Assignment, error) {
	switch AssignmentKind(kind) {
	case AssignmentUnassigned, "":
		return Unassigned(), nil
	case AssignmentAssigned:
		if personID <= 0 {
			return Assignment{}, fmt.Errorf("assigned face without person id")
		}
		return AssignedTo(personID), nil
	case AssignmentInvalid:
		return MarkedInvalid(), nil
	case AssignmentUnknown:
		return MarkedUnknown(), nil
	default:
		return Assignment{}, fmt.Errorf("unknown assignment kind %q", kind)
	}
}

func (a Assignment) Kind() AssignmentKind {
	if a.kind == "" {
		return AssignmentUnassigned
	}
	return a.kind
}

// PersonID returns the person for AssignedTo, and false for every other variant.
func (a Assignment) PersonID() (int64, bool) {
	if a.Kind() != AssignmentAssigned {
		return 0, false
	}
	return a.personID, true
}

func (a Assignment) IsUnassigned() bool { return a.Kind() == AssignmentUnassigned }

func (a Assignment) IsAssignedTo(personID int64) bool {
	id, ok := a.PersonID()
	return ok && id == personID
}

func (a Assignment) Equal(b Assignment) bool {
	return a.Kind() == b.Kind() && a.personID == b.personID
}

func (a Assignment) String() string {
	if id, ok := a.PersonID(); ok {
		return fmt.Sprintf("assigned(%d)", id)
	}
	return string(a.Kind())
}

type assignmentJSON struct {
	Kind     AssignmentKind `json:"kind"`
	PersonID int64          `json:"person_id,omitempty"`
}

func (a Assignment) MarshalJSON() ([]byte, error) {
	id, _ := a.PersonID()
	return json.Marshal(assignmentJSON{Kind: a.Kind(), PersonID: id})
}

func (a *Assignment) UnmarshalJSON(data []byte) error {
	var raw assignmentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal assignment: %w", err)
	}
	parsed, err := ParseAssignment(string(raw.Kind), raw.PersonID)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AssignmentSource records who produced the current assignment.
type AssignmentSource string

const (
	SourceNone       AssignmentSource = ""
	SourceManual     AssignmentSource = "manual"
	SourceAuto       AssignmentSource = "auto"
	SourceClustering AssignmentSource = "clustering"
	SourceReview     AssignmentSource = "review"
)

func (s AssignmentSource) Valid() bool {
	switch s {
	case SourceManual, SourceAuto, SourceClustering, SourceReview:
		return true
	}
	return false
}

// UploadState tracks whether a face was pushed to the recognizer as training data.
type UploadState string

const (
	UploadNotUploaded UploadState = "not_uploaded"
	UploadUploaded    UploadState = "uploaded"
	UploadFailed      UploadState = "failed"
)

// Face is one detected face crop.
type Face struct {
	ID                    int64            `json:"id"`
	ImagePath             string           `json:"image_path"`
	BBox                  []float64        `json:"bbox"` // [x_min, y_min, x_max, y_max]
	DetectionConfidence   float64          `json:"detection_confidence"`
	Assignment            Assignment       `json:"assignment"`
	AssignmentSource      AssignmentSource `json:"assignment_source,omitempty"`
	RecognitionConfidence float64          `json:"recognition_confidence"`
	UploadState           UploadState      `json:"upload_state"`
	UploadedAt            *time.Time       `json:"uploaded_at,omitempty"`
	ClusterID             *int64           `json:"cluster_id,omitempty"`
	ExternalFaceRef       string           `json:"external_face_ref,omitempty"` // recognizer image id after upload
	CreatedAt             time.Time        `json:"created_at"`
}

func (f *Face) IsUploaded() bool {
	return f.UploadState == UploadUploaded
}

// RecognitionStatus is the training state of a person's external subject.
type RecognitionStatus string

const (
	RecognitionUntrained RecognitionStatus = "untrained"
	RecognitionTraining  RecognitionStatus = "training"
	RecognitionTrained   RecognitionStatus = "trained"
	RecognitionFailed    RecognitionStatus = "failed"
)

// Person is a known identity. It never owns faces; FaceCount is a cached count.
type Person struct {
	ID                int64             `json:"id"`
	Name              string            `json:"name"`
	ExternalSubjectID string            `json:"external_subject_id,omitempty"` // empty until a subject exists
	FaceCount         int               `json:"face_count"`
	RecognitionStatus RecognitionStatus `json:"recognition_status"`
	AllowAutoTraining bool              `json:"allow_auto_training"`
	LastTrainedAt     *time.Time        `json:"last_trained_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

func (p *Person) HasSubject() bool {
	return p.ExternalSubjectID != ""
}

// ClusterState is the review state of a cluster.
type ClusterState string

const (
	ClusterPending  ClusterState = "pending"
	ClusterReviewed ClusterState = "reviewed"
	ClusterAssigned ClusterState = "assigned"
	ClusterRejected ClusterState = "rejected"
)

// IsActive reports whether a cluster still holds its faces out of the clustering pool.
func (s ClusterState) IsActive() bool {
	return s == ClusterPending
}

func (s ClusterState) Valid() bool {
	switch s {
	case ClusterPending, ClusterReviewed, ClusterAssigned, ClusterRejected:
		return true
	}
	return false
}

// SimilarityMethod selects how two faces are compared.
type SimilarityMethod string

const (
	MethodBBox      SimilarityMethod = "bbox"
	MethodEmbedding SimilarityMethod = "embedding"
)

func (m SimilarityMethod) Valid() bool {
	return m == MethodBBox || m == MethodEmbedding
}

// Cluster is a provisional group of unassigned faces.
type Cluster struct {
	ID                   int64            `json:"id"`
	RepresentativeFaceID int64            `json:"representative_face_id"`
	SimilarityThreshold  float64          `json:"similarity_threshold"`
	Method               SimilarityMethod `json:"method"`
	State                ClusterState     `json:"state"`
	Notes                string           `json:"notes,omitempty"`
	AssignedPersonID     *int64           `json:"assigned_person_id,omitempty"`
	FaceCount            int              `json:"face_count"`
	CreatedAt            time.Time        `json:"created_at"`
	ReviewedAt           *time.Time       `json:"reviewed_at,omitempty"`
}

// ClusterMember is owned by its cluster and removed together with it.
type ClusterMember struct {
	ClusterID           int64   `json:"cluster_id"`
	FaceID              int64   `json:"face_id"`
	SimilarityToCluster float64 `json:"similarity_to_cluster"`
	IsRepresentative    bool    `json:"is_representative"`
}

// SimilarityEdge caches the score of an unordered face pair. FaceA < FaceB always.
type SimilarityEdge struct {
	FaceA  int64            `json:"face_a"`
	FaceB  int64            `json:"face_b"`
	Score  float64          `json:"score"`
	Method SimilarityMethod `json:"method"`
}

// NewSimilarityEdge orders the pair so that lookups are symmetric.
func NewSimilarityEdge(a, b int64, score float64, method SimilarityMethod) SimilarityEdge {
	if a > b {
		a, b = b, a
	}
	return SimilarityEdge{FaceA: a, FaceB: b, Score: score, Method: method}
}

// TrainingLogEntry records one upload attempt. Entries are append-only.
type TrainingLogEntry struct {
	ID          int64     `json:"id"`
	FaceID      int64     `json:"face_id"`
	PersonID    int64     `json:"person_id"`
	JobID       string    `json:"job_id,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
	Success     bool      `json:"success"`
	Response    string    `json:"response,omitempty"` // raw recognizer response or error text
}

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the job status is a terminal state
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobType identifies the handler that executes a job.
type JobType string

// Job is a unit of background work run by the executor.
type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	Status         JobStatus       `json:"status"`
	Priority       int             `json:"priority"`
	Progress       int             `json:"progress"`
	Phase          string          `json:"phase,omitempty"`
	Retries        int             `json:"retries"`
	MaxRetries     int             `json:"max_retries"`
	ConcurrencyKey string          `json:"concurrency_key,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}
