package clustering

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/database"
	"go.uber.org/zap"
)

// ReviewAction is an operator decision on a pending cluster.
type ReviewAction string

const (
	ActionApprove ReviewAction = "approve"
	ActionReject  ReviewAction = "reject"
	ActionAssign  ReviewAction = "assign"
)

// ReviewRequest carries the decision. PersonID is required for ActionAssign.
type ReviewRequest struct {
	Action   ReviewAction `json:"action"`
	Notes    string       `json:"notes,omitempty"`
	PersonID int64        `json:"person_id,omitempty"`
}

// ReviewResult describes the cluster after review. Cluster is nil once rejected.
type ReviewResult struct {
	ClusterID     int64             `json:"cluster_id"`
	Action        ReviewAction      `json:"action"`
	Cluster       *database.Cluster `json:"cluster,omitempty"`
	FacesAssigned int               `json:"faces_assigned,omitempty"`
	FacesReleased int               `json:"faces_released,omitempty"`
}

// AssignResult describes a bulk cluster assignment.
type AssignResult struct {
	ClusterID     int64 `json:"cluster_id"`
	PersonID      int64 `json:"person_id"`
	FacesAssigned int   `json:"faces_assigned"`
	FaceCount     int   `json:"face_count"`
}

// Review applies an operator decision. Only pending clusters can be reviewed;
// every other state answers with a ConcurrencyConflict.
func (e *Engine) Review(ctx context.Context, clusterID int64, req ReviewRequest) (*ReviewResult, error) {
	cluster, err := e.pendingCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	result := &ReviewResult{ClusterID: clusterID, Action: req.Action}

	switch req.Action {
	case ActionApprove:
		if err := e.store.MarkClusterReviewed(ctx, clusterID, req.Notes); err != nil {
			return nil, fmt.Errorf("mark cluster reviewed: %w", err)
		}
	case ActionReject:
		if err := e.store.DeleteCluster(ctx, clusterID); err != nil {
			return nil, fmt.Errorf("delete cluster: %w", err)
		}
		result.FacesReleased = cluster.FaceCount
		e.logger.Info("cluster rejected", zap.Int64("cluster_id", clusterID), zap.Int("faces", cluster.FaceCount))
		return result, nil
	case ActionAssign:
		assigned, err := e.AssignClusterToPerson(ctx, clusterID, req.PersonID)
		if err != nil {
			return nil, err
		}
		result.FacesAssigned = assigned.FacesAssigned
	default:
		return nil, apperr.Validation("action", "unknown review action %q", req.Action)
	}

	updated, err := e.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	result.Cluster = updated
	return result, nil
}

// AssignClusterToPerson assigns every member face to the person in one store
// transaction. Either every face is assigned and face_count updated, or nothing changes.
func (e *Engine) AssignClusterToPerson(ctx context.Context, clusterID, personID int64) (*AssignResult, error) {
	if personID <= 0 {
		return nil, apperr.Validation("person_id", "must be positive")
	}
	if _, err := e.pendingCluster(ctx, clusterID); err != nil {
		return nil, err
	}
	if _, err := e.store.GetPerson(ctx, personID); err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}

	n, err := e.store.AssignClusterToPerson(ctx, clusterID, personID, database.SourceClustering)
	if err != nil {
		return nil, fmt.Errorf("assign cluster %d to person %d: %w", clusterID, personID, err)
	}

	person, err := e.store.GetPerson(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	e.logger.Info("cluster assigned",
		zap.Int64("cluster_id", clusterID),
		zap.Int64("person_id", personID),
		zap.Int("faces", n))
	return &AssignResult{ClusterID: clusterID, PersonID: personID, FacesAssigned: n, FaceCount: person.FaceCount}, nil
}

func (e *Engine) pendingCluster(ctx context.Context, clusterID int64) (*database.Cluster, error) {
	cluster, err := e.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	if !cluster.State.IsActive() {
		return nil, apperr.Conflict("cluster", clusterID, "cluster is already %s", cluster.State)
	}
	return cluster, nil
}

// MemberFace is a cluster member with its face.
type MemberFace struct {
	database.ClusterMember
	Face *database.Face `json:"face,omitempty"`
}

// ClusterDetail is a cluster with its members.
type ClusterDetail struct {
	database.Cluster
	Members []MemberFace `json:"members"`
}

// GetCluster returns a cluster with its member faces.
func (e *Engine) GetCluster(ctx context.Context, clusterID int64) (*ClusterDetail, error) {
	cluster, err := e.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	members, err := e.store.GetClusterMembers(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("get cluster members: %w", err)
	}

	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.FaceID
	}
	faces, err := e.store.GetFacesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get member faces: %w", err)
	}
	byID := make(map[int64]*database.Face, len(faces))
	for i := range faces {
		byID[faces[i].ID] = &faces[i]
	}

	detail := &ClusterDetail{Cluster: *cluster, Members: make([]MemberFace, len(members))}
	for i, m := range members {
		detail.Members[i] = MemberFace{ClusterMember: m, Face: byID[m.FaceID]}
	}
	return detail, nil
}

// ListClusters returns clusters in a state, newest first. An empty state lists all.
func (e *Engine) ListClusters(ctx context.Context, state database.ClusterState) ([]database.Cluster, error) {
	if state != "" && !state.Valid() {
		return nil, apperr.Validation("state", "unknown cluster state %q", state)
	}
	clusters, err := e.store.ListClusters(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	return clusters, nil
}
