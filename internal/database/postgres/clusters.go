package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/lib/pq"
)

const clusterColumns = `id, representative_face_id, similarity_threshold, method, state, notes,
	assigned_person_id, face_count, created_at, reviewed_at`

func scanCluster(row scanner) (database.Cluster, error) {
	var (
		c          database.Cluster
		method     string
		state      string
		personID   sql.NullInt64
		reviewedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.RepresentativeFaceID, &c.SimilarityThreshold, &method, &state, &c.Notes,
		&personID, &c.FaceCount, &c.CreatedAt, &reviewedAt)
	if err != nil {
		return c, err
	}
	c.Method = database.SimilarityMethod(method)
	c.State = database.ClusterState(state)
	c.AssignedPersonID = int64Ptr(personID)
	if reviewedAt.Valid {
		t := reviewedAt.Time
		c.ReviewedAt = &t
	}
	return c, nil
}

// CreateCluster inserts the cluster with its members in one transaction.
// Member rows are locked first so a concurrent assignment cannot slip in between
// the availability check and the insert.
func (s *Store) CreateCluster(ctx context.Context, cluster *database.Cluster, members []database.ClusterMember) error {
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.FaceID
	}
	state := cluster.State
	if state == "" {
		state = database.ClusterPending
	}

	return s.pool.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT f.id, f.assignment_kind,
				EXISTS (SELECT 1 FROM clusters c WHERE c.id = f.cluster_id AND c.state = 'pending')
			FROM faces f WHERE f.id = ANY($1)
			ORDER BY f.id
			FOR UPDATE OF f`, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("lock cluster members: %w", err)
		}
		found := make(map[int64]bool, len(ids))
		var conflict int64
		for rows.Next() {
			var (
				id        int64
				kind      string
				inPending bool
			)
			if err := rows.Scan(&id, &kind, &inPending); err != nil {
				rows.Close()
				return fmt.Errorf("scan cluster member: %w", err)
			}
			found[id] = true
			if conflict == 0 && (database.AssignmentKind(kind) != database.AssignmentUnassigned || inPending) {
				conflict = id
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate cluster members: %w", err)
		}
		for _, id := range ids {
			if !found[id] {
				return apperr.NotFound("face", id)
			}
		}
		if conflict != 0 {
			return apperr.Conflict("face", conflict, "face is no longer available for clustering")
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO clusters (representative_face_id, similarity_threshold, method, state, notes, face_count)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at`,
			cluster.RepresentativeFaceID, cluster.SimilarityThreshold, string(cluster.Method),
			string(state), cluster.Notes, len(members),
		).Scan(&cluster.ID, &cluster.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert cluster: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cluster_members (cluster_id, face_id, similarity_to_cluster, is_representative)
			VALUES ($1, $2, $3, $4)`)
		if err != nil {
			return fmt.Errorf("prepare member insert: %w", err)
		}
		defer stmt.Close()
		for _, m := range members {
			if _, err := stmt.ExecContext(ctx, cluster.ID, m.FaceID, m.SimilarityToCluster, m.IsRepresentative); err != nil {
				return fmt.Errorf("insert member %d: %w", m.FaceID, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE faces SET cluster_id = $1 WHERE id = ANY($2)", cluster.ID, pq.Array(ids)); err != nil {
			return fmt.Errorf("link faces to cluster: %w", err)
		}
		cluster.State = state
		cluster.FaceCount = len(members)
		return nil
	})
}

func (s *Store) GetCluster(ctx context.Context, id int64) (*database.Cluster, error) {
	row := s.pool.db.QueryRowContext(ctx, "SELECT "+clusterColumns+" FROM clusters WHERE id = $1", id)
	c, err := scanCluster(row)
	if err != nil {
		return nil, notFound(err, "cluster", id)
	}
	return &c, nil
}

// ListClusters returns clusters in the given state (empty = all), newest first.
func (s *Store) ListClusters(ctx context.Context, state database.ClusterState) ([]database.Cluster, error) {
	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT `+clusterColumns+` FROM clusters
		WHERE ($1 = '' OR state = $1)
		ORDER BY id DESC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	defer rows.Close()

	var clusters []database.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clusters: %w", err)
	}
	return clusters, nil
}

func (s *Store) GetClusterMembers(ctx context.Context, clusterID int64) ([]database.ClusterMember, error) {
	if _, err := s.GetCluster(ctx, clusterID); err != nil {
		return nil, err
	}
	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT cluster_id, face_id, similarity_to_cluster, is_representative
		FROM cluster_members WHERE cluster_id = $1
		ORDER BY face_id`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("query cluster members: %w", err)
	}
	defer rows.Close()

	var members []database.ClusterMember
	for rows.Next() {
		var m database.ClusterMember
		if err := rows.Scan(&m.ClusterID, &m.FaceID, &m.SimilarityToCluster, &m.IsRepresentative); err != nil {
			return nil, fmt.Errorf("scan cluster member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster members: %w", err)
	}
	return members, nil
}

// lockPending locks the cluster row and fails unless it is pending.
func lockPending(ctx context.Context, tx *sql.Tx, clusterID int64) error {
	var state string
	err := tx.QueryRowContext(ctx, "SELECT state FROM clusters WHERE id = $1 FOR UPDATE", clusterID).Scan(&state)
	if err != nil {
		return notFound(err, "cluster", clusterID)
	}
	if st := database.ClusterState(state); !st.IsActive() {
		return apperr.Conflict("cluster", clusterID, "cluster is %s", st)
	}
	return nil
}

func (s *Store) MarkClusterReviewed(ctx context.Context, clusterID int64, notes string) error {
	return s.pool.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockPending(ctx, tx, clusterID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE clusters SET state = 'reviewed', notes = $2, reviewed_at = NOW()
			WHERE id = $1`, clusterID, notes)
		if err != nil {
			return fmt.Errorf("mark cluster reviewed: %w", err)
		}
		return nil
	})
}

// DeleteCluster removes a pending cluster. Memberships cascade and faces.cluster_id is nulled by the FK.
func (s *Store) DeleteCluster(ctx context.Context, clusterID int64) error {
	return s.pool.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockPending(ctx, tx, clusterID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM clusters WHERE id = $1", clusterID); err != nil {
			return fmt.Errorf("delete cluster: %w", err)
		}
		return nil
	})
}

func (s *Store) DeletePendingClusters(ctx context.Context) (int, error) {
	res, err := s.pool.db.ExecContext(ctx, "DELETE FROM clusters WHERE state = 'pending'")
	if err != nil {
		return 0, fmt.Errorf("delete pending clusters: %w", err)
	}
	return affected(res)
}

// AssignClusterToPerson assigns every member of a pending cluster to the person.
// Either all members move or nothing changes.
func (s *Store) AssignClusterToPerson(ctx context.Context, clusterID, personID int64, source database.AssignmentSource) (int, error) {
	var n int
	err := s.pool.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockPending(ctx, tx, clusterID); err != nil {
			return err
		}
		if err := personExists(ctx, tx, personID); err != nil {
			return err
		}

		// A concurrent setAssignment on a member either commits before this
		// lock and is seen below, or waits until we commit.
		members, blocking, err := lockMembers(ctx, tx, clusterID)
		if err != nil {
			return err
		}
		if blocking != 0 {
			return apperr.Conflict("face", blocking, "face is no longer unassigned")
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE faces SET assignment_kind = 'assigned', person_id = $2, assignment_source = $3
			WHERE id IN (SELECT face_id FROM cluster_members WHERE cluster_id = $1)
			AND assignment_kind = 'unassigned'`,
			clusterID, personID, string(source))
		if err != nil {
			return fmt.Errorf("assign cluster members: %w", err)
		}
		if n, err = affected(res); err != nil {
			return err
		}
		if n != members {
			return apperr.Conflict("cluster", clusterID, "%d of %d members changed during assignment", members-n, members)
		}
		if _, err := recount(ctx, tx, personID); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE clusters SET state = 'assigned', assigned_person_id = $2, reviewed_at = NOW()
			WHERE id = $1`, clusterID, personID)
		if err != nil {
			return fmt.Errorf("mark cluster assigned: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// lockMembers locks the member faces of a cluster. It returns the member count
// and the lowest id of a member that is no longer unassigned, or 0.
func lockMembers(ctx context.Context, tx *sql.Tx, clusterID int64) (int, int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT f.id, f.assignment_kind FROM faces f
		JOIN cluster_members m ON m.face_id = f.id
		WHERE m.cluster_id = $1
		ORDER BY f.id
		FOR UPDATE OF f`, clusterID)
	if err != nil {
		return 0, 0, fmt.Errorf("lock cluster members: %w", err)
	}
	defer rows.Close()

	var (
		count    int
		blocking int64
	)
	for rows.Next() {
		var (
			id   int64
			kind string
		)
		if err := rows.Scan(&id, &kind); err != nil {
			return 0, 0, fmt.Errorf("scan cluster member: %w", err)
		}
		count++
		if blocking == 0 && kind != string(database.AssignmentUnassigned) {
			blocking = id
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("lock cluster members: %w", err)
	}
	return count, blocking, nil
}
