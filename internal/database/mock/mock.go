// Package mock provides an in-memory implementation of database.Store for testing.
package mock

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/database"
)

type pairKey struct {
	a, b   int64
	method database.SimilarityMethod
}

// MockStore is a mock implementation of database.Store.
// A single mutex stands in for database transactions.
type MockStore struct {
	mu         sync.Mutex
	faces      map[int64]*database.Face
	persons    map[int64]*database.Person
	clusters   map[int64]*database.Cluster
	members    map[int64][]database.ClusterMember
	edges      map[pairKey]database.SimilarityEdge
	trainLog   []database.TrainingLogEntry
	jobs       map[string]*database.Job
	nextFaceID int64
	nextID     int64

	// Error injection
	GetFaceError        error
	AssignError         error
	CreateClusterError  error
	AssignClusterError  error
	AppendLogError      error
	MarkUploadedError   error
	TransitionJobError  error
	ListPersonsError    error
	GetUnassignedError  error
	SaveSimilarityError error

	// SaveSimilarityCalls counts cache writes
	SaveSimilarityCalls int
}

// NewMockStore creates a new empty store.
func NewMockStore() *MockStore {
	return &MockStore{
		faces:    make(map[int64]*database.Face),
		persons:  make(map[int64]*database.Person),
		clusters: make(map[int64]*database.Cluster),
		members:  make(map[int64][]database.ClusterMember),
		edges:    make(map[pairKey]database.SimilarityEdge),
		jobs:     make(map[string]*database.Job),
	}
}

func (m *MockStore) id() int64 {
	m.nextID++
	return m.nextID
}

func copyFace(f *database.Face) database.Face {
	c := *f
	c.BBox = slices.Clone(f.BBox)
	return c
}

func copyJob(j *database.Job) database.Job {
	c := *j
	c.Errors = slices.Clone(j.Errors)
	return c
}

// AddFace stores a face as-is, assigning an ID when it has none. Recomputes face counts.
func (m *MockStore) AddFace(face database.Face) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if face.ID == 0 {
		m.nextFaceID++
		face.ID = m.nextFaceID
	} else if face.ID > m.nextFaceID {
		m.nextFaceID = face.ID
	}
	if face.UploadState == "" {
		face.UploadState = database.UploadNotUploaded
	}
	if face.CreatedAt.IsZero() {
		face.CreatedAt = time.Now()
	}
	f := face
	m.faces[f.ID] = &f
	if pid, ok := f.Assignment.PersonID(); ok {
		m.recountLocked(pid)
	}
	return f.ID
}

// AddPerson stores a person, assigning an ID when it has none.
func (m *MockStore) AddPerson(person database.Person) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if person.ID == 0 {
		person.ID = m.id()
	} else if person.ID > m.nextID {
		m.nextID = person.ID
	}
	if person.RecognitionStatus == "" {
		person.RecognitionStatus = database.RecognitionUntrained
	}
	p := person
	m.persons[p.ID] = &p
	m.recountLocked(p.ID)
	return p.ID
}

// TrainingLog returns a copy of every log entry in append order.
func (m *MockStore) TrainingLog() []database.TrainingLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.trainLog)
}

// EdgeCount returns the number of cached similarity edges.
func (m *MockStore) EdgeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edges)
}

func (m *MockStore) recountLocked(personID int64) int {
	n := 0
	for _, f := range m.faces {
		if f.Assignment.IsAssignedTo(personID) {
			n++
		}
	}
	if p, ok := m.persons[personID]; ok {
		p.FaceCount = n
	}
	return n
}

// --- FaceStore ---

func (m *MockStore) CreateFace(ctx context.Context, face *database.Face) error {
	face.ID = m.AddFace(*face)
	return nil
}

func (m *MockStore) GetFace(ctx context.Context, id int64) (*database.Face, error) {
	if m.GetFaceError != nil {
		return nil, m.GetFaceError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.faces[id]
	if !ok {
		return nil, apperr.NotFound("face", id)
	}
	c := copyFace(f)
	return &c, nil
}

func (m *MockStore) GetFacesByIDs(ctx context.Context, ids []int64) ([]database.Face, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []database.Face
	for _, id := range ids {
		if f, ok := m.faces[id]; ok {
			result = append(result, copyFace(f))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MockStore) DeleteFace(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.faces[id]
	if !ok {
		return apperr.NotFound("face", id)
	}
	for k := range m.edges {
		if k.a == id || k.b == id {
			return apperr.Conflict("face", id, "similarity edges still reference the face")
		}
	}
	delete(m.faces, id)
	for cid, members := range m.members {
		m.members[cid] = slices.DeleteFunc(members, func(cm database.ClusterMember) bool { return cm.FaceID == id })
	}
	if pid, ok := f.Assignment.PersonID(); ok {
		m.recountLocked(pid)
	}
	return nil
}

func (m *MockStore) setAssignmentLocked(f *database.Face, next database.Assignment, source database.AssignmentSource) {
	prev := f.Assignment
	f.Assignment = next
	if next.IsUnassigned() {
		f.AssignmentSource = database.SourceNone
	} else {
		f.AssignmentSource = source
	}
	if pid, ok := prev.PersonID(); ok {
		m.recountLocked(pid)
	}
	if pid, ok := next.PersonID(); ok {
		m.recountLocked(pid)
	}
}

func (m *MockStore) checkPersonLocked(a database.Assignment) error {
	if pid, ok := a.PersonID(); ok {
		if _, exists := m.persons[pid]; !exists {
			return apperr.NotFound("person", pid)
		}
	}
	return nil
}

func (m *MockStore) AssignFace(ctx context.Context, faceID int64, assignment database.Assignment, source database.AssignmentSource) error {
	if m.AssignError != nil {
		return m.AssignError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.faces[faceID]
	if !ok {
		return apperr.NotFound("face", faceID)
	}
	if err := m.checkPersonLocked(assignment); err != nil {
		return err
	}
	m.setAssignmentLocked(f, assignment, source)
	return nil
}

func (m *MockStore) AssignFaceIf(ctx context.Context, faceID int64, expected, next database.Assignment, source database.AssignmentSource) error {
	if m.AssignError != nil {
		return m.AssignError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.faces[faceID]
	if !ok {
		return apperr.NotFound("face", faceID)
	}
	if !f.Assignment.Equal(expected) {
		return apperr.Conflict("face", faceID, "assignment is %s, expected %s", f.Assignment, expected)
	}
	if err := m.checkPersonLocked(next); err != nil {
		return err
	}
	m.setAssignmentLocked(f, next, source)
	return nil
}

func (m *MockStore) ClearAssignment(ctx context.Context, faceID int64) error {
	return m.AssignFace(ctx, faceID, database.Unassigned(), database.SourceNone)
}

func (m *MockStore) inPendingClusterLocked(f *database.Face) bool {
	if f.ClusterID == nil {
		return false
	}
	c, ok := m.clusters[*f.ClusterID]
	return ok && c.State.IsActive()
}

func (m *MockStore) sortedFacesLocked(keep func(*database.Face) bool) []database.Face {
	var result []database.Face
	for _, f := range m.faces {
		if keep(f) {
			result = append(result, copyFace(f))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *MockStore) GetUnassignedFaces(ctx context.Context, filter database.UnassignedFilter) ([]database.Face, error) {
	if m.GetUnassignedError != nil {
		return nil, m.GetUnassignedError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	result := m.sortedFacesLocked(func(f *database.Face) bool {
		if !f.Assignment.IsUnassigned() {
			return false
		}
		if f.DetectionConfidence < filter.MinDetectionConfidence {
			return false
		}
		return !filter.ExcludeActiveClusters || !m.inPendingClusterLocked(f)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MockStore) GetFacesByPerson(ctx context.Context, personID int64) ([]database.Face, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedFacesLocked(func(f *database.Face) bool { return f.Assignment.IsAssignedTo(personID) }), nil
}

func (m *MockStore) MarkFaceUploaded(ctx context.Context, faceID int64, externalRef string, at time.Time) error {
	if m.MarkUploadedError != nil {
		return m.MarkUploadedError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.faces[faceID]
	if !ok {
		return apperr.NotFound("face", faceID)
	}
	f.UploadState = database.UploadUploaded
	f.UploadedAt = &at
	f.ExternalFaceRef = externalRef
	return nil
}

func (m *MockStore) ClearFaceUpload(ctx context.Context, faceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.faces[faceID]
	if !ok {
		return apperr.NotFound("face", faceID)
	}
	f.UploadState = database.UploadNotUploaded
	f.UploadedAt = nil
	f.ExternalFaceRef = ""
	return nil
}

func (m *MockStore) ResetUploadState(ctx context.Context, personID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.faces {
		if !f.Assignment.IsAssignedTo(personID) {
			continue
		}
		if f.UploadState != database.UploadNotUploaded || f.UploadedAt != nil {
			n++
		}
		f.UploadState = database.UploadNotUploaded
		f.UploadedAt = nil
		f.ExternalFaceRef = ""
	}
	return n, nil
}

// --- PersonStore ---

func (m *MockStore) CreatePerson(ctx context.Context, person *database.Person) error {
	person.ID = m.AddPerson(*person)
	return nil
}

func (m *MockStore) GetPerson(ctx context.Context, id int64) (*database.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok {
		return nil, apperr.NotFound("person", id)
	}
	c := *p
	return &c, nil
}

func (m *MockStore) GetPersonBySubject(ctx context.Context, subjectID string) (*database.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.persons {
		if subjectID != "" && p.ExternalSubjectID == subjectID {
			c := *p
			return &c, nil
		}
	}
	return nil, nil
}

func (m *MockStore) ListPersons(ctx context.Context) ([]database.Person, error) {
	if m.ListPersonsError != nil {
		return nil, m.ListPersonsError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]database.Person, 0, len(m.persons))
	for _, p := range m.persons {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MockStore) withPerson(id int64, fn func(p *database.Person)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok {
		return apperr.NotFound("person", id)
	}
	fn(p)
	return nil
}

func (m *MockStore) SetExternalSubject(ctx context.Context, personID int64, subjectID string) error {
	return m.withPerson(personID, func(p *database.Person) { p.ExternalSubjectID = subjectID })
}

func (m *MockStore) SetRecognitionStatus(ctx context.Context, personID int64, status database.RecognitionStatus, trainedAt *time.Time) error {
	return m.withPerson(personID, func(p *database.Person) {
		p.RecognitionStatus = status
		if trainedAt != nil {
			p.LastTrainedAt = trainedAt
		}
	})
}

func (m *MockStore) SetAllowAutoTraining(ctx context.Context, personID int64, allow bool) error {
	return m.withPerson(personID, func(p *database.Person) { p.AllowAutoTraining = allow })
}

func (m *MockStore) UpdateFaceCount(ctx context.Context, personID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.persons[personID]; !ok {
		return 0, apperr.NotFound("person", personID)
	}
	return m.recountLocked(personID), nil
}

// SetFaceCount overwrites the cached count without recomputing, to simulate drift.
func (m *MockStore) SetFaceCount(personID int64, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.persons[personID]; ok {
		p.FaceCount = n
	}
}

// --- ClusterStore ---

func (m *MockStore) CreateCluster(ctx context.Context, cluster *database.Cluster, members []database.ClusterMember) error {
	if m.CreateClusterError != nil {
		return m.CreateClusterError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cm := range members {
		f, ok := m.faces[cm.FaceID]
		if !ok {
			return apperr.NotFound("face", cm.FaceID)
		}
		if !f.Assignment.IsUnassigned() || m.inPendingClusterLocked(f) {
			return apperr.Conflict("face", cm.FaceID, "face is no longer available for clustering")
		}
	}
	cluster.ID = m.id()
	if cluster.State == "" {
		cluster.State = database.ClusterPending
	}
	cluster.FaceCount = len(members)
	cluster.CreatedAt = time.Now()
	c := *cluster
	m.clusters[c.ID] = &c
	stored := make([]database.ClusterMember, len(members))
	for i, cm := range members {
		cm.ClusterID = c.ID
		stored[i] = cm
		id := c.ID
		m.faces[cm.FaceID].ClusterID = &id
	}
	m.members[c.ID] = stored
	return nil
}

func (m *MockStore) GetCluster(ctx context.Context, id int64) (*database.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[id]
	if !ok {
		return nil, apperr.NotFound("cluster", id)
	}
	cp := *c
	return &cp, nil
}

func (m *MockStore) ListClusters(ctx context.Context, state database.ClusterState) ([]database.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []database.Cluster
	for _, c := range m.clusters {
		if state == "" || c.State == state {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

func (m *MockStore) GetClusterMembers(ctx context.Context, clusterID int64) ([]database.ClusterMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clusters[clusterID]; !ok {
		return nil, apperr.NotFound("cluster", clusterID)
	}
	members := slices.Clone(m.members[clusterID])
	sort.Slice(members, func(i, j int) bool { return members[i].FaceID < members[j].FaceID })
	return members, nil
}

func (m *MockStore) pendingClusterLocked(id int64) (*database.Cluster, error) {
	c, ok := m.clusters[id]
	if !ok {
		return nil, apperr.NotFound("cluster", id)
	}
	if !c.State.IsActive() {
		return nil, apperr.Conflict("cluster", id, "cluster is %s", c.State)
	}
	return c, nil
}

func (m *MockStore) MarkClusterReviewed(ctx context.Context, clusterID int64, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.pendingClusterLocked(clusterID)
	if err != nil {
		return err
	}
	now := time.Now()
	c.State = database.ClusterReviewed
	c.Notes = notes
	c.ReviewedAt = &now
	return nil
}

func (m *MockStore) deleteClusterLocked(id int64) {
	for _, cm := range m.members[id] {
		if f, ok := m.faces[cm.FaceID]; ok && f.ClusterID != nil && *f.ClusterID == id {
			f.ClusterID = nil
		}
	}
	delete(m.members, id)
	delete(m.clusters, id)
}

func (m *MockStore) DeleteCluster(ctx context.Context, clusterID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.pendingClusterLocked(clusterID); err != nil {
		return err
	}
	m.deleteClusterLocked(clusterID)
	return nil
}

func (m *MockStore) DeletePendingClusters(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.clusters {
		if c.State.IsActive() {
			m.deleteClusterLocked(id)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) AssignClusterToPerson(ctx context.Context, clusterID, personID int64, source database.AssignmentSource) (int, error) {
	if m.AssignClusterError != nil {
		return 0, m.AssignClusterError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.pendingClusterLocked(clusterID)
	if err != nil {
		return 0, err
	}
	if _, ok := m.persons[personID]; !ok {
		return 0, apperr.NotFound("person", personID)
	}
	members := m.members[clusterID]
	// Validate everything before the first write so a conflict leaves no trace.
	for _, cm := range members {
		f, ok := m.faces[cm.FaceID]
		if !ok {
			return 0, apperr.NotFound("face", cm.FaceID)
		}
		if !f.Assignment.IsUnassigned() {
			return 0, apperr.Conflict("face", cm.FaceID, "assignment is %s, expected unassigned", f.Assignment)
		}
	}
	for _, cm := range members {
		f := m.faces[cm.FaceID]
		f.Assignment = database.AssignedTo(personID)
		f.AssignmentSource = source
	}
	m.recountLocked(personID)
	now := time.Now()
	c.State = database.ClusterAssigned
	c.AssignedPersonID = &personID
	c.ReviewedAt = &now
	return len(members), nil
}

// --- SimilarityStore ---

func key(a, b int64, method database.SimilarityMethod) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a: a, b: b, method: method}
}

func (m *MockStore) GetSimilarity(ctx context.Context, a, b int64, method database.SimilarityMethod) (*database.SimilarityEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.edges[key(a, b, method)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MockStore) SaveSimilarity(ctx context.Context, edge database.SimilarityEdge) error {
	if m.SaveSimilarityError != nil {
		return m.SaveSimilarityError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveSimilarityCalls++
	edge = database.NewSimilarityEdge(edge.FaceA, edge.FaceB, edge.Score, edge.Method)
	m.edges[key(edge.FaceA, edge.FaceB, edge.Method)] = edge
	return nil
}

func (m *MockStore) DeleteSimilaritiesForFace(ctx context.Context, faceID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.edges {
		if k.a == faceID || k.b == faceID {
			delete(m.edges, k)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) DeleteSimilarities(ctx context.Context, method database.SimilarityMethod) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.edges {
		if k.method == method {
			delete(m.edges, k)
			n++
		}
	}
	return n, nil
}

// --- TrainingLogStore ---

func (m *MockStore) AppendTrainingLog(ctx context.Context, entry *database.TrainingLogEntry) error {
	if m.AppendLogError != nil {
		return m.AppendLogError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.trainLog) + 1)
	m.trainLog = append(m.trainLog, *entry)
	return nil
}

func (m *MockStore) ListTrainingLog(ctx context.Context, personID int64, limit int) ([]database.TrainingLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []database.TrainingLogEntry
	for i := len(m.trainLog) - 1; i >= 0; i-- {
		if m.trainLog[i].PersonID != personID {
			continue
		}
		result = append(result, m.trainLog[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MockStore) CountFailedAttempts(ctx context.Context, personID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.trainLog {
		if e.PersonID == personID && !e.Success {
			n++
		}
	}
	return n, nil
}

// --- JobStore ---

func (m *MockStore) CreateJob(ctx context.Context, job *database.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = database.JobStatusPending
	}
	j := copyJob(job)
	m.jobs[j.ID] = &j
	return nil
}

func (m *MockStore) GetJob(ctx context.Context, id string) (*database.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperr.NotFound("job", id)
	}
	c := copyJob(j)
	return &c, nil
}

func (m *MockStore) ListJobs(ctx context.Context, filter database.JobFilter) ([]database.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []database.Job
	for _, j := range m.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		result = append(result, copyJob(j))
	}
	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.After(result[k].CreatedAt)
		}
		return result[i].ID < result[k].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MockStore) TransitionJob(ctx context.Context, id string, from []database.JobStatus, to database.JobStatus) (bool, error) {
	if m.TransitionJobError != nil {
		return false, m.TransitionJobError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, apperr.NotFound("job", id)
	}
	if !slices.Contains(from, j.Status) {
		return false, nil
	}
	now := time.Now()
	j.Status = to
	j.UpdatedAt = now
	if to == database.JobStatusRunning {
		j.StartedAt = &now
	}
	if to.IsTerminal() {
		j.CompletedAt = &now
	}
	return true, nil
}

func (m *MockStore) UpdateJobProgress(ctx context.Context, id string, progress int, phase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apperr.NotFound("job", id)
	}
	j.Progress = progress
	j.Phase = phase
	j.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) FinishJob(ctx context.Context, id string, status database.JobStatus, result json.RawMessage, errs []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, apperr.NotFound("job", id)
	}
	if j.Status != database.JobStatusRunning {
		return false, nil
	}
	now := time.Now()
	j.Status = status
	j.Result = result
	for _, e := range errs {
		j.Errors = database.AppendBounded(j.Errors, e, database.MaxJobErrors)
	}
	if status == database.JobStatusCompleted {
		j.Progress = 100
	}
	j.UpdatedAt = now
	j.CompletedAt = &now
	return true, nil
}

func (m *MockStore) RequeueJob(ctx context.Context, id string, retries int, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, apperr.NotFound("job", id)
	}
	if j.Status != database.JobStatusRunning {
		return false, nil
	}
	j.Status = database.JobStatusPending
	j.Retries = retries
	j.Errors = database.AppendBounded(j.Errors, errMsg, database.MaxJobErrors)
	j.UpdatedAt = time.Now()
	return true, nil
}

var _ database.Store = (*MockStore)(nil)
