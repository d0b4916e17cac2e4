// Package mock provides an in-memory recognizer for testing.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/recognizer"
)

// MockRecognizer is a mock implementation of recognizer.Recognizer.
type MockRecognizer struct {
	mu       sync.Mutex
	subjects map[string][]string // subject -> image ids
	images   map[string]string   // image id -> subject
	nextID   int

	// Scores returns Compare results keyed by image path pair (either order)
	Scores map[[2]string]float64
	// Matches returns Recognize results keyed by image path
	Matches map[string][]recognizer.Match
	// FailPaths makes AddFace fail for these image paths
	FailPaths map[string]bool

	// Error injection
	CreateSubjectError error
	ListFacesError     error
	CompareError       error

	// Call counters
	CreateSubjectCalls int
	AddFaceCalls       int
	DeleteFaceCalls    int
	RecognizeCalls     int
	ListFacesCalls     int
	CompareCalls       int

	// UploadOrder records image paths in the order AddFace was called
	UploadOrder []string
}

// NewMockRecognizer creates an empty mock recognizer.
func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{
		subjects:  make(map[string][]string),
		images:    make(map[string]string),
		Scores:    make(map[[2]string]float64),
		Matches:   make(map[string][]recognizer.Match),
		FailPaths: make(map[string]bool),
	}
}

// SetScore sets the Compare result for a pair of image paths.
func (m *MockRecognizer) SetScore(a, b string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Scores[[2]string{a, b}] = score
}

// SeedSubject creates a subject holding n faces.
func (m *MockRecognizer) SeedSubject(subject string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subjects[subject]; !ok {
		m.subjects[subject] = nil
	}
	for range n {
		m.addLocked(subject)
	}
}

// HasSubject reports whether the subject exists.
func (m *MockRecognizer) HasSubject(subject string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subjects[subject]
	return ok
}

// Subjects returns all subject ids, sorted.
func (m *MockRecognizer) Subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, 0, len(m.subjects))
	for s := range m.subjects {
		result = append(result, s)
	}
	sort.Strings(result)
	return result
}

func (m *MockRecognizer) addLocked(subject string) string {
	m.nextID++
	id := fmt.Sprintf("img-%d", m.nextID)
	m.subjects[subject] = append(m.subjects[subject], id)
	m.images[id] = subject
	return id
}

func (m *MockRecognizer) CreateSubject(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateSubjectCalls++
	if m.CreateSubjectError != nil {
		return "", m.CreateSubjectError
	}
	if _, ok := m.subjects[name]; !ok {
		m.subjects[name] = nil
	}
	return name, nil
}

func (m *MockRecognizer) AddFace(ctx context.Context, subjectID, imagePath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AddFaceCalls++
	m.UploadOrder = append(m.UploadOrder, imagePath)
	if m.FailPaths[imagePath] {
		return "", apperr.External("add face", 500, fmt.Errorf("upload of %s rejected", imagePath))
	}
	if _, ok := m.subjects[subjectID]; !ok {
		return "", apperr.External("add face", 404, fmt.Errorf("subject %s not found", subjectID))
	}
	return m.addLocked(subjectID), nil
}

func (m *MockRecognizer) DeleteFace(ctx context.Context, faceRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteFaceCalls++
	subject, ok := m.images[faceRef]
	if !ok {
		return nil
	}
	delete(m.images, faceRef)
	ids := m.subjects[subject]
	for i, id := range ids {
		if id == faceRef {
			m.subjects[subject] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockRecognizer) Recognize(ctx context.Context, imagePath string) ([]recognizer.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecognizeCalls++
	return m.Matches[imagePath], nil
}

func (m *MockRecognizer) ListFacesForSubject(ctx context.Context, subjectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListFacesCalls++
	if m.ListFacesError != nil {
		return 0, m.ListFacesError
	}
	return len(m.subjects[subjectID]), nil
}

func (m *MockRecognizer) Compare(ctx context.Context, imagePathA, imagePathB string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompareCalls++
	if m.CompareError != nil {
		return 0, m.CompareError
	}
	if s, ok := m.Scores[[2]string{imagePathA, imagePathB}]; ok {
		return s, nil
	}
	return m.Scores[[2]string{imagePathB, imagePathA}], nil
}

var _ recognizer.Recognizer = (*MockRecognizer)(nil)
