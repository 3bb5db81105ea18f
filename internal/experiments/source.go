package experiments

import (
	"encoding/json"
	"os"
	"sync"
)

// Branch is one arm of an enrollment. Features maps feature id to the raw
// feature value configured for that branch.
type Branch struct {
	Slug     string                     `json:"slug"`
	Features map[string]json.RawMessage `json:"features"`
}

// Enrollment is the active enrollment metadata for a feature.
type Enrollment struct {
	Slug          string   `json:"slug"`
	Branch        Branch   `json:"branch"`
	OtherBranches []Branch `json:"otherBranches,omitempty"`
	IsRollout     bool     `json:"isRollout,omitempty"`
}

// Source looks up the enrollment covering a feature id. ok is false when the
// feature has no active enrollment (that is not an error; the feature simply
// contributes no messages).
type Source interface {
	Enrollment(featureID string) (*Enrollment, bool)
}

// StaticSource serves enrollments from an in-memory table, optionally loaded
// from a JSON file. It stands in for a live enrollment service.
type StaticSource struct {
	mu          sync.RWMutex
	enrollments map[string]*Enrollment // keyed by feature id
}

func NewStaticSource() *StaticSource {
	return &StaticSource{enrollments: map[string]*Enrollment{}}
}

// LoadFile replaces the table with the contents of a JSON file mapping
// feature id to enrollment.
func (s *StaticSource) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var table map[string]*Enrollment
	if err := json.Unmarshal(b, &table); err != nil {
		return err
	}
	s.mu.Lock()
	s.enrollments = table
	s.mu.Unlock()
	return nil
}

func (s *StaticSource) Put(featureID string, e *Enrollment) {
	s.mu.Lock()
	s.enrollments[featureID] = e
	s.mu.Unlock()
}

func (s *StaticSource) Enrollment(featureID string) (*Enrollment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[featureID]
	if !ok || e == nil {
		return nil, false
	}
	return e, true
}
