package engine

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// MarkingStore reads and writes the place a subject is in. An empty marking
// means the subject has not entered the workflow yet.
type MarkingStore interface {
	Marking(ctx context.Context, subject any) (string, error)
	SetMarking(ctx context.Context, subject any, place string) error
}

// Marked subjects carry their own marking.
type Marked interface {
	Marking() string
	SetMarking(place string)
}

// SubjectMarkingStore stores the marking on Marked subjects.
type SubjectMarkingStore struct{}

func (SubjectMarkingStore) Marking(_ context.Context, subject any) (string, error) {
	m, ok := subject.(Marked)
	if !ok {
		return "", fmt.Errorf("subject %T does not implement engine.Marked", subject)
	}
	return m.Marking(), nil
}

func (SubjectMarkingStore) SetMarking(_ context.Context, subject any, place string) error {
	m, ok := subject.(Marked)
	if !ok {
		return fmt.Errorf("subject %T does not implement engine.Marked", subject)
	}
	m.SetMarking(place)
	return nil
}

// KeyFunc derives the storage key of a subject.
type KeyFunc func(subject any) (string, error)

// MemoryMarkingStore keeps markings in a map. Without a KeyFunc subjects
// are keyed by pointer identity.
type MemoryMarkingStore struct {
	mu       sync.RWMutex
	key      KeyFunc
	markings map[string]string
}

func NewMemoryMarkingStore(key KeyFunc) *MemoryMarkingStore {
	if key == nil {
		key = pointerKey
	}
	return &MemoryMarkingStore{key: key, markings: make(map[string]string)}
}

func (s *MemoryMarkingStore) Marking(_ context.Context, subject any) (string, error) {
	k, err := s.key(subject)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markings[k], nil
}

func (s *MemoryMarkingStore) SetMarking(_ context.Context, subject any, place string) error {
	k, err := s.key(subject)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markings[k] = place
	return nil
}

func pointerKey(subject any) (string, error) {
	v := reflect.ValueOf(subject)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return "", fmt.Errorf("subject %T must be a non-nil pointer", subject)
	}
	return fmt.Sprintf("%s@%x", v.Type(), v.Pointer()), nil
}
