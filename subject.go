package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DefaultIDExpression is used when a subject class has no id expression.
const DefaultIDExpression = "subject.GetID()"

type subjectConfig struct {
	idFromSubject     string
	subjectFromDomain string
}

// ExpressionSubjectIdentity resolves subject ids and subjects with
// expressions configured per subject class.
type ExpressionSubjectIdentity struct {
	mu        sync.RWMutex
	evaluator ExpressionEvaluator
	subjects  map[string]subjectConfig
}

func NewExpressionSubjectIdentity(evaluator ExpressionEvaluator) *ExpressionSubjectIdentity {
	return &ExpressionSubjectIdentity{evaluator: evaluator, subjects: make(map[string]subjectConfig)}
}

// AddSupportedSubject configures subjectClass. idFromSubject is evaluated
// with "subject"; subjectFromDomain with "subjectClass" and "subjectId".
func (s *ExpressionSubjectIdentity) AddSupportedSubject(subjectClass, idFromSubject, subjectFromDomain string) error {
	subjectClass = strings.TrimSpace(subjectClass)
	if subjectClass == "" {
		return NewError(ErrSubjectNotSupported, "subject class cannot be empty", nil, nil)
	}
	if strings.TrimSpace(idFromSubject) == "" {
		idFromSubject = DefaultIDExpression
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subjects[subjectClass]; exists {
		return NewError(ErrSubjectNotSupported, fmt.Sprintf("Subject config for class %q is already set", subjectClass), nil,
			map[string]any{"class": subjectClass})
	}
	s.subjects[subjectClass] = subjectConfig{idFromSubject: idFromSubject, subjectFromDomain: subjectFromDomain}
	return nil
}

// SupportsFromDomain reports whether subjectClass can be loaded by id.
func (s *ExpressionSubjectIdentity) SupportsFromDomain(subjectClass string) bool {
	cfg, ok := s.config(subjectClass)
	return ok && cfg.subjectFromDomain != ""
}

func (s *ExpressionSubjectIdentity) IDOf(ctx context.Context, subject any) (string, error) {
	if !IsObject(subject) {
		return "", NewError(ErrSubjectNotObject, fmt.Sprintf("Subject must be an object, %T given", subject), nil, nil)
	}
	class := SubjectClass(subject)
	cfg, ok := s.config(class)
	if !ok {
		return "", NewError(ErrSubjectNotSupported, fmt.Sprintf("Cannot find subject id expression for class %q", class), nil,
			map[string]any{"class": class})
	}
	id, err := s.evaluator.Evaluate(ctx, cfg.idFromSubject, map[string]any{"subject": subject})
	if err != nil {
		return "", err
	}
	if id == nil {
		return "", NewError(ErrSubjectNotSupported, fmt.Sprintf("Subject id expression for class %q returned nothing", class), nil, nil)
	}
	return fmt.Sprint(id), nil
}

func (s *ExpressionSubjectIdentity) FromDomain(ctx context.Context, subjectClass, subjectID string) (any, error) {
	subjectClass = strings.TrimSpace(subjectClass)
	cfg, ok := s.config(subjectClass)
	if !ok || cfg.subjectFromDomain == "" {
		return nil, NewError(ErrSubjectNotSupported, fmt.Sprintf("Cannot find subject from domain expression for class %q", subjectClass), nil,
			map[string]any{"class": subjectClass})
	}
	return s.evaluator.Evaluate(ctx, cfg.subjectFromDomain, map[string]any{
		"subjectClass": subjectClass,
		"subjectId":    subjectID,
	})
}

func (s *ExpressionSubjectIdentity) config(subjectClass string) (subjectConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.subjects[subjectClass]
	return cfg, ok
}
