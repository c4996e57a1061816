package trigger

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// WorkflowEngine resolves the workflow that governs a subject.
type WorkflowEngine interface {
	Workflow(ctx context.Context, subject any, workflowName string) (Workflow, error)
}

// Workflow is a resolved workflow handle. Apply returns an error carrying
// ErrCodeTransitionNotAllowed when the transition is not allowed in the
// current marking; any other error is treated as a general failure.
type Workflow interface {
	Name() string
	Apply(ctx context.Context, subject any, transition string) error
}

// ExpressionEvaluator evaluates source against a set of variables.
type ExpressionEvaluator interface {
	Evaluate(ctx context.Context, source string, vars map[string]any) (any, error)
}

// SubjectIdentity maps subjects to identifiers and back.
type SubjectIdentity interface {
	IDOf(ctx context.Context, subject any) (string, error)
	FromDomain(ctx context.Context, subjectClass, subjectID string) (any, error)
}

// ServiceLocator resolves a service instance by id at invocation time.
type ServiceLocator func(serviceID string) (any, error)

// JobStore persists deferred jobs for the scheduler.
type JobStore interface {
	// FindPending returns every not-yet-started reschedulable job whose
	// content key equals key.
	FindPending(ctx context.Context, key ContentKey) ([]*ScheduledJob, error)
	Create(ctx context.Context, job *ScheduledJob) error
	Reschedule(ctx context.Context, id string, executeAfter time.Time) error
}

// PendingRescheduler is implemented by stores that find and reschedule in
// one step. When exactly one job matches key it is moved to executeAfter;
// otherwise the matches are returned unchanged.
type PendingRescheduler interface {
	ReschedulePending(ctx context.Context, key ContentKey, executeAfter time.Time) ([]*ScheduledJob, error)
}

// Classifier lets a subject report its own class name.
type Classifier interface {
	SubjectClass() string
}

// SubjectClass returns the class name used to identify subjects in logs and
// deferred jobs.
func SubjectClass(subject any) string {
	if subject == nil {
		return ""
	}
	if c, ok := subject.(Classifier); ok {
		return c.SubjectClass()
	}
	return reflect.TypeOf(subject).String()
}

// IsObject reports whether v can act as a workflow subject.
func IsObject(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		return !rv.IsNil()
	case reflect.Struct:
		return true
	default:
		return false
	}
}

// WorkflowContext binds a workflow handle to a subject and its identifier.
// The identifier is captured when the context is built; a subject that
// changes its own identity afterwards is not re-read.
type WorkflowContext struct {
	workflow  Workflow
	subject   any
	subjectID string
}

func NewWorkflowContext(workflow Workflow, subject any, subjectID string) *WorkflowContext {
	return &WorkflowContext{workflow: workflow, subject: subject, subjectID: subjectID}
}

func (wc *WorkflowContext) Workflow() Workflow { return wc.workflow }
func (wc *WorkflowContext) Subject() any       { return wc.subject }
func (wc *WorkflowContext) SubjectID() string  { return wc.subjectID }

// WorkflowName is nil-safe.
func (wc *WorkflowContext) WorkflowName() string {
	if wc == nil || wc.workflow == nil {
		return ""
	}
	return wc.workflow.Name()
}

func (wc *WorkflowContext) SubjectClass() string {
	if wc == nil {
		return ""
	}
	return SubjectClass(wc.subject)
}

func (wc *WorkflowContext) LoggerContext() map[string]any {
	if wc == nil {
		return map[string]any{}
	}
	return LoggerContext(wc.WorkflowName(), wc.SubjectClass(), wc.subjectID)
}

func (wc *WorkflowContext) String() string {
	return fmt.Sprintf("%s:%s#%s", wc.WorkflowName(), wc.SubjectClass(), wc.SubjectID())
}

// LoggerContext builds the standard log fields for a subject in a workflow.
func LoggerContext(workflow, subjectClass, subjectID string) map[string]any {
	return map[string]any{
		"workflow": workflow,
		"class":    subjectClass,
		"id":       subjectID,
	}
}

// contextBuilder resolves workflow contexts for subjects.
type contextBuilder struct {
	engine   WorkflowEngine
	subjects SubjectIdentity
}

func (b contextBuilder) build(ctx context.Context, subject any, workflowName string) (*WorkflowContext, error) {
	if b.engine == nil {
		return nil, fmt.Errorf("workflow engine not configured")
	}
	if b.subjects == nil {
		return nil, fmt.Errorf("subject identity not configured")
	}
	wf, err := b.engine.Workflow(ctx, subject, workflowName)
	if err != nil {
		return nil, err
	}
	id, err := b.subjects.IDOf(ctx, subject)
	if err != nil {
		return nil, err
	}
	return NewWorkflowContext(wf, subject, id), nil
}
