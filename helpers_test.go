package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

type order struct {
	ID     string
	Status string
}

func (o *order) GetID() string { return o.ID }

type orderPlaced struct {
	Order *order
}

// stubEvaluator answers expressions from a table of functions.
type stubEvaluator struct {
	mu    sync.Mutex
	exprs map[string]func(vars map[string]any) (any, error)
	calls []string
}

func newStubEvaluator() *stubEvaluator {
	return &stubEvaluator{exprs: make(map[string]func(map[string]any) (any, error))}
}

func (s *stubEvaluator) on(source string, fn func(vars map[string]any) (any, error)) *stubEvaluator {
	s.exprs[source] = fn
	return s
}

func (s *stubEvaluator) value(source string, v any) *stubEvaluator {
	return s.on(source, func(map[string]any) (any, error) { return v, nil })
}

func (s *stubEvaluator) Evaluate(_ context.Context, source string, vars map[string]any) (any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, source)
	fn, ok := s.exprs[source]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown expression %q", source)
	}
	return fn(vars)
}

type fakeWorkflow struct {
	name  string
	apply func(subject any, transition string) error

	mu    sync.Mutex
	calls []string
}

func (w *fakeWorkflow) Name() string { return w.name }

func (w *fakeWorkflow) Apply(_ context.Context, subject any, transition string) error {
	w.mu.Lock()
	w.calls = append(w.calls, transition)
	w.mu.Unlock()
	if w.apply == nil {
		return nil
	}
	return w.apply(subject, transition)
}

func (w *fakeWorkflow) applied() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

type fakeEngine struct {
	workflows map[string]*fakeWorkflow
}

func newFakeEngine(names ...string) *fakeEngine {
	e := &fakeEngine{workflows: make(map[string]*fakeWorkflow)}
	for _, name := range names {
		e.workflows[name] = &fakeWorkflow{name: name}
	}
	return e
}

func (e *fakeEngine) Workflow(_ context.Context, _ any, name string) (Workflow, error) {
	wf, ok := e.workflows[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q not found", name)
	}
	return wf, nil
}

type fakeSubjects struct {
	orders map[string]*order
}

func (f *fakeSubjects) IDOf(_ context.Context, subject any) (string, error) {
	o, ok := subject.(*order)
	if !ok {
		return "", fmt.Errorf("unsupported subject %T", subject)
	}
	return o.ID, nil
}

func (f *fakeSubjects) FromDomain(_ context.Context, _ string, id string) (any, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	return o, nil
}

type logEntry struct {
	level  string
	msg    string
	fields map[string]any
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  map[string]any
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) record(level, msg string, args ...any) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, fields: l.fields})
}

func (l *recordingLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *recordingLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *recordingLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *recordingLogger) WithContext(context.Context) Logger { return l }

func (l *recordingLogger) WithFields(fields map[string]any) Logger {
	cp := *l
	cp.fields = mergeFields(l.fields, fields)
	return &cp
}

func (l *recordingLogger) byLevel(level string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range *l.entries {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}

func (l *recordingLogger) critical() []logEntry {
	var out []logEntry
	for _, e := range l.byLevel("error") {
		if e.fields["severity"] == "critical" {
			out = append(out, e)
		}
	}
	return out
}

// memoryJobs is a minimal JobStore that counts lookups.
type memoryJobs struct {
	mu          sync.Mutex
	jobs        map[string]*ScheduledJob
	findPending int
}

func newMemoryJobs() *memoryJobs {
	return &memoryJobs{jobs: make(map[string]*ScheduledJob)}
}

func (m *memoryJobs) FindPending(_ context.Context, key ContentKey) ([]*ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findPending++
	var out []*ScheduledJob
	for _, job := range m.jobs {
		if job.Reschedulable && job.State.NotStarted() && job.Key().Equal(key) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryJobs) Create(_ context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *memoryJobs) Reschedule(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return NewError(ErrJobNotFound, "job "+id, nil, nil)
	}
	job.ExecuteAfter = at
	return nil
}

func (m *memoryJobs) all() []*ScheduledJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ScheduledJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Clone())
	}
	return out
}

func mustContext(t *testing.T, wf Workflow, o *order) *WorkflowContext {
	t.Helper()
	return NewWorkflowContext(wf, o, o.ID)
}
