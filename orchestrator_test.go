package trigger

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

type orchestratorFixture struct {
	eval     *stubEvaluator
	engine   *fakeEngine
	registry *ActionRegistry
	store    *memoryJobs
	logger   *recordingLogger
	metrics  *countingMetrics

	mu    sync.Mutex
	calls []string
}

func newOrchestratorFixture(t *testing.T, workflows ...string) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		eval:     newStubEvaluator(),
		engine:   newFakeEngine(workflows...),
		registry: NewActionRegistry(),
		store:    newMemoryJobs(),
		logger:   newRecordingLogger(),
		metrics:  &countingMetrics{errors: map[string]int{}, successes: map[string]int{}},
	}
	f.eval.on("event.Order", func(vars map[string]any) (any, error) {
		return vars["event"].(orderPlaced).Order, nil
	})
	return f
}

func (f *orchestratorFixture) record(name string) func(wc *WorkflowContext, v string) error {
	return func(wc *WorkflowContext, v string) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, wc.WorkflowName()+":"+name+":"+v)
		return nil
	}
}

func (f *orchestratorFixture) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *orchestratorFixture) orchestrator() *Orchestrator {
	subjects := &fakeSubjects{}
	scheduler := NewDeferredJobScheduler(f.store, WithSchedulerLogger(f.logger))
	return NewOrchestrator(f.eval, f.engine, subjects, NewActionInvoker(f.registry), scheduler,
		WithOrchestratorLogger(f.logger),
		WithMetrics(f.metrics),
	)
}

type countingMetrics struct {
	mu        sync.Mutex
	errors    map[string]int
	successes map[string]int
}

func (m *countingMetrics) RecordDuration(string, time.Duration) {}

func (m *countingMetrics) RecordError(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[name]++
}

func (m *countingMetrics) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes[name]++
}

func TestDispatchUnsupportedEvent(t *testing.T) {
	f := newOrchestratorFixture(t, "orders")
	err := f.orchestrator().Dispatch(context.Background(), orderPlaced{}, "order.unknown")
	if ErrorCode(err) != ErrCodeUnsupportedEvent {
		t.Fatalf("expected %s, got %v", ErrCodeUnsupportedEvent, err)
	}
}

func TestDispatchRunsActionsWithResolvedArguments(t *testing.T) {
	f := newOrchestratorFixture(t, "orders")
	f.eval.value("event.Order.ID", "o-1")
	if err := f.registry.RegisterCallable("notify", ActionTypeWorkflow, f.record("notify")); err != nil {
		t.Fatalf("register: %v", err)
	}
	o := f.orchestrator()
	if err := o.Register("order.placed", "orders", EventTrigger{
		SubjectExpression: "event.Order",
		Actions:           []ActionCall{{Name: "notify", Arguments: []ArgumentSpec{Expression{Source: "event.Order.ID"}}}},
	}); err != nil {
		t.Fatalf("register trigger: %v", err)
	}

	if err := o.Dispatch(context.Background(), orderPlaced{Order: &order{ID: "o-1"}}, "order.placed"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := f.recorded(); !reflect.DeepEqual(got, []string{"orders:notify:o-1"}) {
		t.Fatalf("unexpected calls %v", got)
	}
	if f.metrics.successes[MetricWorkflow] != 1 {
		t.Fatalf("expected workflow success metric")
	}
}

func TestDispatchIsolatesWorkflows(t *testing.T) {
	f := newOrchestratorFixture(t, "billing", "orders")
	if err := f.registry.RegisterCallable("explode", ActionTypeRegular, func() error { return errors.New("boom") }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.registry.RegisterCallable("notify", ActionTypeWorkflow, f.record("notify")); err != nil {
		t.Fatalf("register: %v", err)
	}
	o := f.orchestrator()
	_ = o.Register("order.placed", "billing", EventTrigger{
		SubjectExpression: "event.Order",
		Actions: []ActionCall{
			{Name: "explode"},
			{Name: "notify", Arguments: []ArgumentSpec{Scalar{Value: "skipped"}}},
		},
	})
	_ = o.Register("order.placed", "orders", EventTrigger{
		SubjectExpression: "event.Order",
		Actions:           []ActionCall{{Name: "notify", Arguments: []ArgumentSpec{Scalar{Value: "ran"}}}},
	})

	if err := o.Dispatch(context.Background(), orderPlaced{Order: &order{ID: "o-1"}}, "order.placed"); err != nil {
		t.Fatalf("dispatch must not fail: %v", err)
	}
	if got := f.recorded(); !reflect.DeepEqual(got, []string{"orders:notify:ran"}) {
		t.Fatalf("expected only the second workflow to run, got %v", got)
	}
	errs := f.logger.byLevel("error")
	if len(errs) != 1 || errs[0].fields["workflow"] != "billing" {
		t.Fatalf("expected one error for billing, got %v", errs)
	}
	if f.metrics.errors[MetricWorkflow] != 1 || f.metrics.successes[MetricWorkflow] != 1 {
		t.Fatalf("unexpected workflow metrics %v %v", f.metrics.errors, f.metrics.successes)
	}
}

func TestDispatchContinuesAfterSubjectFailure(t *testing.T) {
	f := newOrchestratorFixture(t, "billing", "orders", "shipping")
	f.eval.on("event.Broken", func(map[string]any) (any, error) { return nil, errors.New("unknown field Broken") })
	if err := f.registry.RegisterCallable("notify", ActionTypeWorkflow, f.record("notify")); err != nil {
		t.Fatalf("register: %v", err)
	}
	o := f.orchestrator()
	for _, wf := range []string{"billing", "orders", "shipping"} {
		expr := "event.Order"
		if wf == "orders" {
			expr = "event.Broken"
		}
		if err := o.Register("order.placed", wf, EventTrigger{
			SubjectExpression: expr,
			Actions:           []ActionCall{{Name: "notify", Arguments: Scalars(wf)}},
		}); err != nil {
			t.Fatalf("register %s: %v", wf, err)
		}
	}

	if err := o.Dispatch(context.Background(), orderPlaced{Order: &order{ID: "o-1"}}, "order.placed"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := []string{"billing:notify:billing", "shipping:notify:shipping"}
	if got := f.recorded(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	errs := f.logger.byLevel("error")
	if len(errs) != 1 || errs[0].fields["workflow"] != "orders" {
		t.Fatalf("expected one error for orders, got %v", errs)
	}
}

func TestDispatchRecoversActionPanic(t *testing.T) {
	f := newOrchestratorFixture(t, "orders")
	if err := f.registry.RegisterCallable("panics", ActionTypeRegular, func() { panic("bad state") }); err != nil {
		t.Fatalf("register: %v", err)
	}
	o := f.orchestrator()
	_ = o.Register("order.placed", "orders", EventTrigger{SubjectExpression: "event.Order", Actions: []ActionCall{{Name: "panics"}}})

	if err := o.Dispatch(context.Background(), orderPlaced{Order: &order{ID: "o-1"}}, "order.placed"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(f.logger.critical()) != 1 {
		t.Fatalf("expected a critical log for the panic")
	}
}

func TestDispatchSkipsNonObjectSubjects(t *testing.T) {
	f := newOrchestratorFixture(t, "orders")
	f.eval.value("event.Missing", nil)
	if err := f.registry.RegisterCallable("notify", ActionTypeWorkflow, f.record("notify")); err != nil {
		t.Fatalf("register: %v", err)
	}
	o := f.orchestrator()
	_ = o.Register("order.placed", "orders", EventTrigger{
		SubjectExpression: "event.Missing",
		Actions:           []ActionCall{{Name: "notify", Arguments: []ArgumentSpec{Scalar{Value: "x"}}}},
	})

	if err := o.Dispatch(context.Background(), orderPlaced{}, "order.placed"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(f.recorded()) != 0 {
		t.Fatalf("expected no action for a missing subject")
	}
	errs := f.logger.byLevel("error")
	want := "Subject retrieving from 'order.placed' event by expression 'event.Missing' ended with empty or non-object result"
	if len(errs) != 1 || errs[0].msg != want {
		t.Fatalf("unexpected error log %v", errs)
	}
}

func TestDispatchEvaluatesReactionExpressionAfterActions(t *testing.T) {
	f := newOrchestratorFixture(t, "orders")
	f.eval.on("workflowContext.SubjectID()", func(vars map[string]any) (any, error) {
		wc := vars["workflowContext"].(*WorkflowContext)
		f.mu.Lock()
		f.calls = append(f.calls, "expression:"+wc.SubjectID())
		f.mu.Unlock()
		return nil, nil
	})
	if err := f.registry.RegisterCallable("notify", ActionTypeWorkflow, f.record("notify")); err != nil {
		t.Fatalf("register: %v", err)
	}
	o := f.orchestrator()
	_ = o.Register("order.placed", "orders", EventTrigger{
		SubjectExpression: "event.Order",
		Actions:           []ActionCall{{Name: "notify", Arguments: []ArgumentSpec{Scalar{Value: "first"}}}},
		Expression:        "workflowContext.SubjectID()",
	})

	if err := o.Dispatch(context.Background(), orderPlaced{Order: &order{ID: "o-9"}}, "order.placed"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := []string{"orders:notify:first", "expression:o-9"}
	if got := f.recorded(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDispatchSchedulesEachItemIndependently(t *testing.T) {
	f := newOrchestratorFixture(t, "orders")
	f.eval.on("broken", func(map[string]any) (any, error) { return nil, errors.New("undefined variable") })
	o := f.orchestrator()
	_ = o.Register("order.placed", "orders", EventTrigger{
		SubjectExpression: "event.Order",
		Schedule: []ScheduledActionCall{
			{ActionCall: ActionCall{Name: "remind", Arguments: []ArgumentSpec{Expression{Source: "broken"}}}, Offset: MustParseOffset("PT1H")},
			{ActionCall: ActionCall{Name: "expire", Arguments: []ArgumentSpec{Scalar{Value: 7}}}, Offset: MustParseOffset("P1D"), Reschedulable: true},
		},
	})

	if err := o.Dispatch(context.Background(), orderPlaced{Order: &order{ID: "o-1"}}, "order.placed"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	jobs := f.store.all()
	if len(jobs) != 1 {
		t.Fatalf("expected the second item to be scheduled, got %d jobs", len(jobs))
	}
	if opts := JobOptions(jobs[0].Args); opts["action"] != "expire" || opts["arguments"] != "[7]" {
		t.Fatalf("unexpected job %v", opts)
	}
	if f.metrics.errors[MetricSchedule] != 1 || f.metrics.successes[MetricSchedule] != 1 {
		t.Fatalf("unexpected schedule metrics %v %v", f.metrics.errors, f.metrics.successes)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newOrchestratorFixture(t, "orders")
	o := f.orchestrator()
	trig := EventTrigger{SubjectExpression: "event.Order"}
	if err := o.Register("order.placed", "orders", trig); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := o.Register("order.placed", "orders", trig); ErrorCode(err) != ErrCodeDuplicateTrigger {
		t.Fatalf("expected duplicate trigger error, got %v", err)
	}
	if err := o.Register("order.shipped", "orders", EventTrigger{}); ErrorCode(err) != ErrCodeInvalidAction {
		t.Fatalf("expected missing subject expression error, got %v", err)
	}

	noScheduler := NewOrchestrator(f.eval, f.engine, &fakeSubjects{}, NewActionInvoker(f.registry), nil)
	err := noScheduler.Register("order.placed", "orders", EventTrigger{
		SubjectExpression: "event.Order",
		Schedule:          []ScheduledActionCall{{ActionCall: ActionCall{Name: "remind"}, Offset: MustParseOffset("PT1H")}},
	})
	if ErrorCode(err) != ErrCodeInvalidAction {
		t.Fatalf("expected scheduler requirement error, got %v", err)
	}
	if got := o.Events(); !reflect.DeepEqual(got, []string{"order.placed"}) {
		t.Fatalf("unexpected events %v", got)
	}
}
