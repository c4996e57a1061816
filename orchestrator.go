package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/goliatone/go-trigger"

// ActionCall is an immediate action configured for an event.
type ActionCall struct {
	Name      string
	Arguments []ArgumentSpec
}

// ScheduledActionCall is a deferred action configured for an event.
type ScheduledActionCall struct {
	ActionCall
	Offset        Offset
	Reschedulable bool
}

// EventTrigger is the reaction of one workflow to one event.
type EventTrigger struct {
	// SubjectExpression extracts the subject from the event.
	SubjectExpression string
	Actions           []ActionCall
	// Expression is evaluated after the actions, for side effects only.
	Expression string
	Schedule   []ScheduledActionCall
}

type eventWorkflows struct {
	order    []string
	triggers map[string]EventTrigger
}

// Orchestrator reacts to domain events for every workflow registered
// against the event name.
type Orchestrator struct {
	mu     sync.RWMutex
	events map[string]*eventWorkflows

	evaluator ExpressionEvaluator
	resolver  *ArgumentResolver
	invoker   *ActionInvoker
	scheduler *DeferredJobScheduler
	contexts  contextBuilder

	logger  Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the orchestrator logger.
func WithOrchestratorLogger(logger Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) OrchestratorOption {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

func NewOrchestrator(
	evaluator ExpressionEvaluator,
	engine WorkflowEngine,
	subjects SubjectIdentity,
	invoker *ActionInvoker,
	scheduler *DeferredJobScheduler,
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		events:    make(map[string]*eventWorkflows),
		evaluator: evaluator,
		resolver:  NewArgumentResolver(evaluator),
		invoker:   invoker,
		scheduler: scheduler,
		contexts:  contextBuilder{engine: engine, subjects: subjects},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.logger = normalizeLogger(o.logger)
	o.metrics = normalizeMetrics(o.metrics)
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	return o
}

// Register binds trigger to (eventName, workflow). Workflows are dispatched
// in registration order.
func (o *Orchestrator) Register(eventName, workflow string, trigger EventTrigger) error {
	if eventName == "" || workflow == "" {
		return NewError(ErrInvalidAction, "event name and workflow are required", nil, nil)
	}
	if trigger.SubjectExpression == "" {
		return NewError(ErrInvalidAction, fmt.Sprintf("trigger %q for workflow %q needs a subject retrieving expression", eventName, workflow), nil, nil)
	}
	if len(trigger.Schedule) > 0 && o.scheduler == nil {
		return NewError(ErrInvalidAction, fmt.Sprintf("trigger %q for workflow %q schedules actions but no scheduler is configured", eventName, workflow), nil, nil)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	ew, ok := o.events[eventName]
	if !ok {
		ew = &eventWorkflows{triggers: make(map[string]EventTrigger)}
		o.events[eventName] = ew
	}
	if _, exists := ew.triggers[workflow]; exists {
		return NewError(ErrDuplicateTrigger, fmt.Sprintf("trigger for event %q and workflow %q already registered", eventName, workflow), nil,
			map[string]any{"event": eventName, "workflow": workflow})
	}
	ew.order = append(ew.order, workflow)
	ew.triggers[workflow] = trigger
	return nil
}

// Events returns the registered event names sorted.
func (o *Orchestrator) Events() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.events))
	for name := range o.events {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch reacts to event. Failures inside one workflow are logged and do
// not stop the remaining workflows; only an unknown event name is returned.
func (o *Orchestrator) Dispatch(ctx context.Context, event any, eventName string) error {
	type entry struct {
		workflow string
		trigger  EventTrigger
	}

	o.mu.RLock()
	ew, ok := o.events[eventName]
	var entries []entry
	if ok {
		entries = make([]entry, 0, len(ew.order))
		for _, wf := range ew.order {
			entries = append(entries, entry{workflow: wf, trigger: ew.triggers[wf]})
		}
	}
	o.mu.RUnlock()

	if !ok {
		return NewError(ErrUnsupportedTriggerEvent, fmt.Sprintf("Cannot find registered trigger event by name '%s'", eventName), nil,
			map[string]any{"event": eventName})
	}

	ctx, span := o.tracer.Start(ctx, "trigger.dispatch", trace.WithAttributes(
		attribute.String("trigger.event", eventName),
		attribute.Int("trigger.workflows", len(entries)),
	))
	defer span.End()

	start := time.Now()
	for _, e := range entries {
		o.dispatchWorkflow(ctx, event, eventName, e.workflow, e.trigger)
	}
	o.metrics.RecordDuration(MetricDispatch, time.Since(start))
	o.metrics.RecordSuccess(MetricDispatch)
	return nil
}

func (o *Orchestrator) dispatchWorkflow(ctx context.Context, event any, eventName, workflow string, trig EventTrigger) {
	ctx, span := o.tracer.Start(ctx, "trigger.workflow", trace.WithAttributes(
		attribute.String("trigger.event", eventName),
		attribute.String("trigger.workflow", workflow),
	))
	defer span.End()

	wfLogger := withLoggerFields(o.logger, map[string]any{"workflow": workflow})
	defer func() {
		if r := recover(); r != nil {
			logPanic(wfLogger, r, "Cannot react on event %q due to error. Details: %v", eventName, r)
			span.SetStatus(codes.Error, "panic")
			o.metrics.RecordError(MetricWorkflow)
		}
	}()

	subject, ok := o.retrieveSubject(ctx, event, eventName, trig.SubjectExpression, wfLogger)
	if !ok {
		span.SetStatus(codes.Error, "subject not retrieved")
		o.metrics.RecordError(MetricWorkflow)
		return
	}

	wc, err := o.contexts.build(ctx, subject, workflow)
	if err != nil {
		wfLogger.Error("Cannot build workflow context for event '%s'. Details: %v", eventName, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "workflow context")
		o.metrics.RecordError(MetricWorkflow)
		return
	}
	span.SetAttributes(
		attribute.String("trigger.subject_class", wc.SubjectClass()),
		attribute.String("trigger.subject_id", wc.SubjectID()),
	)
	logger := withLoggerFields(o.logger, wc.LoggerContext())

	failed := false
	for _, call := range trig.Actions {
		ok := o.guarded(logger, span, MetricAction, eventName, fmt.Sprintf("execute action %q", call.Name), func() error {
			args, err := o.resolver.Resolve(ctx, call.Name, call.Arguments, event, wc)
			if err != nil {
				return err
			}
			_, err = o.invoker.Execute(ctx, wc, call.Name, args)
			return err
		})
		if !ok {
			failed = true
			break
		}
	}

	if trig.Expression != "" {
		ok := o.guarded(logger, span, MetricExpression, eventName, fmt.Sprintf("evaluate expression %q", trig.Expression), func() error {
			_, err := o.evaluator.Evaluate(ctx, trig.Expression, map[string]any{
				"event":           event,
				"workflowContext": wc,
			})
			return err
		})
		failed = failed || !ok
	}

	for _, call := range trig.Schedule {
		activity := fmt.Sprintf("schedule action %q", call.Name)
		ok := o.guarded(logger, span, MetricSchedule, eventName, activity, func() error {
			args, err := o.resolver.Resolve(ctx, call.Name, call.Arguments, event, wc)
			if err != nil {
				return err
			}
			_, err = o.scheduler.ScheduleAction(ctx, wc, ScheduledAction{
				Action:        Action{Name: call.Name, Arguments: args},
				Offset:        call.Offset,
				Reschedulable: call.Reschedulable,
			})
			return err
		})
		failed = failed || !ok
	}

	if failed {
		o.metrics.RecordError(MetricWorkflow)
		return
	}
	o.metrics.RecordSuccess(MetricWorkflow)
}

func (o *Orchestrator) retrieveSubject(ctx context.Context, event any, eventName, expression string, logger Logger) (subject any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Cannot retrieve subject from event '%s' by evaluating expression '%s'. Error: '%v'. Please check retrieving expression",
				eventName, expression, r)
			subject, ok = nil, false
		}
	}()

	subject, err := o.evaluator.Evaluate(ctx, expression, map[string]any{"event": event})
	if err != nil {
		logger.Error("Cannot retrieve subject from event '%s' by evaluating expression '%s'. Error: '%v'. Please check retrieving expression",
			eventName, expression, err)
		return nil, false
	}
	if !IsObject(subject) {
		logger.Error("Subject retrieving from '%s' event by expression '%s' ended with empty or non-object result",
			eventName, expression)
		return nil, false
	}
	logger.Debug("Retrieved subject from %q event", eventName)
	return subject, true
}

// guarded runs fn, logging and swallowing any error or panic.
func (o *Orchestrator) guarded(
	logger Logger,
	span trace.Span,
	metric, eventName, activity string,
	fn func() error,
) (ok bool) {
	start := time.Now()
	defer func() {
		o.metrics.RecordDuration(metric, time.Since(start))
		if r := recover(); r != nil {
			logPanic(logger, r, "Cannot %s on event %q due to error. Details: %v", activity, eventName, r)
			span.SetStatus(codes.Error, activity)
			o.metrics.RecordError(metric)
			ok = false
		}
	}()

	err := fn()
	recordOutcome(o.metrics, metric, err)
	if err != nil {
		logger.Error("Cannot %s on event %q due to exception. Details: %v", activity, eventName, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, activity)
		return false
	}
	return true
}
