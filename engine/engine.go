package engine

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/goliatone/go-errors"
	trigger "github.com/goliatone/go-trigger"
)

// GuardDecider blocks transitions. *trigger.GuardEvaluator satisfies it.
type GuardDecider interface {
	Supports(guardEventName string) bool
	Decide(ctx context.Context, guardEventName string, event trigger.GuardEvent) error
}

// Dispatcher receives completed transition events. *trigger.Orchestrator
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, event any, eventName string) error
}

// TransitionEvent is dispatched after a transition changed the marking.
type TransitionEvent struct {
	Workflow   string
	Transition string
	From       string
	To         string
	Subject    any
}

// CompletedEventName is dispatched after any transition of workflow.
func CompletedEventName(workflow string) string {
	return "workflow." + workflow + ".completed"
}

// TransitionCompletedEventName is dispatched after transition.
func TransitionCompletedEventName(workflow, transition string) string {
	return CompletedEventName(workflow) + "." + transition
}

// Engine holds workflow definitions and resolves them for subjects.
type Engine struct {
	mu         sync.RWMutex
	workflows  map[string]*Workflow
	store      MarkingStore
	guards     GuardDecider
	dispatcher Dispatcher
	logger     trigger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMarkingStore replaces the default SubjectMarkingStore.
func WithMarkingStore(store MarkingStore) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

func WithGuards(guards GuardDecider) Option {
	return func(e *Engine) {
		e.guards = guards
	}
}

func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) {
		e.dispatcher = d
	}
}

func WithLogger(logger trigger.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{workflows: make(map[string]*Workflow), store: SubjectMarkingStore{}}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = trigger.NewFmtLogger(nil)
	}
	return e
}

// SetGuards wires guards after construction. Guard evaluators resolve
// workflows through the engine, so they are usually built after it.
func (e *Engine) SetGuards(guards GuardDecider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guards = guards
}

// SetDispatcher wires the completed event dispatcher after construction.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = d
}

// Add validates def and registers it.
func (e *Engine) Add(def Definition) (*Workflow, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	wf := &Workflow{def: def, engine: e, transitions: make(map[string]Transition, len(def.Transitions))}
	for _, tr := range def.Transitions {
		wf.transitions[tr.Name] = tr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return nil, invalidDefinition("workflow %s already registered", def.Name)
	}
	e.workflows[def.Name] = wf
	return wf, nil
}

// Get returns the workflow registered as name.
func (e *Engine) Get(name string) (*Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[name]
	return wf, ok
}

// Names returns the registered workflow names sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.workflows))
	for name := range e.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Workflow implements trigger.WorkflowEngine.
func (e *Engine) Workflow(_ context.Context, subject any, workflowName string) (trigger.Workflow, error) {
	wf, ok := e.Get(workflowName)
	if !ok {
		return nil, errors.New(fmt.Sprintf("workflow %q is not registered", workflowName), errors.CategoryBadInput).
			WithTextCode(ErrCodeWorkflowNotFound)
	}
	if !wf.Supports(subject) {
		return nil, errors.New(fmt.Sprintf("workflow %q does not support subject %s", workflowName, trigger.SubjectClass(subject)),
			errors.CategoryBadInput).WithTextCode(ErrCodeWorkflowNotFound)
	}
	return wf, nil
}

func (e *Engine) collaborators() (MarkingStore, GuardDecider, Dispatcher) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store, e.guards, e.dispatcher
}

// Workflow is one registered definition bound to its engine.
type Workflow struct {
	def         Definition
	engine      *Engine
	transitions map[string]Transition
}

func (w *Workflow) Name() string           { return w.def.Name }
func (w *Workflow) Definition() Definition { return w.def }

// Supports reports whether the workflow governs subject.
func (w *Workflow) Supports(subject any) bool {
	if len(w.def.Supports) == 0 {
		return subject != nil
	}
	return slices.Contains(w.def.Supports, trigger.SubjectClass(subject))
}

// Marking returns the place of subject, the initial place for new subjects.
func (w *Workflow) Marking(ctx context.Context, subject any) (string, error) {
	store, _, _ := w.engine.collaborators()
	place, err := store.Marking(ctx, subject)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryExternal, "cannot read marking")
	}
	if place == "" {
		place = w.def.initialPlace()
	}
	return place, nil
}

// Can reports whether transition is enabled and no guard blocks it.
func (w *Workflow) Can(ctx context.Context, subject any, transition string) (bool, error) {
	_, _, err := w.check(ctx, subject, transition)
	if trigger.IsNotAllowed(err) {
		return false, nil
	}
	return err == nil, err
}

// EnabledTransitions lists the transitions Can allows, in definition order.
func (w *Workflow) EnabledTransitions(ctx context.Context, subject any) ([]string, error) {
	var out []string
	for _, tr := range w.def.Transitions {
		ok, err := w.Can(ctx, subject, tr.Name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, tr.Name)
		}
	}
	return out, nil
}

// Apply moves subject through transition. It returns an error carrying
// trigger.ErrCodeTransitionNotAllowed when the transition is undefined, not
// enabled in the current marking or blocked by a guard.
func (w *Workflow) Apply(ctx context.Context, subject any, transition string) error {
	tr, from, err := w.check(ctx, subject, transition)
	if err != nil {
		return err
	}
	store, _, dispatcher := w.engine.collaborators()
	if err := store.SetMarking(ctx, subject, tr.To); err != nil {
		return errors.Wrap(err, errors.CategoryExternal, fmt.Sprintf("cannot store marking %s", tr.To))
	}
	w.engine.logger.Debug("workflow %s applied %s: %s -> %s", w.def.Name, tr.Name, from, tr.To)

	if dispatcher == nil {
		return nil
	}
	event := TransitionEvent{Workflow: w.def.Name, Transition: tr.Name, From: from, To: tr.To, Subject: subject}
	for _, name := range []string{CompletedEventName(w.def.Name), TransitionCompletedEventName(w.def.Name, tr.Name)} {
		if err := dispatcher.Dispatch(ctx, event, name); err != nil && !trigger.HasCode(err, trigger.ErrCodeUnsupportedEvent) {
			w.engine.logger.Error("dispatching %s failed: %v", name, err)
		}
	}
	return nil
}

func (w *Workflow) check(ctx context.Context, subject any, transition string) (Transition, string, error) {
	tr, ok := w.transitions[transition]
	if !ok {
		return tr, "", w.notAllowed(transition, "is not defined")
	}
	from, err := w.Marking(ctx, subject)
	if err != nil {
		return tr, "", err
	}
	if !slices.Contains(tr.From, from) {
		return tr, from, w.notAllowed(transition, fmt.Sprintf("is not enabled in place %s", from))
	}
	blocked, err := w.blocked(ctx, subject, transition)
	if err != nil {
		return tr, from, err
	}
	if blocked {
		return tr, from, w.notAllowed(transition, "is blocked by a guard")
	}
	return tr, from, nil
}

// blocked sends one guard event through the workflow guard and then the
// transition guard. The last decision wins.
func (w *Workflow) blocked(ctx context.Context, subject any, transition string) (bool, error) {
	_, guards, _ := w.engine.collaborators()
	if guards == nil {
		return false, nil
	}
	event := &guardEvent{subject: subject, transition: transition}
	for _, name := range []string{trigger.GuardEventName(w.def.Name), trigger.TransitionGuardEventName(w.def.Name, transition)} {
		if !guards.Supports(name) {
			continue
		}
		if err := guards.Decide(ctx, name, event); err != nil {
			return false, err
		}
	}
	return event.blocked, nil
}

func (w *Workflow) notAllowed(transition, reason string) error {
	return trigger.NewError(trigger.ErrTransitionNotAllowed,
		fmt.Sprintf("Transition %q of workflow %q %s", transition, w.def.Name, reason), nil,
		map[string]any{"workflow": w.def.Name, "transition": transition})
}

type guardEvent struct {
	subject    any
	transition string
	blocked    bool
}

func (e *guardEvent) Subject() any       { return e.subject }
func (e *guardEvent) Transition() string { return e.transition }
func (e *guardEvent) SetBlocked(b bool)  { e.blocked = b }
