package trigger

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// GuardEvent is raised by a workflow engine before a transition is applied.
type GuardEvent interface {
	Subject() any
	Transition() string
	SetBlocked(blocked bool)
}

// GuardEventName is the event raised for every transition of workflow.
func GuardEventName(workflow string) string {
	return fmt.Sprintf("workflow.%s.guard", workflow)
}

// TransitionGuardEventName is the event raised for one transition of workflow.
func TransitionGuardEventName(workflow, transition string) string {
	return fmt.Sprintf("workflow.%s.guard.%s", workflow, transition)
}

type guardExpression struct {
	workflow   string
	expression string
}

// GuardEvaluator blocks transitions using boolean expressions.
type GuardEvaluator struct {
	mu        sync.RWMutex
	guards    map[string]guardExpression
	evaluator ExpressionEvaluator
	contexts  contextBuilder
	logger    Logger
}

// GuardOption configures a GuardEvaluator.
type GuardOption func(*GuardEvaluator)

// WithGuardLogger sets the guard logger.
func WithGuardLogger(logger Logger) GuardOption {
	return func(g *GuardEvaluator) {
		g.logger = logger
	}
}

func NewGuardEvaluator(evaluator ExpressionEvaluator, engine WorkflowEngine, subjects SubjectIdentity, opts ...GuardOption) *GuardEvaluator {
	g := &GuardEvaluator{
		guards:    make(map[string]guardExpression),
		evaluator: evaluator,
		contexts:  contextBuilder{engine: engine, subjects: subjects},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.logger = normalizeLogger(g.logger)
	return g
}

// Register binds expression to guardEventName for workflow. A later call
// for the same event name replaces the earlier one.
func (g *GuardEvaluator) Register(guardEventName, workflow, expression string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.guards[guardEventName] = guardExpression{workflow: workflow, expression: expression}
}

// Supports reports whether guardEventName has a registered expression.
func (g *GuardEvaluator) Supports(guardEventName string) bool {
	if g == nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.guards[guardEventName]
	return ok
}

// Decide evaluates the guard registered for guardEventName and blocks the
// transition when it yields a truthy value. Evaluation failures are logged
// and leave the transition unblocked. Only an unknown guard event name is
// returned as an error.
func (g *GuardEvaluator) Decide(ctx context.Context, guardEventName string, event GuardEvent) error {
	g.mu.RLock()
	guard, ok := g.guards[guardEventName]
	g.mu.RUnlock()
	if !ok {
		return NewError(ErrUnsupportedGuardEvent, fmt.Sprintf("Cannot find registered guard event by name '%s'", guardEventName), nil,
			map[string]any{"event": guardEventName})
	}

	wc, err := g.contexts.build(ctx, event.Subject(), guard.workflow)
	if err != nil {
		withLoggerFields(g.logger, map[string]any{"workflow": guard.workflow}).Error(
			"Guard event '%s' cannot resolve workflow context. Details: '%v'", guardEventName, err)
		return nil
	}
	logger := withLoggerFields(g.logger, wc.LoggerContext())

	result, err := g.evaluate(ctx, guard.expression, event)
	if err != nil {
		logger.Error("Guard expression '%s' for guard event '%s' cannot be evaluated. Details: '%v'",
			guard.expression, guardEventName, err)
		return nil
	}

	blocked, isBool := result.(bool)
	if !isBool {
		logger.Debug("Guard expression '%s' for guard event '%s' evaluated with non-boolean result and will be converted to boolean",
			guard.expression, guardEventName)
		blocked = Truthy(result)
	}

	event.SetBlocked(blocked)

	if blocked {
		logger.Debug("Transition '%s' is blocked by guard expression '%s' for guard event '%s'",
			event.Transition(), guard.expression, guardEventName)
	}
	return nil
}

func (g *GuardEvaluator) evaluate(ctx context.Context, expression string, event GuardEvent) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if g.evaluator == nil {
		return nil, fmt.Errorf("expression evaluator not configured")
	}
	return g.evaluator.Evaluate(ctx, expression, map[string]any{"event": event})
}

// Truthy converts v to a boolean: nil, false, zero numbers, "", "0" and
// empty collections are false, everything else is true.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "0"
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
