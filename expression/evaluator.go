// Package expression provides the default trigger.ExpressionEvaluator built on
// expr-lang. Compiled programs are cached by source text.
package expression

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/goliatone/go-errors"
	trigger "github.com/goliatone/go-trigger"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize bounds the number of compiled programs kept in memory.
const DefaultCacheSize = 512

// Variable names with a reserved meaning.
const (
	VarWorkflowContext = "workflowContext"
	VarContainer       = "container"
)

// Evaluator compiles and runs expressions. Registered actions are exposed
// as functions that run against the workflowContext variable of the call.
type Evaluator struct {
	cache     *lru.ARCCache
	cacheSize int
	invoker   *trigger.ActionInvoker
	container *Container
	functions map[string]func(params ...any) (any, error)
	logger    trigger.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCacheSize overrides DefaultCacheSize.
func WithCacheSize(size int) Option {
	return func(e *Evaluator) {
		if size > 0 {
			e.cacheSize = size
		}
	}
}

// WithActions exposes every action registered with invoker as a function.
func WithActions(invoker *trigger.ActionInvoker) Option {
	return func(e *Evaluator) {
		e.invoker = invoker
	}
}

// WithContainer exposes container as the "container" variable.
func WithContainer(container *Container) Option {
	return func(e *Evaluator) {
		e.container = container
	}
}

// WithFunction adds a plain function available to every expression.
func WithFunction(name string, fn func(params ...any) (any, error)) Option {
	return func(e *Evaluator) {
		if name != "" && fn != nil {
			e.functions[name] = fn
		}
	}
}

func WithLogger(logger trigger.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

func New(opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		cacheSize: DefaultCacheSize,
		functions: make(map[string]func(params ...any) (any, error)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = trigger.NewFmtLogger(nil)
	}
	cache, err := lru.NewARC(e.cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "cannot create expression cache")
	}
	e.cache = cache
	return e, nil
}

// Compile parses source and stores the program in the cache.
func (e *Evaluator) Compile(source string) (*vm.Program, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, errors.New("expression cannot be empty", errors.CategoryValidation).
			WithTextCode("EXPRESSION_EMPTY")
	}
	if cached, ok := e.cache.Get(source); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(source)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, fmt.Sprintf("cannot compile expression %q", source)).
			WithTextCode("EXPRESSION_COMPILE")
	}
	e.cache.Add(source, program)
	return program, nil
}

// Evaluate implements trigger.ExpressionEvaluator.
func (e *Evaluator) Evaluate(ctx context.Context, source string, vars map[string]any) (any, error) {
	program, err := e.Compile(source)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, e.env(ctx, vars))
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryHandler, fmt.Sprintf("cannot evaluate expression %q", source)).
			WithTextCode("EXPRESSION_RUNTIME")
	}
	return out, nil
}

// Functions lists the names available as expression functions.
func (e *Evaluator) Functions() []string {
	names := make([]string, 0, len(e.functions))
	for name := range e.functions {
		names = append(names, name)
	}
	if e.invoker != nil {
		names = append(names, e.invoker.Registry().Names()...)
	}
	return names
}

func (e *Evaluator) env(ctx context.Context, vars map[string]any) map[string]any {
	env := make(map[string]any, len(vars)+len(e.functions)+2)
	for name, fn := range e.functions {
		env[name] = fn
	}
	if e.invoker != nil {
		wc, _ := vars[VarWorkflowContext].(*trigger.WorkflowContext)
		e.invoker.Registry().Each(func(name string, _ trigger.ActionReference) {
			env[name] = e.actionFunc(ctx, wc, name)
		})
	}
	if e.container != nil {
		env[VarContainer] = e.container
	}
	for k, v := range vars {
		env[k] = v
	}
	return env
}

func (e *Evaluator) actionFunc(ctx context.Context, wc *trigger.WorkflowContext, name string) func(args ...any) (any, error) {
	return func(args ...any) (any, error) {
		ref, err := e.invoker.Registry().Get(name)
		if err != nil {
			return nil, err
		}
		if ref.Type() == trigger.ActionTypeWorkflow && wc == nil {
			return nil, trigger.NewError(trigger.ErrInvalidAction, fmt.Sprintf(
				"action %q needs a workflow context and cannot be called from this expression", name,
			), nil, map[string]any{"action": name})
		}
		e.logger.Debug("expression calls action %q", name)
		return e.invoker.Execute(ctx, wc, name, args)
	}
}
