package trigger

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// ActionType tells the invoker whether the workflow context is passed as the
// first argument.
type ActionType string

const (
	ActionTypeRegular  ActionType = "regular"
	ActionTypeWorkflow ActionType = "workflow"
)

// ParseActionType accepts "regular", "workflow" and the empty string.
func ParseActionType(raw string) (ActionType, error) {
	switch ActionType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ActionTypeRegular:
		return ActionTypeRegular, nil
	case ActionTypeWorkflow:
		return ActionTypeWorkflow, nil
	default:
		return "", NewError(ErrInvalidAction, fmt.Sprintf("unknown action type %q", raw), nil, nil)
	}
}

// Action is a named action with resolved arguments.
type Action struct {
	Name      string
	Arguments []any
}

// ScheduledAction is an Action deferred by Offset.
type ScheduledAction struct {
	Action
	Offset        Offset
	Reschedulable bool
}

// ActionReference is something the invoker can call.
type ActionReference interface {
	Type() ActionType
	Invoke(ctx context.Context, locator ServiceLocator, args []any) (any, error)
}

// ContainerAware references resolve their target through a ServiceLocator.
type ContainerAware interface {
	NeedsLocator() bool
}

// ServiceMethod calls Method on the service registered under ServiceID.
type ServiceMethod struct {
	ServiceID  string
	Method     string
	ActionType ActionType
}

func (r ServiceMethod) Type() ActionType   { return normalizeActionType(r.ActionType) }
func (r ServiceMethod) NeedsLocator() bool { return true }

func (r ServiceMethod) Invoke(ctx context.Context, locator ServiceLocator, args []any) (any, error) {
	if locator == nil {
		return nil, NewError(ErrLocatorMissing, fmt.Sprintf(
			"Cannot retrieve object for action reference for service id %q due to service locator is not set", r.ServiceID,
		), nil, map[string]any{"service": r.ServiceID})
	}
	target, err := locator(r.ServiceID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, NewError(ErrInvalidAction, fmt.Sprintf("service %q resolved to nil", r.ServiceID), nil, nil)
	}
	method := reflect.ValueOf(target).MethodByName(r.Method)
	if !method.IsValid() {
		return nil, NewError(ErrInvalidAction, fmt.Sprintf(
			"service %q (%T) does not have method %q", r.ServiceID, target, r.Method,
		), nil, map[string]any{"service": r.ServiceID, "method": r.Method})
	}
	return callFunc(ctx, method, args)
}

// StaticFunc calls a function registered with RegisterFunc.
type StaticFunc struct {
	Name       string
	ActionType ActionType
}

func (r StaticFunc) Type() ActionType { return normalizeActionType(r.ActionType) }

func (r StaticFunc) Invoke(ctx context.Context, _ ServiceLocator, args []any) (any, error) {
	fn, ok := lookupFunc(r.Name)
	if !ok {
		return nil, NewError(ErrInvalidAction, fmt.Sprintf("function %q is not registered", r.Name), nil,
			map[string]any{"function": r.Name})
	}
	return callFunc(ctx, fn, args)
}

// Callable calls a bound Go function.
type Callable struct {
	Fn         any
	ActionType ActionType
}

// NewCallable validates fn before wrapping it.
func NewCallable(fn any, actionType ActionType) (Callable, error) {
	if fn == nil || reflect.TypeOf(fn).Kind() != reflect.Func {
		return Callable{}, NewError(ErrInvalidAction, fmt.Sprintf("callable must be a func, got %T", fn), nil, nil)
	}
	return Callable{Fn: fn, ActionType: actionType}, nil
}

func (r Callable) Type() ActionType { return normalizeActionType(r.ActionType) }

func (r Callable) Invoke(ctx context.Context, _ ServiceLocator, args []any) (any, error) {
	if r.Fn == nil {
		return nil, NewError(ErrInvalidAction, "callable has no function", nil, nil)
	}
	return callFunc(ctx, reflect.ValueOf(r.Fn), args)
}

func normalizeActionType(t ActionType) ActionType {
	if t == "" {
		return ActionTypeRegular
	}
	return t
}
