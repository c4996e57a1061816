package trigger

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/goccy/go-json"
	"github.com/goliatone/go-errors"
)

// ArgumentSpec is one configured action argument: Scalar, Expression or Array.
type ArgumentSpec interface {
	argumentSpec()
}

// Scalar is passed to the action as-is.
type Scalar struct {
	Value any
}

// Expression is evaluated at dispatch time.
type Expression struct {
	Source string
}

// Array resolves each item and yields a positional list.
type Array struct {
	Items []ArgumentSpec
}

func (Scalar) argumentSpec()     {}
func (Expression) argumentSpec() {}
func (Array) argumentSpec()      {}

// ArrayFromMap builds an Array from keyed input. Keys only decide the order
// and are dropped.
func ArrayFromMap(items map[string]ArgumentSpec) Array {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := Array{Items: make([]ArgumentSpec, 0, len(keys))}
	for _, k := range keys {
		out.Items = append(out.Items, items[k])
	}
	return out
}

// Scalars is shorthand for a list of Scalar specs.
func Scalars(values ...any) []ArgumentSpec {
	out := make([]ArgumentSpec, 0, len(values))
	for _, v := range values {
		out = append(out, Scalar{Value: v})
	}
	return out
}

// ArgumentResolver turns argument specs into concrete values.
type ArgumentResolver struct {
	evaluator ExpressionEvaluator
}

func NewArgumentResolver(evaluator ExpressionEvaluator) *ArgumentResolver {
	return &ArgumentResolver{evaluator: evaluator}
}

// Resolve returns one value per spec, in order.
func (r *ArgumentResolver) Resolve(ctx context.Context, actionName string, specs []ArgumentSpec, event any, wc *WorkflowContext) ([]any, error) {
	out := make([]any, 0, len(specs))
	for _, spec := range specs {
		switch s := spec.(type) {
		case Scalar:
			out = append(out, s.Value)
		case Expression:
			value, err := r.evaluate(ctx, actionName, s.Source, event, wc)
			if err != nil {
				return nil, err
			}
			out = append(out, value)
		case Array:
			items, err := r.Resolve(ctx, actionName, s.Items, event, wc)
			if err != nil {
				return nil, err
			}
			out = append(out, items)
		case nil:
			out = append(out, nil)
		default:
			return nil, NewError(ErrInvalidAction, fmt.Sprintf("unsupported argument spec %T for action %q", spec, actionName), nil, nil)
		}
	}
	return out, nil
}

func (r *ArgumentResolver) evaluate(ctx context.Context, actionName, source string, event any, wc *WorkflowContext) (any, error) {
	if r == nil || r.evaluator == nil {
		return nil, fmt.Errorf("expression evaluator not configured")
	}
	result, err := r.evaluator.Evaluate(ctx, source, map[string]any{
		"event":           event,
		"workflowContext": wc,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryHandler,
			fmt.Sprintf("cannot evaluate argument expression %q of action %q", source, actionName))
	}
	if shape, ok := argumentShape(result); !ok {
		return nil, NewError(ErrMalformedArgument, fmt.Sprintf(
			"Action reference with name %q has expression-defined argument %q which result must be scalar or non-associative array. Actual result is %s",
			actionName, source, shape,
		), nil, map[string]any{
			"action":     actionName,
			"expression": source,
			"shape":      shape,
		})
	}
	return result, nil
}

// argumentShape reports whether v is transport safe: nil, a scalar, or a
// list of transport safe values. The returned description is used in errors.
func argumentShape(v any) (string, bool) {
	if v == nil {
		return "null", true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rv.Kind().String(), true
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return "null", true
		}
		for i := 0; i < rv.Len(); i++ {
			item := rv.Index(i).Interface()
			if _, ok := argumentShape(item); !ok {
				if containsMap(item) {
					return associativeShape(v), false
				}
				return fmt.Sprintf("list containing %T", item), false
			}
		}
		return "list", true
	case reflect.Map:
		return associativeShape(v), false
	default:
		return fmt.Sprintf("%T", v), false
	}
}

func containsMap(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		return true
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if containsMap(rv.Index(i).Interface()) {
				return true
			}
		}
	}
	return false
}

func associativeShape(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("associative array %T", v)
	}
	return fmt.Sprintf("associative array %q", string(raw))
}
