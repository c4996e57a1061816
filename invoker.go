package trigger

import (
	"context"
)

// ActionInvoker executes registered actions.
type ActionInvoker struct {
	registry *ActionRegistry
	locator  ServiceLocator
}

// InvokerOption configures an ActionInvoker.
type InvokerOption func(*ActionInvoker)

// WithServiceLocator sets the locator handed to container aware references.
func WithServiceLocator(locator ServiceLocator) InvokerOption {
	return func(i *ActionInvoker) {
		i.locator = locator
	}
}

func NewActionInvoker(registry *ActionRegistry, opts ...InvokerOption) *ActionInvoker {
	inv := &ActionInvoker{registry: registry}
	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}
	return inv
}

// Registry exposes the registry backing the invoker.
func (i *ActionInvoker) Registry() *ActionRegistry { return i.registry }

// Execute runs actionName with args. Workflow typed actions receive wc as
// their first argument. Errors from the action are returned unchanged.
func (i *ActionInvoker) Execute(ctx context.Context, wc *WorkflowContext, actionName string, args []any) (any, error) {
	ref, err := i.registry.Get(actionName)
	if err != nil {
		return nil, err
	}

	callArgs := args
	if ref.Type() == ActionTypeWorkflow {
		callArgs = make([]any, 0, len(args)+1)
		callArgs = append(callArgs, wc)
		callArgs = append(callArgs, args...)
	}

	var locator ServiceLocator
	if ca, ok := ref.(ContainerAware); ok && ca.NeedsLocator() {
		locator = i.locator
	}
	return ref.Invoke(ctx, locator, callArgs)
}
