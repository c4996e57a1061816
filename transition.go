package trigger

import (
	"context"
	"fmt"
)

// TransitionApplier applies workflow transitions to a subject.
type TransitionApplier struct {
	logger Logger
}

// ApplierOption configures a TransitionApplier.
type ApplierOption func(*TransitionApplier)

// WithApplierLogger sets the applier logger.
func WithApplierLogger(logger Logger) ApplierOption {
	return func(a *TransitionApplier) {
		a.logger = logger
	}
}

func NewTransitionApplier(opts ...ApplierOption) *TransitionApplier {
	a := &TransitionApplier{}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.logger = normalizeLogger(a.logger)
	return a
}

// Apply applies a single transition.
func (a *TransitionApplier) Apply(ctx context.Context, wc *WorkflowContext, transition string) error {
	return a.ApplyMany(ctx, wc, []string{transition}, false)
}

// ApplyMany tries transitions in order. Without cascade it stops after the
// first applied transition. Transitions that are not allowed are skipped;
// any other failure stops the loop and is returned.
func (a *TransitionApplier) ApplyMany(ctx context.Context, wc *WorkflowContext, transitions []string, cascade bool) error {
	if len(transitions) == 0 {
		return nil
	}

	logger := withLoggerFields(a.logger, wc.LoggerContext())
	logger.Debug("Resolved workflow for subject")

	applied := false
	for _, transition := range transitions {
		err := a.applyOne(ctx, wc, transition)
		switch {
		case err == nil:
			logger.Info("Workflow successfully applied transition %q", transition)
			applied = true
		case IsNotAllowed(err):
			logger.Info("Workflow transition %q cannot be applied due to it is not allowed", transition)
			continue
		case HasCode(err, ErrCodeTransitionFault):
			logCritical(logger, "Workflow cannot apply transition %q due to error. Details: %v", transition, err)
			return err
		default:
			logger.Error("Workflow cannot apply transition %q due to exception. Details: %v", transition, err)
			return err
		}
		if !cascade {
			break
		}
	}

	if !applied {
		logger.Warn("All transitions to apply are not allowed")
	}
	return nil
}

// applyOne converts a panic raised by the engine into ErrTransitionFault.
func (a *TransitionApplier) applyOne(ctx context.Context, wc *WorkflowContext, transition string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var source error
			if e, ok := r.(error); ok {
				source = e
			}
			err = NewError(ErrTransitionFault, fmt.Sprintf("transition %q panicked: %v", transition, r), source,
				map[string]any{"transition": transition, "workflow": wc.WorkflowName(), "stack": string(PanicStack())})
		}
	}()
	return wc.Workflow().Apply(ctx, wc.Subject(), transition)
}

// Names of the built-in transition actions.
const (
	ApplyTransitionAction  = "apply_transition"
	ApplyTransitionsAction = "apply_transitions"
)

// RegisterTransitionActions exposes the applier as workflow typed actions
// apply_transition(name) and apply_transitions(names, cascade).
func RegisterTransitionActions(registry *ActionRegistry, applier *TransitionApplier) error {
	if err := registry.RegisterCallable(ApplyTransitionAction, ActionTypeWorkflow,
		func(ctx context.Context, wc *WorkflowContext, transition string) error {
			return applier.Apply(ctx, wc, transition)
		},
	); err != nil {
		return err
	}
	return registry.RegisterCallable(ApplyTransitionsAction, ActionTypeWorkflow,
		func(ctx context.Context, wc *WorkflowContext, transitions []string, cascade ...bool) error {
			return applier.ApplyMany(ctx, wc, transitions, len(cascade) > 0 && cascade[0])
		},
	)
}
