package config

import (
	"strings"

	"github.com/goliatone/go-errors"
	trigger "github.com/goliatone/go-trigger"
	"github.com/goliatone/go-trigger/engine"
)

// Target receives the configured definitions. Nil members are skipped, but
// a document that needs a missing member fails to apply.
type Target struct {
	Engine       *engine.Engine
	Actions      *trigger.ActionRegistry
	Subjects     *trigger.ExpressionSubjectIdentity
	Guards       *trigger.GuardEvaluator
	Orchestrator *trigger.Orchestrator
}

// Apply registers workflow definitions, actions, subjects, guards and event
// triggers, in that order. Workflows are applied in document order, so
// an event shared by several workflows dispatches them in that order.
func Apply(cfg *Config, target Target) error {
	if cfg == nil {
		return invalid("config is nil")
	}
	if err := applyDefinitions(cfg, target.Engine); err != nil {
		return err
	}
	if err := applyActions(cfg, target.Actions); err != nil {
		return err
	}
	if err := applySubjects(cfg, target.Subjects); err != nil {
		return err
	}
	for _, name := range cfg.WorkflowNames() {
		wf := cfg.Workflows[name]
		if err := applyGuard(name, wf.Guard, target.Guards); err != nil {
			return err
		}
		if err := applyTriggers(name, wf.Triggers, target.Orchestrator); err != nil {
			return err
		}
	}
	return nil
}

func applyDefinitions(cfg *Config, eng *engine.Engine) error {
	for _, name := range cfg.WorkflowNames() {
		def := cfg.Workflows[name].Definition
		if def == nil {
			continue
		}
		if eng == nil {
			return invalid("workflow %s has a definition but no engine was provided", name)
		}
		if _, err := eng.Add(def.EngineDefinition(name)); err != nil {
			return err
		}
	}
	return nil
}

func applyActions(cfg *Config, registry *trigger.ActionRegistry) error {
	if len(cfg.Actions) == 0 {
		return nil
	}
	if registry == nil {
		return invalid("actions are configured but no action registry was provided")
	}
	for _, name := range sortedKeys(cfg.Actions) {
		a := cfg.Actions[name]
		actionType, err := trigger.ParseActionType(a.Type)
		if err != nil {
			return err
		}
		var ref trigger.ActionReference = trigger.StaticFunc{Name: a.Function, ActionType: actionType}
		if a.Service != "" {
			ref = trigger.ServiceMethod{ServiceID: a.Service, Method: a.Method, ActionType: actionType}
		}
		if err := registry.Register(name, ref); err != nil {
			return err
		}
	}
	return nil
}

func applySubjects(cfg *Config, subjects *trigger.ExpressionSubjectIdentity) error {
	if len(cfg.Subjects) == 0 {
		return nil
	}
	if subjects == nil {
		return invalid("subject_manipulator is configured but no subject identity was provided")
	}
	for _, class := range sortedKeys(cfg.Subjects) {
		s := cfg.Subjects[class]
		if err := subjects.AddSupportedSubject(class, s.IDFromSubject, s.SubjectFromDomain); err != nil {
			return err
		}
	}
	return nil
}

func applyGuard(workflow string, guard *GuardConfig, guards *trigger.GuardEvaluator) error {
	if guard == nil || (strings.TrimSpace(guard.Expression) == "" && len(guard.Transitions) == 0) {
		return nil
	}
	if guards == nil {
		return invalid("workflow %s configures guards but no guard evaluator was provided", workflow)
	}
	if expr := strings.TrimSpace(guard.Expression); expr != "" {
		guards.Register(trigger.GuardEventName(workflow), workflow, expr)
	}
	for _, g := range guard.Transitions {
		guards.Register(trigger.TransitionGuardEventName(workflow, g.Transition), workflow, strings.TrimSpace(g.Expression))
	}
	return nil
}

func applyTriggers(workflow string, triggers TriggersConfig, orchestrator *trigger.Orchestrator) error {
	if len(triggers.Event) == 0 {
		return nil
	}
	if orchestrator == nil {
		return invalid("workflow %s configures event triggers but no orchestrator was provided", workflow)
	}
	for _, event := range sortedKeys(triggers.Event) {
		ev := triggers.Event[event]
		err := orchestrator.Register(event, workflow, trigger.EventTrigger{
			SubjectExpression: strings.TrimSpace(ev.SubjectExpression),
			Actions:           ev.Actions,
			Expression:        strings.TrimSpace(ev.Expression),
			Schedule:          ev.Schedule,
		})
		if err != nil {
			return errors.Wrap(err, errors.CategoryValidation, "cannot register "+describe(workflow, event))
		}
	}
	return nil
}
