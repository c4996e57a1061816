package config

import (
	"fmt"
	"sort"
	"strings"

	trigger "github.com/goliatone/go-trigger"
	rcron "github.com/robfig/cron/v3"
)

var storeKinds = map[string]bool{"": true, "memory": true, "sqlite": true, "postgres": true, "redis": true}

// Validate checks the document without touching any registry.
func (c *Config) Validate() error {
	if c == nil || len(c.Workflows) == 0 {
		return invalid("at least one workflow must be configured")
	}
	for _, name := range sortedKeys(c.Actions) {
		if err := validateAction(name, c.Actions[name]); err != nil {
			return err
		}
	}
	for _, name := range c.WorkflowNames() {
		if err := validateWorkflow(name, c.Workflows[name]); err != nil {
			return err
		}
	}
	for _, class := range sortedKeys(c.Subjects) {
		if strings.TrimSpace(class) == "" {
			return invalid("subject_manipulator: empty subject class")
		}
	}
	if c.SchedulesActions() {
		for _, class := range sortedKeys(c.Subjects) {
			if strings.TrimSpace(c.Subjects[class].SubjectFromDomain) == "" {
				return invalid("subject_manipulator %s: subject_from_domain is required when workflows schedule actions", class)
			}
		}
	}
	for alias := range c.Context {
		if strings.TrimSpace(alias) == "" {
			return invalid("context: empty service alias")
		}
	}
	return c.Scheduler.validate()
}

// SchedulesActions reports whether any trigger defers actions.
func (c *Config) SchedulesActions() bool {
	for _, wf := range c.Workflows {
		for _, ev := range wf.Triggers.Event {
			if len(ev.Schedule) > 0 {
				return true
			}
		}
	}
	return false
}

func validateAction(name string, a ActionConfig) error {
	if !trigger.ValidActionName(name) {
		return invalid("action %q: name may contain only letters, digits and underscores", name)
	}
	hasService, hasFunction := a.Service != "", a.Function != ""
	if hasService == hasFunction {
		return invalid("action %s: exactly one of service or function is required", name)
	}
	if hasService && a.Method == "" {
		return invalid("action %s: service actions require a method", name)
	}
	if _, err := trigger.ParseActionType(a.Type); err != nil {
		return invalid("action %s: %v", name, err)
	}
	return nil
}

func validateWorkflow(name string, wf WorkflowConfig) error {
	if strings.TrimSpace(name) == "" {
		return invalid("workflow name is required")
	}
	if wf.Definition != nil {
		if err := wf.Definition.EngineDefinition(name).Validate(); err != nil {
			return invalid("workflow %s definition: %v", name, err)
		}
	}
	for _, event := range sortedKeys(wf.Triggers.Event) {
		ev := wf.Triggers.Event[event]
		if strings.TrimSpace(event) == "" {
			return invalid("workflow %s: empty event name", name)
		}
		if strings.TrimSpace(ev.SubjectExpression) == "" {
			return invalid("workflow %s event %s: subject_retrieving_expression is required", name, event)
		}
		for _, call := range ev.Actions {
			if !trigger.ValidActionName(call.Name) {
				return invalid("workflow %s event %s: invalid action name %q", name, event, call.Name)
			}
		}
		for _, call := range ev.Schedule {
			if !trigger.ValidActionName(call.Name) {
				return invalid("workflow %s event %s: invalid scheduled action name %q", name, event, call.Name)
			}
		}
	}
	if wf.Guard != nil {
		seen := make(map[string]bool, len(wf.Guard.Transitions))
		for _, g := range wf.Guard.Transitions {
			if strings.TrimSpace(g.Expression) == "" {
				return invalid("workflow %s guard for transition %s: expression is required", name, g.Transition)
			}
			if seen[g.Transition] {
				return invalid("workflow %s: duplicate guard for transition %s", name, g.Transition)
			}
			seen[g.Transition] = true
		}
	}
	return nil
}

func (s SchedulerConfig) validate() error {
	if !storeKinds[s.Store] {
		return invalid("scheduler: unknown store %q", s.Store)
	}
	if s.Store != "" && s.Store != "memory" && s.DSN == "" {
		return invalid("scheduler: store %s requires a dsn", s.Store)
	}
	if s.PollInterval != "" {
		if _, err := rcron.ParseStandard(s.PollInterval); err != nil {
			return invalid("scheduler: invalid poll_interval %q: %v", s.PollInterval, err)
		}
	}
	if s.BatchSize < 0 || s.MaxAttempts < 0 || s.JobTimeout < 0 {
		return invalid("scheduler: batch_size, max_attempts and job_timeout must not be negative")
	}
	if s.Retry.Base < 0 || s.Retry.Max < 0 || s.Retry.Factor < 0 {
		return invalid("scheduler: retry settings must not be negative")
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func describe(workflow, event string) string {
	return fmt.Sprintf("workflow %s event %s", workflow, event)
}
