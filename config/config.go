// Package config loads workflow trigger definitions from YAML.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	trigger "github.com/goliatone/go-trigger"
	"github.com/goliatone/go-trigger/engine"
	"gopkg.in/yaml.v3"
)

// ErrCodeInvalidConfig marks configuration documents that fail to parse or
// validate.
const ErrCodeInvalidConfig = "TRIGGER_CONFIG_INVALID"

// Config is the root document.
type Config struct {
	Actions   map[string]ActionConfig   `yaml:"actions,omitempty"`
	Workflows map[string]WorkflowConfig `yaml:"workflows"`
	Subjects  map[string]SubjectConfig  `yaml:"subject_manipulator,omitempty"`
	Scheduler SchedulerConfig           `yaml:"scheduler,omitempty"`

	// Context maps expression container aliases to service ids.
	Context map[string]string `yaml:"context,omitempty"`

	// order holds the workflow names as they appear in the document.
	order []string
}

// WorkflowNames lists the configured workflows in document order. A Config
// built in code, or one whose Workflows changed after parsing, lists them
// sorted by name.
func (c *Config) WorkflowNames() []string {
	if len(c.order) == len(c.Workflows) {
		complete := true
		for _, name := range c.order {
			if _, ok := c.Workflows[name]; !ok {
				complete = false
				break
			}
		}
		if complete {
			return append([]string(nil), c.order...)
		}
	}
	return sortedKeys(c.Workflows)
}

// ActionConfig points an action name at a service method or a registered
// function.
type ActionConfig struct {
	Type     string `yaml:"type,omitempty"`
	Service  string `yaml:"service,omitempty"`
	Method   string `yaml:"method,omitempty"`
	Function string `yaml:"function,omitempty"`
}

type WorkflowConfig struct {
	// Definition is only needed when the bundled engine runs the workflow.
	Definition *DefinitionConfig `yaml:"definition,omitempty"`
	Triggers   TriggersConfig    `yaml:"triggers,omitempty"`
	Guard      *GuardConfig      `yaml:"guard,omitempty"`
}

// DefinitionConfig lists places and transitions for engine.Engine.
type DefinitionConfig struct {
	Places       []string            `yaml:"places"`
	InitialPlace string              `yaml:"initial_place,omitempty"`
	Transitions  []engine.Transition `yaml:"transitions"`
	Supports     []string            `yaml:"supports,omitempty"`
}

// EngineDefinition names the definition after its workflow.
func (d DefinitionConfig) EngineDefinition(workflow string) engine.Definition {
	return engine.Definition{
		Name:         workflow,
		Places:       d.Places,
		InitialPlace: d.InitialPlace,
		Transitions:  d.Transitions,
		Supports:     d.Supports,
	}
}

type TriggersConfig struct {
	Event map[string]EventConfig `yaml:"event,omitempty"`
}

// EventConfig is the reaction of one workflow to one event.
type EventConfig struct {
	SubjectExpression string        `yaml:"subject_retrieving_expression"`
	Actions           ActionCalls   `yaml:"actions,omitempty"`
	Expression        string        `yaml:"expression,omitempty"`
	Schedule          ScheduleCalls `yaml:"schedule,omitempty"`
}

// GuardConfig holds the workflow-wide guard and per transition guards.
type GuardConfig struct {
	Expression  string           `yaml:"expression,omitempty"`
	Transitions TransitionGuards `yaml:"transitions,omitempty"`
}

type SubjectConfig struct {
	IDFromSubject     string `yaml:"id_from_subject,omitempty"`
	SubjectFromDomain string `yaml:"subject_from_domain,omitempty"`
}

// SchedulerConfig selects the job store and tunes the worker.
type SchedulerConfig struct {
	Store        string        `yaml:"store,omitempty"`
	DSN          string        `yaml:"dsn,omitempty"`
	Table        string        `yaml:"table,omitempty"`
	KeyPrefix    string        `yaml:"key_prefix,omitempty"`
	PollInterval string        `yaml:"poll_interval,omitempty"`
	BatchSize    int           `yaml:"batch_size,omitempty"`
	MaxAttempts  int           `yaml:"max_attempts,omitempty"`
	JobTimeout   time.Duration `yaml:"job_timeout,omitempty"`
	Retry        RetryConfig   `yaml:"retry,omitempty"`
}

// RetryConfig configures exponential backoff. A zero Base retries on the
// next poll.
type RetryConfig struct {
	Base   time.Duration `yaml:"base,omitempty"`
	Factor float64       `yaml:"factor,omitempty"`
	Max    time.Duration `yaml:"max,omitempty"`
}

// ActionCalls keeps the document order of configured actions.
type ActionCalls []trigger.ActionCall

// ScheduleCalls keeps the document order of scheduled actions.
type ScheduleCalls []trigger.ScheduledActionCall

// TransitionGuard binds an expression to one transition.
type TransitionGuard struct {
	Transition string
	Expression string
}

// TransitionGuards keeps the document order of transition guards.
type TransitionGuards []TransitionGuard

// LoadFile reads and validates a YAML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, fmt.Sprintf("cannot read config file %s", path)).
			WithTextCode(ErrCodeInvalidConfig)
	}
	return Parse(data)
}

// Load reads and validates a YAML document from r.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "cannot read config").WithTextCode(ErrCodeInvalidConfig)
	}
	return Parse(data)
}

// Parse decodes and validates data. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, invalid("cannot parse config: %v", err)
	}
	cfg.order = workflowOrder(data)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// workflowOrder reads the keys under "workflows" in the order they are
// written. Decoding into Config loses it since Workflows is a map.
func workflowOrder(data []byte) []string {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}
	workflows := mappingValue(root, "workflows")
	if workflows == nil || workflows.Kind != yaml.MappingNode {
		return nil
	}
	names := make([]string, 0, len(workflows.Content)/2)
	for i := 0; i+1 < len(workflows.Content); i += 2 {
		names = append(names, workflows.Content[i].Value)
	}
	return names
}

func (c *ActionCalls) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: actions must be a mapping of action name to calls", node.Line)
	}
	var out ActionCalls
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		calls, err := decodeCalls(node.Content[i+1])
		if err != nil {
			return fmt.Errorf("action %s: %w", name, err)
		}
		for _, args := range calls {
			out = append(out, trigger.ActionCall{Name: name, Arguments: args})
		}
	}
	*c = out
	return nil
}

// decodeCalls accepts a list of calls where each call is an argument list or
// a mapping with an "arguments" key. A null value is one call without
// arguments.
func decodeCalls(node *yaml.Node) ([][]trigger.ArgumentSpec, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return [][]trigger.ArgumentSpec{nil}, nil
		}
	case yaml.SequenceNode:
		out := make([][]trigger.ArgumentSpec, 0, len(node.Content))
		for _, item := range node.Content {
			argsNode := item
			if item.Kind == yaml.MappingNode {
				argsNode = mappingValue(item, "arguments")
			}
			args, err := decodeArgumentList(argsNode)
			if err != nil {
				return nil, err
			}
			out = append(out, args)
		}
		return out, nil
	}
	return nil, fmt.Errorf("line %d: expected a list of calls", node.Line)
}

func (s *ScheduleCalls) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: schedule must be a mapping of action name to calls", node.Line)
	}
	var out ScheduleCalls
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		list := node.Content[i+1]
		if list.Kind != yaml.SequenceNode {
			return fmt.Errorf("schedule %s: line %d: expected a list of calls", name, list.Line)
		}
		for _, item := range list.Content {
			call, err := decodeScheduledCall(name, item)
			if err != nil {
				return fmt.Errorf("schedule %s: %w", name, err)
			}
			out = append(out, call)
		}
	}
	*s = out
	return nil
}

func decodeScheduledCall(name string, node *yaml.Node) (trigger.ScheduledActionCall, error) {
	if node.Kind != yaml.MappingNode {
		return trigger.ScheduledActionCall{}, fmt.Errorf("line %d: scheduled call must be a mapping", node.Line)
	}
	var raw struct {
		Offset        string `yaml:"offset"`
		Reschedulable bool   `yaml:"reschedulable"`
	}
	if err := node.Decode(&raw); err != nil {
		return trigger.ScheduledActionCall{}, err
	}
	offset, err := trigger.ParseOffset(raw.Offset)
	if err != nil {
		return trigger.ScheduledActionCall{}, fmt.Errorf("line %d: %w", node.Line, err)
	}
	args, err := decodeArgumentList(mappingValue(node, "arguments"))
	if err != nil {
		return trigger.ScheduledActionCall{}, err
	}
	return trigger.ScheduledActionCall{
		ActionCall:    trigger.ActionCall{Name: name, Arguments: args},
		Offset:        offset,
		Reschedulable: raw.Reschedulable,
	}, nil
}

func (g *TransitionGuards) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: transitions must be a mapping", node.Line)
	}
	var out TransitionGuards
	for i := 0; i+1 < len(node.Content); i += 2 {
		name, value := node.Content[i].Value, node.Content[i+1]
		guard := TransitionGuard{Transition: name}
		switch value.Kind {
		case yaml.ScalarNode:
			guard.Expression = value.Value
		case yaml.MappingNode:
			if expr := mappingValue(value, "expression"); expr != nil {
				guard.Expression = expr.Value
			}
		default:
			return fmt.Errorf("transition %s: line %d: expected an expression", name, value.Line)
		}
		out = append(out, guard)
	}
	*g = out
	return nil
}

// decodeArgumentList reads a positional argument list. A mapping at this
// level is rejected since actions take positional arguments only.
func decodeArgumentList(node *yaml.Node) ([]trigger.ArgumentSpec, error) {
	if node == nil || (node.Kind == yaml.ScalarNode && node.Tag == "!!null") {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: arguments must be a list, associative arguments are not supported", node.Line)
	}
	out := make([]trigger.ArgumentSpec, 0, len(node.Content))
	for _, item := range node.Content {
		spec, err := decodeArgument(item)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

// decodeArgument maps scalars to Scalar and lists to Array. A mapping with
// exactly the keys type and value is a typed argument, any other mapping is
// an Array of its values in document order.
func decodeArgument(node *yaml.Node) (trigger.ArgumentSpec, error) {
	if node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	switch node.Kind {
	case yaml.ScalarNode:
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, err
		}
		return trigger.Scalar{Value: v}, nil
	case yaml.SequenceNode:
		items := make([]trigger.ArgumentSpec, 0, len(node.Content))
		for _, item := range node.Content {
			spec, err := decodeArgument(item)
			if err != nil {
				return nil, err
			}
			items = append(items, spec)
		}
		return trigger.Array{Items: items}, nil
	case yaml.MappingNode:
		if isTypedArgument(node) {
			return decodeTypedArgument(node)
		}
		items := make([]trigger.ArgumentSpec, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			spec, err := decodeArgument(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			items = append(items, spec)
		}
		return trigger.Array{Items: items}, nil
	}
	return nil, fmt.Errorf("line %d: unsupported argument", node.Line)
}

func isTypedArgument(node *yaml.Node) bool {
	return len(node.Content) == 4 && mappingValue(node, "type") != nil && mappingValue(node, "value") != nil
}

// decodeTypedArgument reads {type: scalar|expression|array, value: ...}.
func decodeTypedArgument(node *yaml.Node) (trigger.ArgumentSpec, error) {
	typ, value := mappingValue(node, "type"), mappingValue(node, "value")
	if value.Kind == yaml.AliasNode {
		value = value.Alias
	}
	switch typ.Value {
	case "scalar":
		if value.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: scalar argument value must be a scalar", value.Line)
		}
		return decodeArgument(value)
	case "expression":
		if value.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: expression argument value must be a string", value.Line)
		}
		source := strings.TrimSpace(value.Value)
		if source == "" {
			return nil, fmt.Errorf("line %d: expression argument has no value", node.Line)
		}
		return trigger.Expression{Source: source}, nil
	case "array":
		if value.Kind != yaml.SequenceNode && (value.Kind != yaml.MappingNode || isTypedArgument(value)) {
			return nil, fmt.Errorf("line %d: array argument value must be a list", value.Line)
		}
		return decodeArgument(value)
	}
	return nil, fmt.Errorf("line %d: unknown argument type %q, expected scalar, expression or array", typ.Line, typ.Value)
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.New(fmt.Sprintf(format, args...), errors.CategoryValidation).WithTextCode(ErrCodeInvalidConfig)
}
