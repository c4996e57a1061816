package trigger

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

var actionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidActionName reports whether name only holds alphanumerics and underscores.
func ValidActionName(name string) bool {
	return actionNamePattern.MatchString(name)
}

// ActionRegistry stores action references by name.
type ActionRegistry struct {
	mu         sync.RWMutex
	references map[string]ActionReference
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{references: make(map[string]ActionReference)}
}

// Register adds ref under name. Names are unique.
func (r *ActionRegistry) Register(name string, ref ActionReference) error {
	if !ValidActionName(name) {
		return NewError(ErrInvalidAction, fmt.Sprintf(
			"Action name must contain only alphanumeric and underscore symbols. Please rename action %q", name,
		), nil, map[string]any{"action": name})
	}
	if ref == nil {
		return NewError(ErrInvalidAction, fmt.Sprintf("action %q has no reference", name), nil, nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.references == nil {
		r.references = make(map[string]ActionReference)
	}
	if _, exists := r.references[name]; exists {
		return NewError(ErrActionExists, fmt.Sprintf("Action reference with name %q is already registered", name), nil,
			map[string]any{"action": name})
	}
	r.references[name] = ref
	return nil
}

// RegisterCallable wraps fn as a Callable and registers it.
func (r *ActionRegistry) RegisterCallable(name string, actionType ActionType, fn any) error {
	ref, err := NewCallable(fn, actionType)
	if err != nil {
		return err
	}
	return r.Register(name, ref)
}

// Get returns the reference for name or ErrActionNotFound.
func (r *ActionRegistry) Get(name string) (ActionReference, error) {
	ref, ok := r.Lookup(name)
	if !ok {
		return nil, NewError(ErrActionNotFound, fmt.Sprintf("Action reference with name %q is not found in action registry", name), nil,
			map[string]any{"action": name})
	}
	return ref, nil
}

// Lookup is nil-safe.
func (r *ActionRegistry) Lookup(name string) (ActionReference, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.references[name]
	return ref, ok
}

// Names returns the registered action names sorted.
func (r *ActionRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.references))
	for name := range r.references {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Each calls fn for every action in name order.
func (r *ActionRegistry) Each(fn func(name string, ref ActionReference)) {
	for _, name := range r.Names() {
		if ref, ok := r.Lookup(name); ok {
			fn(name, ref)
		}
	}
}
