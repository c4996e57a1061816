package expression

import (
	"fmt"
	"sort"

	trigger "github.com/goliatone/go-trigger"
)

// Container exposes a fixed set of services to expressions under aliases,
// as in container.Get("documents").
type Container struct {
	locator  trigger.ServiceLocator
	services map[string]string
}

// NewContainer maps alias -> service id. Services are resolved lazily.
func NewContainer(locator trigger.ServiceLocator, services map[string]string) *Container {
	cp := make(map[string]string, len(services))
	for alias, id := range services {
		if id == "" {
			id = alias
		}
		cp[alias] = id
	}
	return &Container{locator: locator, services: cp}
}

// Get returns the service registered under alias.
func (c *Container) Get(alias string) (any, error) {
	id, ok := c.services[alias]
	if !ok {
		return nil, trigger.NewError(trigger.ErrLocatorMissing, fmt.Sprintf("service %q is not exposed to expressions", alias), nil,
			map[string]any{"alias": alias})
	}
	if c.locator == nil {
		return nil, trigger.NewError(trigger.ErrLocatorMissing, "service locator is not set", nil, nil)
	}
	return c.locator(id)
}

// Has reports whether alias is exposed.
func (c *Container) Has(alias string) bool {
	_, ok := c.services[alias]
	return ok
}

func (c *Container) Aliases() []string {
	out := make([]string, 0, len(c.services))
	for alias := range c.services {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}
