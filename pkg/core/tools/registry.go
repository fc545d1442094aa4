package tools

import (
	"context"
	"sort"
	"strings"
)

// Executor runs one named tool. Execute returns the success output; errors
// are turned into error results by the Engine.
type Executor interface {
	Name() string
	Execute(ctx context.Context, inv Invocation, args map[string]any) (map[string]any, error)
}

type Registry struct {
	byName map[string]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	registry := &Registry{byName: make(map[string]Executor, len(executors))}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		registry.byName[ex.Name()] = ex
	}
	return registry
}

func (r *Registry) Lookup(name string) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	ex, ok := r.byName[strings.TrimSpace(name)]
	return ex, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
