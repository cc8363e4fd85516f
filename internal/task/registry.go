// Package task binds task-type names to handlers and gives each run its
// context: args, progress, logs and a cooperative cancel signal.
package task

import (
	"fmt"
	"sort"
	"strings"
)

type Handler func(tc *Context) error

// Task is one registered task type.
type Task struct {
	Name    string
	Handler Handler
	// ValidateArgs rejects bad args at submit time. Optional.
	ValidateArgs func(args []byte) error
}

// Registry is immutable once built.
type Registry struct {
	tasks map[string]Task
	names []string
}

func NewRegistry(tasks ...Task) (*Registry, error) {
	r := &Registry{tasks: make(map[string]Task, len(tasks))}
	for _, t := range tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, &ConfigurationError{Reason: "empty task name"}
		}
		if t.Handler == nil {
			return nil, &ConfigurationError{Task: name, Reason: "nil handler"}
		}
		if _, dup := r.tasks[name]; dup {
			return nil, &ConfigurationError{Task: name, Reason: "registered twice"}
		}
		t.Name = name
		r.tasks[name] = t
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Names returns the supported task types in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *Registry) Lookup(name string) (Task, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

func (r *Registry) Validate(name string, args []byte) error {
	t, ok := r.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	if t.ValidateArgs == nil {
		return nil
	}
	if err := t.ValidateArgs(args); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

// Select narrows the registry to names. An empty list keeps everything.
func (r *Registry) Select(names []string) (*Registry, error) {
	if len(names) == 0 {
		return r, nil
	}
	picked := make([]Task, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		t, ok := r.tasks[n]
		if !ok {
			return nil, &ConfigurationError{Task: n, Reason: "not a known task type"}
		}
		picked = append(picked, t)
	}
	return NewRegistry(picked...)
}
