package actions

import (
	"sort"
	"sync"

	"github.com/formflow/formflow/pkg/schema"
)

// Registry is the thread-safe ActionRegistry used by the engine. It also
// serves the definition validator, which checks actionType and
// approvalAction config values against Has.
type Registry struct {
	mu        sync.RWMutex
	delegates map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{delegates: map[string]Action{}}
}

// Register adds a delegate under its own name. Names are unique; a second
// registration with the same name is a conflict.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	if action.Name() == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.delegates[action.Name()]; dup {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", action.Name())
	}
	r.delegates[action.Name()] = action
	return nil
}

// Get retrieves a delegate by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	a, ok := r.delegates[name]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", name)
	}
	return a, nil
}

// List returns a name-sorted summary of every registered delegate.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	names := make([]string, 0, len(r.delegates))
	for name := range r.delegates {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]ActionInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, ActionInfo{
			Name:        name,
			Description: r.delegates[name].Schema().Description,
		})
	}
	r.mu.RUnlock()
	return infos
}

// Has reports whether a delegate with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.delegates[name]
	return ok
}

// Count returns the number of registered delegates.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.delegates)
}
