// Package operation maps operation names used in workflow definitions to
// the callables that implement them.
package operation

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openUC2/ImTools/internal/engine"
	imerrors "github.com/openUC2/ImTools/pkg/errors"
)

// Registry holds main operations and hooks by name. Each host builds its own
// registry; there is no package-level default.
type Registry struct {
	mu    sync.RWMutex
	mains map[string]engine.MainFunc
	hooks map[string]engine.HookFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		mains: make(map[string]engine.MainFunc),
		hooks: make(map[string]engine.HookFunc),
	}
}

// RegisterMain adds a main operation.
func (r *Registry) RegisterMain(name string, fn engine.MainFunc) error {
	if err := checkName(name); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("operation '%s' is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mains[name]; exists {
		return fmt.Errorf("operation '%s' already registered", name)
	}
	r.mains[name] = fn
	return nil
}

// RegisterHook adds a pre/post hook.
func (r *Registry) RegisterHook(name string, fn engine.HookFunc) error {
	if err := checkName(name); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("hook '%s' is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[name]; exists {
		return fmt.Errorf("hook '%s' already registered", name)
	}
	r.hooks[name] = fn
	return nil
}

// Main resolves a main operation.
func (r *Registry) Main(name string) (engine.MainFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.mains[name]
	if !ok {
		return nil, &imerrors.UnknownOperationError{Kind: "operation", Name: name}
	}
	return fn, nil
}

// Hook resolves a hook.
func (r *Registry) Hook(name string) (engine.HookFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.hooks[name]
	if !ok {
		return nil, &imerrors.UnknownOperationError{Kind: "hook", Name: name}
	}
	return fn, nil
}

// Hooks resolves names in order, failing on the first unknown one.
func (r *Registry) Hooks(names []string) ([]engine.HookFunc, error) {
	out := make([]engine.HookFunc, 0, len(names))
	for _, name := range names {
		fn, err := r.Hook(name)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, nil
}

// Names lists registered main operations and hooks, each sorted.
func (r *Registry) Names() (mains, hooks []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.mains {
		mains = append(mains, name)
	}
	for name := range r.hooks {
		hooks = append(hooks, name)
	}
	sort.Strings(mains)
	sort.Strings(hooks)
	return mains, hooks
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("operation name must not be empty")
	}
	return nil
}
