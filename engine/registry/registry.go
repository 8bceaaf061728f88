// Package registry provides a name-keyed factory registry for stage
// kinds, so a deployment binary can resolve a declarative StageConfig
// (a name string from YAML/JSON) to a constructor that builds the
// matching engine.ExecuteFunc, without growing a single switch
// statement for every stage kind a deployment might ever need.
package registry

import (
	"fmt"
	"sync"

	"github.com/stagegraph/flowengine/engine"
)

// Factory builds an engine.ExecuteFunc from stage parameters declared
// in config (e.g. a "lookup" stage's dot-separated path). Factories
// run once per buildStage call, not once per execution, so they may do
// expensive validation of params up front and close over the result.
type Factory func(params map[string]any) (engine.ExecuteFunc, error)

// KindDefinition describes one registered stage kind.
type KindDefinition struct {
	Name        string
	Description string
	Factory     Factory
}

// KindRegistry resolves stage-kind names to factories. Safe for
// concurrent use; a deployment binary typically registers every kind
// it knows about during init and only reads afterward, but Register
// may also be called at runtime to add a kind without restarting.
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[string]*KindDefinition
}

// NewKindRegistry returns an empty registry.
func NewKindRegistry() *KindRegistry {
	return &KindRegistry{kinds: make(map[string]*KindDefinition)}
}

// Register adds or replaces a stage kind.
func (r *KindRegistry) Register(def *KindDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("registry: stage kind name is required")
	}
	if def.Factory == nil {
		return fmt.Errorf("registry: stage kind %q requires a factory", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[def.Name] = def
	return nil
}

// Build resolves kind and invokes its factory with params.
func (r *KindRegistry) Build(kind string, params map[string]any) (engine.ExecuteFunc, error) {
	r.mu.RLock()
	def, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown stage kind %q", kind)
	}
	return def.Factory(params)
}

// Has reports whether kind is registered.
func (r *KindRegistry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

// List returns every registered kind name.
func (r *KindRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	return names
}

// Definition returns the registered definition for kind, or nil.
func (r *KindRegistry) Definition(kind string) *KindDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kinds[kind]
}
