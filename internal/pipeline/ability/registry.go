// Package ability defines capability providers: named registries that map
// ability names to executable functions over the workflow context.
package ability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Func is a single ability: a pure function of the call context. The result
// is usually a record (map[string]any) merged into the workflow state by the
// caller; non-record results are wrapped by the caller under a synthetic
// "<ability>_result" key.
type Func func(ctx context.Context, state map[string]any) (any, error)

// Provider exposes a stable set of named abilities behind a uniform invoke
// interface. Implementations are expected to be deterministic pure functions
// of the context for testability, though this is not enforced.
type Provider interface {
	Name() string
	Abilities() []string
	Invoke(ctx context.Context, name string, state map[string]any) (any, error)
}

// UnknownAbilityError is returned by a provider invoked with an ability name
// it does not recognize. The dispatcher converts it into a failure result;
// it never crosses the engine boundary as a raised error.
type UnknownAbilityError struct {
	Provider string
	Ability  string
}

func (e *UnknownAbilityError) Error() string {
	return fmt.Sprintf("provider %q has no ability %q", e.Provider, e.Ability)
}

// ContextInvalidError reports a call context that failed an ability's
// declared schema.
type ContextInvalidError struct {
	Provider string
	Ability  string
	Cause    error
}

func (e *ContextInvalidError) Error() string {
	return fmt.Sprintf("context rejected by %s.%s: %v", e.Provider, e.Ability, e.Cause)
}

func (e *ContextInvalidError) Unwrap() error { return e.Cause }

type registeredAbility struct {
	fn     Func
	schema *jsonschema.Schema
}

// Registry is a concrete Provider backed by an ability-name -> function map
// built once at construction. Abilities may optionally declare a JSON schema
// that the call context must satisfy before the function runs.
type Registry struct {
	name      string
	abilities map[string]registeredAbility
}

func NewRegistry(name string) *Registry {
	return &Registry{
		name:      name,
		abilities: map[string]registeredAbility{},
	}
}

func (r *Registry) Name() string { return r.name }

// Register adds an ability. Duplicate names overwrite, matching the
// last-registration-wins policy of the dispatcher's provider registry.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("ability name must be non-empty")
	}
	if fn == nil {
		return fmt.Errorf("ability %s missing function", name)
	}
	r.abilities[name] = registeredAbility{fn: fn}
	return nil
}

// RegisterWithSchema adds an ability whose call context must satisfy the
// given JSON schema.
func (r *Registry) RegisterWithSchema(name string, fn Func, schemaJSON string) error {
	if name == "" {
		return fmt.Errorf("ability name must be non-empty")
	}
	if fn == nil {
		return fmt.Errorf("ability %s missing function", name)
	}
	schema, err := jsonschema.CompileString(name+".schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("ability %s schema: %w", name, err)
	}
	r.abilities[name] = registeredAbility{fn: fn, schema: schema}
	return nil
}

// Abilities returns the registered ability names, sorted.
func (r *Registry) Abilities() []string {
	names := make([]string, 0, len(r.abilities))
	for n := range r.abilities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Invoke(ctx context.Context, name string, state map[string]any) (any, error) {
	reg, ok := r.abilities[name]
	if !ok {
		return nil, &UnknownAbilityError{Provider: r.name, Ability: name}
	}
	if reg.schema != nil {
		if err := r.validateContext(name, reg.schema, state); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return reg.fn(ctx, state)
}

// validateContext round-trips the state through JSON before validation so
// the schema sees canonical JSON value types regardless of how the state
// was built (Go literals, YAML, JSON).
func (r *Registry) validateContext(name string, schema *jsonschema.Schema, state map[string]any) error {
	b, err := json.Marshal(state)
	if err != nil {
		return &ContextInvalidError{Provider: r.name, Ability: name, Cause: err}
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return &ContextInvalidError{Provider: r.name, Ability: name, Cause: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &ContextInvalidError{Provider: r.name, Ability: name, Cause: err}
	}
	return nil
}
