package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Routine executes a decoded payload.
type Routine func(ctx context.Context, payload json.RawMessage) error

// Definition binds a job kind name to the routine that decodes and runs it.
// Build one with Define.
type Definition struct {
	Name    string
	Routine Routine
}

// Define builds a Definition for payload type T. The payload is decoded
// from JSON into T before fn is called.
//
// Define is a package-level function because Go does not allow generic
// methods on non-generic types.
func Define[T any](name string, fn func(ctx context.Context, payload T) error) Definition {
	if fn == nil {
		return Definition{Name: name}
	}
	return Definition{
		Name: name,
		Routine: func(ctx context.Context, raw json.RawMessage) error {
			var p T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &p); err != nil {
					return fmt.Errorf("%w: decode %s payload: %v", ErrSerialization, name, err)
				}
			}
			return fn(ctx, p)
		},
	}
}

// Registry maps job kind names to their routines. The set is fixed when the
// registry is built; it is safe for concurrent use because it never changes.
type Registry struct {
	routines map[string]Routine
}

// NewRegistry builds a registry from defs.
func NewRegistry(defs ...Definition) (*Registry, error) {
	routines := make(map[string]Routine, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, ErrEmptyKindName
		}
		if def.Routine == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilRoutine, def.Name)
		}
		if _, dup := routines[def.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKind, def.Name)
		}
		routines[def.Name] = def.Routine
	}
	return &Registry{routines: routines}, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.routines[name]
	return ok
}

// Names returns the registered kind names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.routines))
	for name := range r.routines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch decodes payload and runs the routine registered under name.
// Decode failures wrap ErrSerialization, unknown names wrap ErrUnknownKind
// and routine failures are returned as *ExecutionError.
func (r *Registry) Dispatch(ctx context.Context, name string, payload []byte) error {
	routine, ok := r.routines[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, name)
	}

	err := routine(ctx, payload)
	if err == nil {
		return nil
	}
	if Permanent(err) {
		return err
	}
	return &ExecutionError{Kind: name, Err: err}
}
