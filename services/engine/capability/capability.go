// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package capability defines the boundary contracts the engine consumes:
// the registry of callable actions and the model used for free-form
// decomposition. Action names are resolved through a static registration
// table checked at plan-validation time, never through reflection.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Sentinel errors for the capability package.
var (
	// ErrUnknownAction is returned when invoking an unregistered name.
	ErrUnknownAction = errors.New("action not registered")

	// ErrDuplicateAction is returned when registering a name twice.
	ErrDuplicateAction = errors.New("action already registered")

	// ErrNilAction is returned when registering a nil function.
	ErrNilAction = errors.New("action function must not be nil")
)

// ActionFunc is one callable capability. Params arrive fully resolved:
// any references have already been replaced by concrete values.
type ActionFunc func(ctx context.Context, params map[string]any) (any, error)

// ActionError wraps a capability failure with its retry classification.
// Unrecognized error kinds are treated as permanent (no retry).
type ActionError struct {
	Action    string
	Transient bool
	Err       error
}

// Error returns the error message.
func (e *ActionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("action %q failed (%s): %v", e.Action, kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *ActionError) Unwrap() error {
	return e.Err
}

// Transient marks an error as retryable when returned from an ActionFunc.
func Transient(err error) error {
	return &ActionError{Transient: true, Err: err}
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	return &ActionError{Transient: false, Err: err}
}

// IsTransient reports whether err carries a transient classification.
func IsTransient(err error) bool {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Transient
	}
	return false
}

// Registry is the static name→function table of callable actions.
//
// Thread Safety:
//
//	Safe for concurrent use. Registration typically happens once at
//	startup; invocation happens concurrently from executor workers.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]ActionFunc)}
}

// Register adds an action under a unique name.
func (r *Registry) Register(name string, fn ActionFunc) error {
	if fn == nil {
		return ErrNilAction
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateAction, name)
	}
	r.actions[name] = fn
	return nil
}

// MustRegister registers or panics. For wiring tables built at init time.
func (r *Registry) MustRegister(name string, fn ActionFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Has reports whether a name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Names returns the sorted registered action names. This is the allowlist
// the planner validates decompositions against.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs a registered action.
//
// Outputs:
//
//	any - The raw action output.
//	error - *ActionError. Errors the action did not classify are wrapped
//	        as permanent.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	r.mu.RLock()
	fn, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ActionError{Action: name, Err: ErrUnknownAction}
	}

	out, err := fn(ctx, params)
	if err != nil {
		var ae *ActionError
		if errors.As(err, &ae) {
			if ae.Action == "" {
				ae.Action = name
			}
			return nil, ae
		}
		// Context expiry surfaces as-is so the executor can classify
		// timeouts separately from action failures.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &ActionError{Action: name, Err: err}
	}
	return out, nil
}
