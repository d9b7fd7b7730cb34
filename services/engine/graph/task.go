// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"time"

	"github.com/google/uuid"

	"github.com/taskweave-ai/taskweave/services/engine/result"
)

// Priority orders tasks for tie-breaking and failure-severity policy.
// Higher values are more urgent.
type Priority int

const (
	// PriorityOptional tasks are best-effort.
	PriorityOptional Priority = iota

	// PriorityLow tasks yield to everything above.
	PriorityLow

	// PriorityNormal is the default.
	PriorityNormal

	// PriorityHigh tasks are scheduled ahead of normal work.
	PriorityHigh

	// PriorityCritical failures abort the whole run.
	PriorityCritical
)

// String returns the human-readable name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityOptional:
		return "optional"
	default:
		return "unknown"
	}
}

// Status is a task's position in its execution lifecycle.
type Status string

const (
	// StatusPending means not all dependencies are satisfied yet.
	StatusPending Status = "pending"

	// StatusReady means all dependencies completed; awaiting dispatch.
	StatusReady Status = "ready"

	// StatusRunning means the action is being invoked.
	StatusRunning Status = "running"

	// StatusCompleted is terminal success; the result is published.
	StatusCompleted Status = "completed"

	// StatusFailed is terminal failure after retries were exhausted.
	StatusFailed Status = "failed"

	// StatusSkipped means an upstream failure made the task unrunnable.
	StatusSkipped Status = "skipped"

	// StatusCancelled means the run aborted before the task started.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// DefaultTaskTimeout applies to tasks that do not set their own budget.
const DefaultTaskTimeout = 30 * time.Second

// Task is one unit of work: an action invocation with declarative inputs.
//
// Params values are either literals or result.Reference pointers into
// other tasks' outputs; references are resolved by the executor at
// dispatch time. Result and Err are mutually exclusive and both nil until
// the task leaves StatusRunning.
type Task struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Priority  Priority       `json:"priority"`
	Status    Status         `json:"status"`

	Result *result.TypedResult `json:"result,omitempty"`
	Err    *TaskError          `json:"error,omitempty"`

	// Schema optionally declares the expected result shape, consumed by
	// strict verification.
	Schema map[string]any `json:"schema,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	RetryCount int `json:"retry_count"`

	// MaxRetries overrides the executor's retry budget for this task:
	// n > 0 allows n retries beyond the first attempt, n < 0 disables
	// retries entirely, and 0 defers to the executor configuration.
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`

	// seq is the insertion order within a graph, used for deterministic
	// tie-breaking.
	seq int
}

// TaskOption customizes a task at construction.
type TaskOption func(*Task)

// WithParams sets the parameter map.
func WithParams(params map[string]any) TaskOption {
	return func(t *Task) { t.Params = params }
}

// WithDependsOn declares dependency task ids.
func WithDependsOn(ids ...string) TaskOption {
	return func(t *Task) { t.DependsOn = append(t.DependsOn, ids...) }
}

// WithPriority sets the priority.
func WithPriority(p Priority) TaskOption {
	return func(t *Task) { t.Priority = p }
}

// WithMaxRetries bounds retry attempts beyond the first. Pass a
// negative n to disable retries; zero keeps the executor's default.
func WithMaxRetries(n int) TaskOption {
	return func(t *Task) { t.MaxRetries = n }
}

// WithTimeout sets the per-task execution budget.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.Timeout = d }
}

// WithSchema declares the expected result schema.
func WithSchema(schema map[string]any) TaskOption {
	return func(t *Task) { t.Schema = schema }
}

// WithID overrides the generated id. Intended for planners that must
// honor ids referenced elsewhere in a decomposition.
func WithID(id string) TaskOption {
	return func(t *Task) { t.ID = id }
}

// NewTask creates a pending task with a generated id.
func NewTask(name, action string, opts ...TaskOption) *Task {
	t := &Task{
		ID:        uuid.NewString(),
		Name:      name,
		Action:    action,
		Priority:  PriorityNormal,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		Timeout:   DefaultTaskTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ReferencesTask reports whether any parameter of the task references the
// given task id, directly or nested inside slices/maps. This is what
// decides skip propagation: a dependent that never consumes the failed
// task's value is not skipped under the default policy.
func (t *Task) ReferencesTask(id string) bool {
	for _, v := range t.Params {
		if valueReferences(v, id) {
			return true
		}
	}
	return false
}

// References returns the task ids referenced anywhere in Params.
func (t *Task) References() []string {
	seen := make(map[string]struct{})
	var collect func(v any)
	collect = func(v any) {
		switch vv := v.(type) {
		case result.Reference:
			seen[vv.SourceTaskID] = struct{}{}
		case *result.Reference:
			if vv != nil {
				seen[vv.SourceTaskID] = struct{}{}
			}
		case []any:
			for _, item := range vv {
				collect(item)
			}
		case map[string]any:
			for _, item := range vv {
				collect(item)
			}
		}
	}
	for _, v := range t.Params {
		collect(v)
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

func valueReferences(v any, id string) bool {
	switch vv := v.(type) {
	case result.Reference:
		return vv.SourceTaskID == id
	case *result.Reference:
		return vv != nil && vv.SourceTaskID == id
	case []any:
		for _, item := range vv {
			if valueReferences(item, id) {
				return true
			}
		}
	case map[string]any:
		for _, item := range vv {
			if valueReferences(item, id) {
				return true
			}
		}
	}
	return false
}
