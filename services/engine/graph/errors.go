// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the graph package.
var (
	// ErrNilTask is returned when a nil task is added.
	ErrNilTask = errors.New("task must not be nil")

	// ErrDuplicateTask is returned when a task id is already present.
	ErrDuplicateTask = errors.New("task with this id already exists")

	// ErrUnknownDependency is returned when depends_on references an id
	// that is not in the graph.
	ErrUnknownDependency = errors.New("dependency references unknown task")

	// ErrTaskNotFound is returned when a referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrCycleDetected is returned when the dependency relation is cyclic.
	ErrCycleDetected = errors.New("cycle detected in task graph")

	// ErrEmptyGraph is returned when an operation needs at least one task.
	ErrEmptyGraph = errors.New("graph contains no tasks")

	// ErrResultOnNonCompleted guards the result/error exclusivity invariant.
	ErrResultOnNonCompleted = errors.New("result may only be set on completion")
)

// CycleError reports a dependency cycle, carrying the actual offending path.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

// Unwrap lets errors.Is match ErrCycleDetected.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// ErrorKind classifies a task failure for diagnosis without re-running.
type ErrorKind string

const (
	// KindAction is a failure of the external action capability.
	KindAction ErrorKind = "action"

	// KindTimeout means the task exceeded its budget.
	KindTimeout ErrorKind = "timeout"

	// KindCircuitOpen is a fast-fail without invoking the action.
	KindCircuitOpen ErrorKind = "circuit_open"

	// KindResolution means a parameter reference could not be resolved.
	KindResolution ErrorKind = "resolution"

	// KindCancelled means the run was aborted before the task started.
	KindCancelled ErrorKind = "cancelled"

	// KindSkipped means an upstream failure made the task unrunnable.
	KindSkipped ErrorKind = "skipped"
)

// TaskError is the structured error attached to a FAILED (or SKIPPED/
// CANCELLED) task and enumerated in the execution result.
type TaskError struct {
	TaskID   string    `json:"task_id"`
	Action   string    `json:"action"`
	Kind     ErrorKind `json:"kind"`
	Attempts int       `json:"attempts"`
	Err      error     `json:"-"`
	Message  string    `json:"message"`
}

// NewTaskError creates a TaskError for a task and cause.
func NewTaskError(taskID, action string, kind ErrorKind, attempts int, err error) *TaskError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &TaskError{
		TaskID:   taskID,
		Action:   action,
		Kind:     kind,
		Attempts: attempts,
		Err:      err,
		Message:  msg,
	}
}

// Error returns the error message.
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q (action %q, %s, %d attempts): %s",
		e.TaskID, e.Action, e.Kind, e.Attempts, e.Message)
}

// Unwrap returns the underlying error.
func (e *TaskError) Unwrap() error {
	return e.Err
}
