// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package result

import (
	"errors"
	"fmt"
)

// Sentinel errors for the result package.
var (
	// ErrSourceMissing is returned when a reference names a task with no
	// published result (not completed, or not part of the run).
	ErrSourceMissing = errors.New("source task has no published result")

	// ErrBadPath is returned when an extract path cannot be navigated.
	ErrBadPath = errors.New("extract path cannot be resolved")

	// ErrBadTransform is returned when a transform does not apply to the
	// resolved value's shape.
	ErrBadTransform = errors.New("transform does not apply to value")

	// ErrUnknownTransform is returned for a transform kind that is not registered.
	ErrUnknownTransform = errors.New("unknown transform kind")

	// ErrKeyCollision is returned by dict aggregation when conflict resolution
	// is set to error and two sources provide the same key.
	ErrKeyCollision = errors.New("key collision between sources")

	// ErrShapeMismatch is returned when an aggregation input has the wrong shape.
	ErrShapeMismatch = errors.New("input shape does not match strategy")

	// ErrLengthMismatch is returned by ZIP_RECORDS when source lengths differ.
	ErrLengthMismatch = errors.New("source lengths differ")

	// ErrNoInputs is returned when an aggregation is given nothing to combine.
	ErrNoInputs = errors.New("no inputs to aggregate")

	// ErrNilResult is returned when a nil TypedResult is supplied.
	ErrNilResult = errors.New("typed result must not be nil")
)

// ResolutionError reports a failed Reference resolution. It carries the
// source task id, the extract path, and the path node at which navigation
// stopped, so callers can diagnose without re-running the task.
type ResolutionError struct {
	TaskID string
	Path   string
	Node   string
	Err    error
}

// Error returns the error message.
func (e *ResolutionError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("resolving %q path %q at %q: %v", e.TaskID, e.Path, e.Node, e.Err)
	}
	if e.Path != "" {
		return fmt.Sprintf("resolving %q path %q: %v", e.TaskID, e.Path, e.Err)
	}
	return fmt.Sprintf("resolving %q: %v", e.TaskID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// AggregationError reports a failed aggregation, naming the strategy, the
// colliding key (if any), and the sources involved.
type AggregationError struct {
	Strategy Strategy
	Key      string
	Sources  []string
	Err      error
}

// Error returns the error message.
func (e *AggregationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("aggregate %s: key %q from sources %v: %v", e.Strategy, e.Key, e.Sources, e.Err)
	}
	return fmt.Sprintf("aggregate %s: sources %v: %v", e.Strategy, e.Sources, e.Err)
}

// Unwrap returns the underlying error.
func (e *AggregationError) Unwrap() error {
	return e.Err
}
