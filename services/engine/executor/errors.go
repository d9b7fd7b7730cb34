// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import "errors"

var (
	// ErrNilGraph is returned when Run is given a nil graph.
	ErrNilGraph = errors.New("graph must not be nil")

	// ErrCircuitOpen is returned without invoking the action when the
	// per-action circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRunAborted means a critical task failed and the remainder of
	// the run was cancelled.
	ErrRunAborted = errors.New("run aborted after critical task failure")

	// ErrInvalidConfig is returned for out-of-range retry or breaker
	// settings.
	ErrInvalidConfig = errors.New("invalid executor configuration")
)
