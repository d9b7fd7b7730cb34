// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"errors"
	"fmt"
)

// Sentinel errors for the planner package.
var (
	// ErrNoRuleMatched is returned by RULE_BASED when no pattern applies.
	ErrNoRuleMatched = errors.New("no rule matched the request")

	// ErrEmptyPlan is returned when a decomposition yields zero tasks.
	ErrEmptyPlan = errors.New("plan must contain at least one task")

	// ErrMalformedPlan is returned when the model reply cannot be parsed
	// into task descriptors.
	ErrMalformedPlan = errors.New("model reply is not a valid plan")

	// ErrUnknownActionName is returned when a plan references an action
	// outside the allowlist.
	ErrUnknownActionName = errors.New("plan references unknown action")

	// ErrDepthExceeded is returned when recursive sub-decomposition
	// exceeds the configured bound.
	ErrDepthExceeded = errors.New("max decomposition depth exceeded")

	// ErrNoModel is returned when LLM_BASED planning runs without a model.
	ErrNoModel = errors.New("no model capability configured")

	// ErrEmptyRequest is returned for a blank request.
	ErrEmptyRequest = errors.New("request must not be empty")
)

// DecompositionError reports that planning produced nothing usable.
type DecompositionError struct {
	Strategy string
	Request  string
	Err      error
}

// Error returns the error message.
func (e *DecompositionError) Error() string {
	req := e.Request
	if len(req) > 80 {
		req = req[:77] + "..."
	}
	return fmt.Sprintf("decomposition (%s) of %q failed: %v", e.Strategy, req, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecompositionError) Unwrap() error {
	return e.Err
}
