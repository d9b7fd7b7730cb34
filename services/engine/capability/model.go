// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"context"
	"errors"
)

// ErrEmptyCompletion is returned when the model produces no text.
var ErrEmptyCompletion = errors.New("model returned no completion")

// GenerateConfig carries per-request model parameters.
type GenerateConfig struct {
	// MaxTokens bounds the completion length. Zero means provider default.
	MaxTokens int

	// Temperature controls sampling randomness. Zero means provider default.
	Temperature float32

	// Stop sequences end generation early.
	Stop []string
}

// Model abstracts the language-model capability used for free-form
// decomposition. The planner never trusts the returned text as
// structurally valid; parsing and validation are entirely its job.
//
// Thread Safety: implementations must be safe for concurrent use.
type Model interface {
	// Generate sends a prompt and returns the completion text.
	Generate(ctx context.Context, prompt string, cfg GenerateConfig) (string, error)
}

// StaticModel returns canned completions in order, then repeats the last
// one. A test double; also useful for offline rule development.
type StaticModel struct {
	Completions []string
	calls       int
}

// Generate returns the next canned completion.
func (m *StaticModel) Generate(_ context.Context, _ string, _ GenerateConfig) (string, error) {
	if len(m.Completions) == 0 {
		return "", ErrEmptyCompletion
	}
	i := m.calls
	if i >= len(m.Completions) {
		i = len(m.Completions) - 1
	}
	m.calls++
	return m.Completions[i], nil
}
