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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(_ context.Context, _ map[string]any) (any, error) {
	return "ok", nil
}

// =============================================================================
// Registry
// =============================================================================

func TestRegistry_RegisterAndInvoke(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("echo", func(_ context.Context, params map[string]any) (any, error) {
		return params["msg"], nil
	}))

	assert.True(t, reg.Has("echo"))
	assert.False(t, reg.Has("missing"))

	out, err := reg.Invoke(context.Background(), "echo", map[string]any{"msg": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestRegistry_RegisterErrors(t *testing.T) {
	reg := NewRegistry()
	assert.ErrorIs(t, reg.Register("x", nil), ErrNilAction)

	require.NoError(t, reg.Register("x", noop))
	err := reg.Register("x", noop)
	assert.ErrorIs(t, err, ErrDuplicateAction)
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("x", noop)
	assert.Panics(t, func() { reg.MustRegister("x", noop) })
}

func TestRegistry_Names_Sorted(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("zeta", noop)
	reg.MustRegister("alpha", noop)
	reg.MustRegister("mid", noop)

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, reg.Names())
}

func TestRegistry_InvokeUnknownAction(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Invoke(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownAction)

	var ae *ActionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "ghost", ae.Action)
	assert.False(t, ae.Transient, "unknown actions never retry")
}

func TestRegistry_InvokeWrapsUnclassifiedAsPermanent(t *testing.T) {
	reg := NewRegistry()
	cause := errors.New("disk full")
	reg.MustRegister("bad", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, cause
	})

	_, err := reg.Invoke(context.Background(), "bad", nil)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)

	var ae *ActionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "bad", ae.Action)
}

func TestRegistry_InvokePreservesClassification(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("flaky", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, Transient(errors.New("connection reset"))
	})
	reg.MustRegister("broken", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, Permanent(errors.New("bad input"))
	})

	_, err := reg.Invoke(context.Background(), "flaky", nil)
	assert.True(t, IsTransient(err))

	var ae *ActionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "flaky", ae.Action, "action name is filled in on the way out")

	_, err = reg.Invoke(context.Background(), "broken", nil)
	assert.False(t, IsTransient(err))
}

func TestRegistry_InvokeContextErrorsPassThrough(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("slow", func(ctx context.Context, _ map[string]any) (any, error) {
		return nil, context.DeadlineExceeded
	})

	_, err := reg.Invoke(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var ae *ActionError
	assert.False(t, errors.As(err, &ae), "context expiry is not wrapped")
}

// =============================================================================
// Error classification
// =============================================================================

func TestIsTransient(t *testing.T) {
	base := errors.New("boom")
	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsTransient(Permanent(base)))
	assert.False(t, IsTransient(base), "unclassified errors are permanent")
	assert.False(t, IsTransient(nil))

	// Classification survives wrapping.
	wrapped := errors.Join(errors.New("outer"), Transient(base))
	assert.True(t, IsTransient(wrapped))
}

func TestActionError_Message(t *testing.T) {
	te := &ActionError{Action: "fetch", Transient: true, Err: errors.New("timeout")}
	assert.Contains(t, te.Error(), `"fetch"`)
	assert.Contains(t, te.Error(), "transient")

	pe := &ActionError{Action: "fetch", Err: errors.New("404")}
	assert.Contains(t, pe.Error(), "permanent")
}

// =============================================================================
// StaticModel
// =============================================================================

func TestStaticModel_ReturnsCompletionsInOrder(t *testing.T) {
	m := &StaticModel{Completions: []string{"first", "second"}}

	got, err := m.Generate(context.Background(), "p", GenerateConfig{})
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	got, err = m.Generate(context.Background(), "p", GenerateConfig{})
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	// Exhausted: the last completion repeats.
	got, err = m.Generate(context.Background(), "p", GenerateConfig{})
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestStaticModel_Empty(t *testing.T) {
	m := &StaticModel{}
	_, err := m.Generate(context.Background(), "p", GenerateConfig{})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

// =============================================================================
// OpenAI model construction
// =============================================================================

func TestNewOpenAIModel_RequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewOpenAIModel(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestNewOpenAIModel_DefaultsModelName(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("OPENAI_MODEL", "")

	m, err := NewOpenAIModel(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOpenAIModel, m.model)

	t.Setenv("OPENAI_MODEL", "custom-model")
	m, err = NewOpenAIModel(nil)
	require.NoError(t, err)
	assert.Equal(t, "custom-model", m.model)
}
