// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package verifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave-ai/taskweave/services/engine/capability"
	"github.com/taskweave-ai/taskweave/services/engine/executor"
	"github.com/taskweave-ai/taskweave/services/engine/graph"
	"github.com/taskweave-ai/taskweave/services/engine/result"
)

// runGraph executes g so verification sees realistic timestamps.
func runGraph(t *testing.T, g *graph.Graph, reg *capability.Registry) {
	t.Helper()
	e, err := executor.New(reg, executor.Config{Strategy: executor.StrategySequential})
	require.NoError(t, err)
	res, err := e.Run(context.Background(), g)
	require.NoError(t, err)
	require.True(t, res.Success)
}

func completedTask(t *testing.T, action string, value any, opts ...graph.TaskOption) (*graph.Graph, *graph.Task) {
	t.Helper()
	reg := capability.NewRegistry()
	reg.MustRegister(action, func(_ context.Context, _ map[string]any) (any, error) {
		return value, nil
	})
	g := graph.New("verify")
	task := graph.NewTask("subject", action, opts...)
	require.NoError(t, g.AddTask(task))
	runGraph(t, g, reg)
	return g, task
}

func TestVerifyBasicPasses(t *testing.T) {
	g, task := completedTask(t, "emit", map[string]any{"total": 42})

	v := New(nil)
	res := v.Verify(g, task, LevelBasic)
	assert.True(t, res.Passed)
	assert.Equal(t, 1.0, res.ConfidenceScore)
	assert.True(t, res.Checks["result_present"])
	assert.True(t, res.Checks["type_shape"])
	assert.Empty(t, res.Errors)
}

func TestVerifyBasicRejectsNonCompleted(t *testing.T) {
	g := graph.New("pending")
	task := graph.NewTask("never ran", "noop")
	require.NoError(t, g.AddTask(task))

	v := New(nil)
	res := v.Verify(g, task, LevelBasic)
	assert.False(t, res.Passed)
	assert.False(t, res.Checks["result_present"])
	assert.Less(t, res.ConfidenceScore, 1.0)
}

func TestVerifyBasicAcceptsScalarResults(t *testing.T) {
	cases := []struct {
		name  string
		value any
	}{
		{"float", 42.0},
		{"int", 7},
		{"bool", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, task := completedTask(t, "emit", tc.value)

			v := New(nil)
			res := v.Verify(g, task, LevelBasic)
			assert.True(t, res.Passed, "errors: %v", res.Errors)
			assert.True(t, res.Checks["type_shape"])
		})
	}
}

func TestVerifyTypeShapeMismatch(t *testing.T) {
	g, task := completedTask(t, "emit", map[string]any{"k": "v"})
	// Declared type contradicts the stored value shape.
	task.Result.Type = result.TypeText

	v := New(nil)
	res := v.Verify(g, task, LevelBasic)
	assert.False(t, res.Passed)
	assert.False(t, res.Checks["type_shape"])
}

func TestVerifyStrictSchema(t *testing.T) {
	schema := map[string]any{"total": "number", "label": "string"}

	t.Run("conforming result passes", func(t *testing.T) {
		g, task := completedTask(t, "emit",
			map[string]any{"total": 42, "label": "checkout"},
			graph.WithSchema(schema))
		res := New(nil).Verify(g, task, LevelStrict)
		assert.True(t, res.Passed)
		assert.True(t, res.Checks["schema_fields"])
		assert.True(t, res.Checks["temporal_coherence"])
	})

	t.Run("missing field fails", func(t *testing.T) {
		g, task := completedTask(t, "emit",
			map[string]any{"total": 42},
			graph.WithSchema(schema))
		res := New(nil).Verify(g, task, LevelStrict)
		assert.False(t, res.Passed)
		assert.False(t, res.Checks["schema_fields"])
	})

	t.Run("wrong kind fails", func(t *testing.T) {
		g, task := completedTask(t, "emit",
			map[string]any{"total": "forty-two", "label": "checkout"},
			graph.WithSchema(schema))
		res := New(nil).Verify(g, task, LevelStrict)
		assert.False(t, res.Passed)
	})
}

func TestVerifyStrictTemporalCoherence(t *testing.T) {
	g, task := completedTask(t, "emit", "text value")
	require.True(t, New(nil).Verify(g, task, LevelStrict).Passed)

	// Corrupt the ordering: ended before started.
	task.EndedAt = task.StartedAt.Add(-time.Second)
	res := New(nil).Verify(g, task, LevelStrict)
	assert.False(t, res.Passed)
	assert.False(t, res.Checks["temporal_coherence"])
}

func TestVerifyParanoidCrossTask(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister("produce", func(_ context.Context, _ map[string]any) (any, error) {
		return map[string]any{"total": 42}, nil
	})
	reg.MustRegister("consume", func(_ context.Context, params map[string]any) (any, error) {
		return params["in"], nil
	})

	g := graph.New("cross")
	src := graph.NewTask("producer", "produce")
	dst := graph.NewTask("consumer", "consume",
		graph.WithDependsOn(src.ID),
		graph.WithParams(map[string]any{"in": result.Ref(src.ID).At("total")}),
	)
	require.NoError(t, g.AddTask(src))
	require.NoError(t, g.AddTask(dst))
	runGraph(t, g, reg)

	v := New(nil)
	res := v.Verify(g, dst, LevelParanoid)
	assert.True(t, res.Passed, "errors: %v", res.Errors)
	assert.True(t, res.Checks["cross_task_consistency"])

	// Corrupt source ordering: it now "ended" after the consumer started.
	src.EndedAt = dst.StartedAt.Add(time.Second)
	res = v.Verify(g, dst, LevelParanoid)
	assert.False(t, res.Passed)
	assert.False(t, res.Checks["cross_task_consistency"])
}

func TestVerifyParanoidCustomChecks(t *testing.T) {
	g, task := completedTask(t, "emit", map[string]any{"total": 42})

	v := New(nil)
	v.RegisterCheck("emit", func(_ *graph.Task, res *result.TypedResult) error {
		obj := res.Value.(map[string]any)
		if obj["total"] != 42 {
			return errors.New("total drifted")
		}
		return nil
	})
	v.RegisterCheck("emit", func(_ *graph.Task, _ *result.TypedResult) error {
		return errors.New("always suspicious")
	})

	res := v.Verify(g, task, LevelParanoid)
	assert.False(t, res.Passed)
	assert.True(t, res.Checks["custom_emit_0"])
	assert.False(t, res.Checks["custom_emit_1"])
	assert.Greater(t, res.ConfidenceScore, 0.5)
	assert.Less(t, res.ConfidenceScore, 1.0)
}

func TestVerifyParanoidChecksScopedToAction(t *testing.T) {
	g, task := completedTask(t, "emit", "value")

	v := New(nil)
	v.RegisterCheck("other_action", func(_ *graph.Task, _ *result.TypedResult) error {
		return errors.New("should not run")
	})

	res := v.Verify(g, task, LevelParanoid)
	assert.True(t, res.Passed, "errors: %v", res.Errors)
}

func TestVerifyGraphOnlyCompleted(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister("ok", func(_ context.Context, _ map[string]any) (any, error) {
		return "fine", nil
	})
	reg.MustRegister("fail", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, capability.Permanent(errors.New("nope"))
	})

	g := graph.New("mixed")
	good := graph.NewTask("good", "ok")
	bad := graph.NewTask("bad", "fail")
	require.NoError(t, g.AddTask(good))
	require.NoError(t, g.AddTask(bad))

	e, err := executor.New(reg, executor.Config{Strategy: executor.StrategySequential})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), g)
	require.NoError(t, err)

	results := New(nil).VerifyGraph(g, LevelStrict)
	require.Len(t, results, 1, "failed tasks are not verified")
	assert.Equal(t, good.ID, results[0].TaskID)
	assert.True(t, results[0].Passed)
}
