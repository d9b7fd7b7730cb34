// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave-ai/taskweave/services/engine/result"
)

// diamond builds the classic A -> {B, C} -> D graph and returns it with
// the task ids in declaration order.
func diamond(t *testing.T) (*Graph, []string) {
	t.Helper()
	g := New("diamond")
	a := NewTask("a", "noop")
	b := NewTask("b", "noop", WithDependsOn(a.ID))
	c := NewTask("c", "noop", WithDependsOn(a.ID))
	d := NewTask("d", "noop", WithDependsOn(b.ID, c.ID))
	for _, task := range []*Task{a, b, c, d} {
		require.NoError(t, g.AddTask(task))
	}
	return g, []string{a.ID, b.ID, c.ID, d.ID}
}

// =============================================================================
// Construction
// =============================================================================

func TestAddTask_Validation(t *testing.T) {
	g := New("g")

	err := g.AddTask(nil)
	assert.ErrorIs(t, err, ErrNilTask)

	a := NewTask("a", "noop")
	require.NoError(t, g.AddTask(a))

	dup := NewTask("dup", "noop", WithID(a.ID))
	err = g.AddTask(dup)
	assert.ErrorIs(t, err, ErrDuplicateTask)

	orphan := NewTask("orphan", "noop", WithDependsOn("no-such-id"))
	err = g.AddTask(orphan)
	assert.ErrorIs(t, err, ErrUnknownDependency)

	assert.Equal(t, 1, g.Len())
}

func TestAddTasks_ForwardReferences(t *testing.T) {
	g := New("g")

	producer := NewTask("producer", "noop")
	consumer := NewTask("consumer", "noop", WithDependsOn(producer.ID))

	// Consumer is listed before the task it depends on.
	require.NoError(t, g.AddTasks(consumer, producer))
	require.NoError(t, g.Validate())

	order, err := g.TopologicalSort()
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, producer.ID, order[0].ID)
	assert.Equal(t, consumer.ID, order[1].ID)
}

func TestAddTasks_Validation(t *testing.T) {
	g := New("g")
	existing := NewTask("existing", "noop")
	require.NoError(t, g.AddTask(existing))

	err := g.AddTasks(NewTask("a", "noop"), nil)
	assert.ErrorIs(t, err, ErrNilTask)

	err = g.AddTasks(NewTask("dup", "noop", WithID(existing.ID)))
	assert.ErrorIs(t, err, ErrDuplicateTask)

	b := NewTask("b", "noop")
	err = g.AddTasks(b, NewTask("dup", "noop", WithID(b.ID)))
	assert.ErrorIs(t, err, ErrDuplicateTask)

	err = g.AddTasks(NewTask("orphan", "noop", WithDependsOn("no-such-id")))
	assert.ErrorIs(t, err, ErrUnknownDependency)

	// Failed batches leave the graph untouched.
	assert.Equal(t, 1, g.Len())
}

func TestAddTasks_CyclicBatchCaughtByValidate(t *testing.T) {
	g := New("g")

	a := NewTask("a", "noop")
	b := NewTask("b", "noop", WithDependsOn(a.ID))
	a.DependsOn = []string{b.ID}

	require.NoError(t, g.AddTasks(a, b))

	err := g.Validate()
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestNewTask_Defaults(t *testing.T) {
	task := NewTask("n", "act")
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, PriorityNormal, task.Priority)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, DefaultTaskTimeout, task.Timeout)
	assert.Equal(t, time.UTC, task.CreatedAt.Location())

	custom := NewTask("n", "act",
		WithPriority(PriorityCritical),
		WithMaxRetries(5),
		WithTimeout(time.Second),
		WithParams(map[string]any{"k": 1}),
	)
	assert.Equal(t, PriorityCritical, custom.Priority)
	assert.Equal(t, 5, custom.MaxRetries)
	assert.Equal(t, time.Second, custom.Timeout)
}

func TestTasks_InsertionOrder(t *testing.T) {
	g, ids := diamond(t)
	tasks := g.Tasks()
	require.Len(t, tasks, 4)
	for i, task := range tasks {
		assert.Equal(t, ids[i], task.ID)
	}
}

func TestDependents(t *testing.T) {
	g, ids := diamond(t)
	assert.ElementsMatch(t, []string{ids[1], ids[2]}, g.Dependents(ids[0]))
	assert.Equal(t, []string{ids[3]}, g.Dependents(ids[1]))
	assert.Empty(t, g.Dependents(ids[3]))
}

// =============================================================================
// Validation and ordering
// =============================================================================

func TestValidate_EmptyGraph(t *testing.T) {
	g := New("empty")
	assert.ErrorIs(t, g.Validate(), ErrEmptyGraph)
}

func TestValidate_AcyclicPasses(t *testing.T) {
	g, _ := diamond(t)
	assert.NoError(t, g.Validate())
}

func TestValidate_CycleDetected(t *testing.T) {
	// AddTask forbids forward references, so build the cycle directly.
	g := New("cyclic")
	a := NewTask("a", "noop")
	b := NewTask("b", "noop", WithDependsOn(a.ID))
	require.NoError(t, g.AddTask(a))
	require.NoError(t, g.AddTask(b))
	a.DependsOn = []string{b.ID}

	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleDetected)

	var ce *CycleError
	require.True(t, errors.As(err, &ce))
	assert.GreaterOrEqual(t, len(ce.Path), 3, "path names the offending cycle")
	assert.Equal(t, ce.Path[0], ce.Path[len(ce.Path)-1], "path closes on itself")

	_, err = g.TopologicalSort()
	assert.ErrorIs(t, err, ErrCycleDetected)

	_, err = g.ParallelLevels()
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestTopologicalSort_RespectsDependencies(t *testing.T) {
	g, _ := diamond(t)
	order, err := g.TopologicalSort()
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, task := range order {
		pos[task.ID] = i
	}
	for _, task := range g.Tasks() {
		for _, dep := range task.DependsOn {
			assert.Less(t, pos[dep], pos[task.ID],
				"dependency %s must sort before %s", dep, task.ID)
		}
	}
}

func TestTopologicalSort_PriorityThenInsertionOrder(t *testing.T) {
	g := New("ties")
	low := NewTask("low", "noop", WithPriority(PriorityLow))
	first := NewTask("first", "noop")
	second := NewTask("second", "noop")
	high := NewTask("high", "noop", WithPriority(PriorityHigh))
	for _, task := range []*Task{low, first, second, high} {
		require.NoError(t, g.AddTask(task))
	}

	order, err := g.TopologicalSort()
	require.NoError(t, err)

	got := []string{order[0].Name, order[1].Name, order[2].Name, order[3].Name}
	assert.Equal(t, []string{"high", "first", "second", "low"}, got)
}

func TestParallelLevels(t *testing.T) {
	g, ids := diamond(t)
	levels, err := g.ParallelLevels()
	require.NoError(t, err)
	require.Len(t, levels, 3)

	assert.Equal(t, ids[0], levels[0][0].ID)
	require.Len(t, levels[1], 2)
	assert.ElementsMatch(t,
		[]string{ids[1], ids[2]},
		[]string{levels[1][0].ID, levels[1][1].ID})
	assert.Equal(t, ids[3], levels[2][0].ID)
}

func TestParallelLevels_IndependentTasksShareLevelZero(t *testing.T) {
	g := New("flat")
	for i := 0; i < 3; i++ {
		require.NoError(t, g.AddTask(NewTask("t", "noop")))
	}
	levels, err := g.ParallelLevels()
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Len(t, levels[0], 3)
}

// =============================================================================
// Status transitions and result publication
// =============================================================================

func TestSetCompleted_PublishesAtomically(t *testing.T) {
	g, ids := diamond(t)

	assert.Empty(t, g.PublishedResults())

	res := result.New("out", result.TypeText, ids[0])
	require.NoError(t, g.SetCompleted(ids[0], res))

	task, ok := g.Task(ids[0])
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Same(t, res, task.Result)
	assert.Nil(t, task.Err)
	assert.False(t, task.EndedAt.IsZero())

	published := g.PublishedResults()
	require.Len(t, published, 1)
	assert.Same(t, res, published[ids[0]])

	// The returned map is a snapshot; mutating it does not touch the graph.
	delete(published, ids[0])
	assert.Len(t, g.PublishedResults(), 1)
}

func TestSetCompleted_NilResultRejected(t *testing.T) {
	g, ids := diamond(t)
	err := g.SetCompleted(ids[0], nil)
	assert.ErrorIs(t, err, ErrResultOnNonCompleted)

	status, _ := g.Status(ids[0])
	assert.Equal(t, StatusPending, status, "failed publication leaves status untouched")
}

func TestSetFailed_ClearsResult(t *testing.T) {
	g, ids := diamond(t)
	require.NoError(t, g.SetCompleted(ids[0], result.New("v", result.TypeText, ids[0])))

	taskErr := NewTaskError(ids[0], "noop", KindAction, 3, errors.New("boom"))
	require.NoError(t, g.SetFailed(ids[0], taskErr))

	task, _ := g.Task(ids[0])
	assert.Equal(t, StatusFailed, task.Status)
	assert.Nil(t, task.Result, "result and error are mutually exclusive")
	assert.Same(t, taskErr, task.Err)
}

func TestSetTerminal_SkippedAndCancelled(t *testing.T) {
	g, ids := diamond(t)

	require.NoError(t, g.SetTerminal(ids[1], StatusSkipped,
		NewTaskError(ids[1], "noop", KindSkipped, 0, errors.New("upstream failed"))))
	require.NoError(t, g.SetTerminal(ids[2], StatusCancelled,
		NewTaskError(ids[2], "noop", KindCancelled, 0, errors.New("run aborted"))))

	s1, _ := g.Status(ids[1])
	s2, _ := g.Status(ids[2])
	assert.Equal(t, StatusSkipped, s1)
	assert.Equal(t, StatusCancelled, s2)
	assert.True(t, s1.Terminal())
	assert.True(t, s2.Terminal())
}

func TestMarkRunning_StampsUTCStart(t *testing.T) {
	g, ids := diamond(t)
	require.NoError(t, g.MarkRunning(ids[0]))

	task, _ := g.Task(ids[0])
	assert.Equal(t, StatusRunning, task.Status)
	assert.False(t, task.StartedAt.IsZero())
	assert.Equal(t, time.UTC, task.StartedAt.Location())
	assert.False(t, task.Status.Terminal())
}

func TestStatusTransitions_UnknownTask(t *testing.T) {
	g, _ := diamond(t)
	assert.ErrorIs(t, g.SetStatus("nope", StatusReady), ErrTaskNotFound)
	assert.ErrorIs(t, g.MarkRunning("nope"), ErrTaskNotFound)
	assert.ErrorIs(t, g.SetFailed("nope", nil), ErrTaskNotFound)

	_, ok := g.Status("nope")
	assert.False(t, ok)
}

func TestCounts(t *testing.T) {
	g, ids := diamond(t)
	require.NoError(t, g.SetCompleted(ids[0], result.New("v", result.TypeText, ids[0])))
	require.NoError(t, g.SetFailed(ids[1], NewTaskError(ids[1], "noop", KindAction, 1, errors.New("x"))))

	counts := g.Counts()
	assert.Equal(t, 1, counts[StatusCompleted])
	assert.Equal(t, 1, counts[StatusFailed])
	assert.Equal(t, 2, counts[StatusPending])
}

func TestIncrementRetries(t *testing.T) {
	g, ids := diamond(t)
	g.IncrementRetries(ids[0])
	g.IncrementRetries(ids[0])
	g.IncrementRetries("nope") // quietly ignored

	task, _ := g.Task(ids[0])
	assert.Equal(t, 2, task.RetryCount)
}

// =============================================================================
// Parameter references
// =============================================================================

func TestReferencesTask_NestedParams(t *testing.T) {
	task := NewTask("t", "act", WithParams(map[string]any{
		"direct": result.Ref("t1"),
		"nested": map[string]any{
			"inner": []any{result.Ref("t2").At("data")},
		},
		"literal": "just text",
	}))

	assert.True(t, task.ReferencesTask("t1"))
	assert.True(t, task.ReferencesTask("t2"))
	assert.False(t, task.ReferencesTask("t3"))

	assert.ElementsMatch(t, []string{"t1", "t2"}, task.References())
}

func TestReferencesTask_NoParams(t *testing.T) {
	task := NewTask("t", "act")
	assert.False(t, task.ReferencesTask("anything"))
	assert.Empty(t, task.References())
}

// =============================================================================
// Snapshot
// =============================================================================

func TestSnapshot_PlainDataExport(t *testing.T) {
	g, ids := diamond(t)
	require.NoError(t, g.MarkRunning(ids[0]))
	require.NoError(t, g.SetCompleted(ids[0],
		result.New(map[string]any{"k": "v"}, result.TypeJSON, ids[0])))
	require.NoError(t, g.SetFailed(ids[1],
		NewTaskError(ids[1], "noop", KindTimeout, 2, errors.New("deadline"))))

	snap := g.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "diamond", snap.Name)
	require.Len(t, snap.Tasks, 4)

	done := snap.Tasks[0]
	assert.Equal(t, ids[0], done.ID)
	assert.Equal(t, string(StatusCompleted), done.Status)
	assert.Equal(t, string(result.TypeJSON), done.ResultType)
	assert.NotEmpty(t, done.StartedAt)
	assert.NotEmpty(t, done.EndedAt)

	failed := snap.Tasks[1]
	assert.Equal(t, "deadline", failed.Error)
	assert.Equal(t, string(KindTimeout), failed.ErrorKind)
	assert.Equal(t, 0, failed.Attempts)
}

func TestSnapshot_SharesNoMutableState(t *testing.T) {
	g := New("g")
	task := NewTask("t", "act", WithParams(map[string]any{
		"config": map[string]any{"key": "original"},
	}))
	require.NoError(t, g.AddTask(task))
	require.NoError(t, g.SetCompleted(task.ID,
		result.New(map[string]any{"out": "original"}, result.TypeJSON, task.ID)))

	snap := g.Snapshot()
	snap.Tasks[0].Params["config"].(map[string]any)["key"] = "mutated"
	snap.Tasks[0].Result.(map[string]any)["out"] = "mutated"

	live, _ := g.Task(task.ID)
	assert.Equal(t, "original", live.Params["config"].(map[string]any)["key"])
	assert.Equal(t, "original", live.Result.Value.(map[string]any)["out"])
}

// =============================================================================
// Errors
// =============================================================================

func TestTaskError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	te := NewTaskError("t1", "http_get", KindAction, 3, cause)

	assert.Contains(t, te.Error(), "t1")
	assert.Contains(t, te.Error(), "http_get")
	assert.Contains(t, te.Error(), "3 attempts")
	assert.Contains(t, te.Error(), "connection refused")
	assert.ErrorIs(t, te, cause)
}
