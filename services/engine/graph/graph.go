// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskweave-ai/taskweave/services/engine/result"
)

// Graph is the task DAG.
//
// Description:
//
//	Graph owns the id→Task arena and the map of published results. It is
//	the sole mutator of task status during execution: every transition
//	goes through a setter that holds the graph mutex, so status and
//	result publication are one critical section.
//
// Thread Safety:
//
//	Safe for concurrent use. Construction (AddTask) is expected to happen
//	in a single goroutine before execution begins.
type Graph struct {
	mu sync.RWMutex

	name    string
	tasks   map[string]*Task
	order   []string
	results map[string]*result.TypedResult
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		name:    name,
		tasks:   make(map[string]*Task),
		order:   make([]string, 0),
		results: make(map[string]*result.TypedResult),
	}
}

// Name returns the graph's name.
func (g *Graph) Name() string {
	return g.name
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// AddTask inserts a task.
//
// Outputs:
//
//	error - ErrNilTask, ErrDuplicateTask, or ErrUnknownDependency when
//	        depends_on names an id that is not already in the graph.
func (g *Graph) AddTask(t *Task) error {
	if t == nil {
		return ErrNilTask
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[t.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
	}
	for _, dep := range t.DependsOn {
		if _, exists := g.tasks[dep]; !exists {
			return fmt.Errorf("%w: task %q depends on %q", ErrUnknownDependency, t.ID, dep)
		}
	}

	t.seq = len(g.order)
	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	return nil
}

// AddTasks inserts a batch of tasks whose dependencies may reference each
// other in any order. Dependencies must resolve within the union of the
// graph and the batch; cyclic batches are accepted here and reported by
// Validate.
func (g *Graph) AddTasks(tasks ...*Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	batch := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t == nil {
			return ErrNilTask
		}
		if _, exists := g.tasks[t.ID]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
		}
		if _, dup := batch[t.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
		}
		batch[t.ID] = struct{}{}
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, exists := g.tasks[dep]; exists {
				continue
			}
			if _, inBatch := batch[dep]; !inBatch {
				return fmt.Errorf("%w: task %q depends on %q", ErrUnknownDependency, t.ID, dep)
			}
		}
	}
	for _, t := range tasks {
		t.seq = len(g.order)
		g.tasks[t.ID] = t
		g.order = append(g.order, t.ID)
	}
	return nil
}

// Task returns a task by id.
func (g *Graph) Task(id string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	return t, ok
}

// Tasks returns all tasks in insertion order.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// Dependents returns the ids of tasks that depend (directly) on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, tid := range g.order {
		for _, dep := range g.tasks[tid].DependsOn {
			if dep == id {
				out = append(out, tid)
				break
			}
		}
	}
	return out
}

// Validate runs cycle detection over the dependency relation.
//
// Description:
//
//	Depth-first traversal with a visiting/visited color marker, O(V+E).
//	Must be called — and pass — before any execution begins.
//
// Outputs:
//
//	error - *CycleError naming the offending cycle, or ErrEmptyGraph.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.tasks) == 0 {
		return ErrEmptyGraph
	}
	return g.validateLocked()
}

// TopologicalSort returns a total order consistent with depends_on.
//
// Description:
//
//	Kahn's algorithm, O(V+E). Among tasks whose dependencies are all
//	satisfied, ties break by descending priority, then insertion order,
//	so the result is deterministic.
//
// Outputs:
//
//	[]*Task - The order.
//	error - *CycleError if the graph is cyclic (unprocessed remainder).
func (g *Graph) TopologicalSort() ([]*Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.tasks))
	for _, id := range g.order {
		indegree[id] = len(g.tasks[id].DependsOn)
	}

	ready := make([]*Task, 0)
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, g.tasks[id])
		}
	}

	dependents := g.dependentIndexLocked()
	out := make([]*Task, 0, len(g.tasks))

	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool {
			if ready[i].Priority != ready[j].Priority {
				return ready[i].Priority > ready[j].Priority
			}
			return ready[i].seq < ready[j].seq
		})
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)

		for _, depID := range dependents[next.ID] {
			indegree[depID]--
			if indegree[depID] == 0 {
				ready = append(ready, g.tasks[depID])
			}
		}
	}

	if len(out) != len(g.tasks) {
		// The unprocessed remainder contains a cycle; report it precisely.
		if err := g.validateLocked(); err != nil {
			return nil, err
		}
		return nil, &CycleError{Path: nil}
	}
	return out, nil
}

// validateLocked runs DFS cycle detection. Caller holds the lock.
func (g *Graph) validateLocked() error {
	color := make(map[string]int, len(g.tasks))
	var path []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = 1
		path = append(path, id)
		for _, dep := range g.tasks[id].DependsOn {
			switch color[dep] {
			case 0:
				if err := visit(dep); err != nil {
					return err
				}
			case 1:
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				return &CycleError{Path: append(append([]string{}, path[start:]...), dep)}
			}
		}
		path = path[:len(path)-1]
		color[id] = 2
		return nil
	}
	for _, id := range g.order {
		if color[id] == 0 {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParallelLevels partitions tasks into dependency levels.
//
// Description:
//
//	Level k contains exactly the tasks whose dependencies are all in
//	levels < k. Every task lands in exactly one level; tasks within a
//	level have no edges between them. This is the structure the parallel
//	executor strategy seeds concurrent work from.
//
// Outputs:
//
//	[][]*Task - The ordered levels.
//	error - *CycleError if some tasks can never be placed.
func (g *Graph) ParallelLevels() ([][]*Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	placed := make(map[string]bool, len(g.tasks))
	var levels [][]*Task

	for len(placed) < len(g.tasks) {
		var level []*Task
		for _, id := range g.order {
			if placed[id] {
				continue
			}
			eligible := true
			for _, dep := range g.tasks[id].DependsOn {
				if !placed[dep] {
					eligible = false
					break
				}
			}
			if eligible {
				level = append(level, g.tasks[id])
			}
		}
		if len(level) == 0 {
			if err := g.validateLocked(); err != nil {
				return nil, err
			}
			return nil, &CycleError{Path: nil}
		}
		sort.SliceStable(level, func(i, j int) bool {
			if level[i].Priority != level[j].Priority {
				return level[i].Priority > level[j].Priority
			}
			return level[i].seq < level[j].seq
		})
		for _, t := range level {
			placed[t.ID] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// dependentIndexLocked builds id → direct dependent ids. Caller holds a lock.
func (g *Graph) dependentIndexLocked() map[string][]string {
	idx := make(map[string][]string, len(g.tasks))
	for _, id := range g.order {
		for _, dep := range g.tasks[id].DependsOn {
			idx[dep] = append(idx[dep], id)
		}
	}
	return idx
}

// --- Status transitions and result publication ---

// SetStatus transitions a task's status.
func (g *Graph) SetStatus(id string, status Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	t.Status = status
	return nil
}

// MarkRunning transitions a task to RUNNING and stamps StartedAt.
func (g *Graph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	t.Status = StatusRunning
	t.StartedAt = time.Now().UTC()
	return nil
}

// SetCompleted marks a task COMPLETED and publishes its result in the
// same critical section, so readers never observe a half-written result.
func (g *Graph) SetCompleted(id string, res *result.TypedResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	if res == nil {
		return ErrResultOnNonCompleted
	}
	t.Status = StatusCompleted
	t.Result = res
	t.Err = nil
	t.EndedAt = time.Now().UTC()
	g.results[id] = res
	return nil
}

// SetFailed marks a task FAILED with its structured error.
func (g *Graph) SetFailed(id string, taskErr *TaskError) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	t.Status = StatusFailed
	t.Err = taskErr
	t.Result = nil
	t.EndedAt = time.Now().UTC()
	return nil
}

// SetTerminal marks a task SKIPPED or CANCELLED without running it.
func (g *Graph) SetTerminal(id string, status Status, taskErr *TaskError) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	t.Status = status
	t.Err = taskErr
	t.EndedAt = time.Now().UTC()
	return nil
}

// IncrementRetries bumps the task's retry counter.
func (g *Graph) IncrementRetries(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tasks[id]; ok {
		t.RetryCount++
	}
}

// Status returns a task's current status.
func (g *Graph) Status(id string) (Status, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return "", false
	}
	return t.Status, true
}

// PublishedResults returns a snapshot of the completed-results map. The
// snapshot only ever contains fully formed results of COMPLETED tasks.
func (g *Graph) PublishedResults() map[string]*result.TypedResult {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]*result.TypedResult, len(g.results))
	for id, r := range g.results {
		out[id] = r
	}
	return out
}

// Counts tallies tasks by status.
func (g *Graph) Counts() map[Status]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[Status]int)
	for _, t := range g.tasks {
		out[t.Status]++
	}
	return out
}
