// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// runSequential dispatches tasks one at a time in topological order.
// Higher-priority tasks within a tie group go first.
func (e *Executor) runSequential(ctx context.Context, r *run) error {
	order, err := r.graph.TopologicalSort()
	if err != nil {
		return err
	}
	for _, t := range order {
		e.dispatch(ctx, r, t)
	}
	return nil
}

// runParallel dispatches each dependency level concurrently, bounded by
// MaxWorkers, with a barrier between levels. Every task in level N is
// terminal before level N+1 starts, so dispatch never sees a pending
// dependency.
func (e *Executor) runParallel(ctx context.Context, r *run) error {
	levels, err := r.graph.ParallelLevels()
	if err != nil {
		return err
	}
	for _, level := range levels {
		// The group is a bounded waitgroup here: dispatch settles every
		// failure into the graph and never returns an error, so one
		// failed task cannot cancel its level peers.
		eg := new(errgroup.Group)
		eg.SetLimit(e.cfg.MaxWorkers)
		for _, t := range level {
			t := t
			eg.Go(func() error {
				e.dispatch(ctx, r, t)
				return nil
			})
		}
		eg.Wait()
	}
	return nil
}

// runAdaptive inspects the graph shape: a linear graph (every level holds
// one task) gains nothing from goroutines, so it runs sequentially;
// anything wider runs with the parallel scheduler.
func (e *Executor) runAdaptive(ctx context.Context, r *run) error {
	levels, err := r.graph.ParallelLevels()
	if err != nil {
		return err
	}
	for _, level := range levels {
		if len(level) > 1 {
			return e.runParallel(ctx, r)
		}
	}
	return e.runSequential(ctx, r)
}
