// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskweave-ai/taskweave/services/engine/graph"
)

// Work-stealing tuning knobs.
const (
	// localDequeCap bounds a worker's local deque; pushes beyond it
	// spill to the shared overflow queue.
	localDequeCap = 64

	// idleBackoff is the base sleep for a worker that found no work.
	idleBackoff = 500 * time.Microsecond
)

// wsDeque is a double-ended task queue. The owning worker pops from the
// head (LIFO, cache-friendly); thieves steal from the tail.
//
// Thread Safety: Safe for concurrent use.
type wsDeque struct {
	mu    sync.Mutex
	items []*graph.Task
}

func (d *wsDeque) push(t *graph.Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) >= localDequeCap {
		return false
	}
	d.items = append(d.items, t)
	return true
}

// popHead removes the most recently pushed task (owner side).
func (d *wsDeque) popHead() *graph.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return nil
	}
	t := d.items[n-1]
	d.items[n-1] = nil
	d.items = d.items[:n-1]
	return t
}

// popTail removes the oldest task (thief side).
func (d *wsDeque) popTail() *graph.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil
	}
	t := d.items[0]
	d.items[0] = nil
	d.items = d.items[1:]
	return t
}

func (d *wsDeque) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// wsScheduler coordinates the work-stealing run: per-worker deques, a
// shared overflow queue, and one atomic remaining-dependency counter per
// task. A task becomes runnable the moment its counter hits zero; there
// are no level barriers.
type wsScheduler struct {
	exec     *Executor
	run      *run
	deques   []*wsDeque
	overflow *wsDeque

	remaining map[string]*atomic.Int32
	pending   atomic.Int64
	done      chan struct{}
}

// runWorkStealing executes the graph with MaxWorkers stealing workers.
func (e *Executor) runWorkStealing(ctx context.Context, r *run) error {
	tasks := r.graph.Tasks()
	workers := e.cfg.MaxWorkers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	if workers < 1 {
		workers = 1
	}

	s := &wsScheduler{
		exec:      e,
		run:       r,
		deques:    make([]*wsDeque, workers),
		overflow:  &wsDeque{items: make([]*graph.Task, 0, len(tasks))},
		remaining: make(map[string]*atomic.Int32, len(tasks)),
		done:      make(chan struct{}),
	}
	for i := range s.deques {
		s.deques[i] = &wsDeque{}
	}
	s.pending.Store(int64(len(tasks)))

	for _, t := range tasks {
		c := new(atomic.Int32)
		c.Store(int32(len(t.DependsOn)))
		s.remaining[t.ID] = c
	}

	// Seed roots round-robin so workers start with disjoint work.
	i := 0
	for _, t := range tasks {
		if len(t.DependsOn) == 0 {
			s.pushReady(t, i%workers)
			i++
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(self int) {
			defer wg.Done()
			s.worker(ctx, self)
		}(w)
	}
	wg.Wait()
	return nil
}

// pushReady queues a runnable task, preferring the least-loaded deque near
// the given worker; a full deque spills to the shared overflow.
func (s *wsScheduler) pushReady(t *graph.Task, near int) {
	target := near % len(s.deques)
	best := s.deques[target].size()
	for i, d := range s.deques {
		if sz := d.size(); sz < best {
			best = sz
			target = i
		}
	}
	if !s.deques[target].push(t) {
		s.overflow.mu.Lock()
		s.overflow.items = append(s.overflow.items, t)
		s.overflow.mu.Unlock()
	}
}

// worker loops until every task is terminal: own deque first, then the
// overflow queue, then stealing from the tail of a random peer. Idle
// workers back off briefly instead of spinning.
func (s *wsScheduler) worker(ctx context.Context, self int) {
	backoff := idleBackoff
	for {
		t := s.deques[self].popHead()
		if t == nil {
			t = s.overflow.popTail()
		}
		if t == nil {
			t = s.steal(self)
		}
		if t == nil {
			select {
			case <-s.done:
				return
			case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff)))):
			}
			if backoff < 8*idleBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = idleBackoff

		s.exec.dispatch(ctx, s.run, t)
		s.settle(t, self)
	}
}

// steal takes a task from a random peer's tail, sweeping all peers once.
func (s *wsScheduler) steal(self int) *graph.Task {
	n := len(s.deques)
	if n == 1 {
		return nil
	}
	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		victim := (start + i) % n
		if victim == self {
			continue
		}
		if t := s.deques[victim].popTail(); t != nil {
			return t
		}
	}
	return nil
}

// settle decrements every dependent's counter after a task turns terminal
// and enqueues the ones that just became runnable. The counter decrements
// regardless of outcome; dispatch's gate decides skip versus run.
func (s *wsScheduler) settle(t *graph.Task, self int) {
	for _, depID := range s.run.graph.Dependents(t.ID) {
		if c, ok := s.remaining[depID]; ok && c.Add(-1) == 0 {
			if dep, ok := s.run.graph.Task(depID); ok {
				s.pushReady(dep, self)
			}
		}
	}
	if s.pending.Add(-1) == 0 {
		close(s.done)
	}
}
