// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"log/slog"
	"sync"

	"github.com/taskweave-ai/taskweave/services/engine/graph"
	"github.com/taskweave-ai/taskweave/services/engine/result"
)

// TraceSink receives execution lifecycle events. Implementations must be
// safe for concurrent use; slow sinks should be wrapped with NewAsyncSink
// so they cannot stall scheduling.
type TraceSink interface {
	// OnTaskStart fires when a task transitions to running.
	OnTaskStart(task *graph.Task)

	// OnTaskComplete fires when a task completes with a published result.
	OnTaskComplete(task *graph.Task, res *result.TypedResult)

	// OnTaskFailed fires on any unsuccessful terminal transition:
	// failed, skipped, or cancelled.
	OnTaskFailed(task *graph.Task, taskErr *graph.TaskError)

	// OnExecutionFinished fires once per run with the final counts.
	OnExecutionFinished(res *ExecutionResult)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) OnTaskStart(*graph.Task)                         {}
func (NopSink) OnTaskComplete(*graph.Task, *result.TypedResult) {}
func (NopSink) OnTaskFailed(*graph.Task, *graph.TaskError)      {}
func (NopSink) OnExecutionFinished(*ExecutionResult)            {}

// sinkEvent is one queued callback for the async wrapper.
type sinkEvent struct {
	task    *graph.Task
	res     *result.TypedResult
	taskErr *graph.TaskError
	final   *ExecutionResult
	kind    sinkEventKind
}

type sinkEventKind int

const (
	eventTaskStart sinkEventKind = iota
	eventTaskComplete
	eventTaskFailed
	eventExecutionFinished
)

// AsyncSink decouples event delivery from scheduling through a bounded
// queue. When the queue is full events are dropped and counted rather
// than blocking the caller.
//
// Thread Safety: Safe for concurrent use. Call Close to drain and stop
// the delivery goroutine.
type AsyncSink struct {
	inner  TraceSink
	queue  chan sinkEvent
	logger *slog.Logger

	mu      sync.Mutex
	dropped int64
	closed  bool
	done    chan struct{}
}

// DefaultSinkQueueSize bounds the async event queue.
const DefaultSinkQueueSize = 256

// NewAsyncSink wraps a sink with a bounded delivery queue. A queueSize
// of zero or less uses DefaultSinkQueueSize.
func NewAsyncSink(inner TraceSink, queueSize int, logger *slog.Logger) *AsyncSink {
	if queueSize <= 0 {
		queueSize = DefaultSinkQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &AsyncSink{
		inner:  inner,
		queue:  make(chan sinkEvent, queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.deliver()
	return s
}

func (s *AsyncSink) deliver() {
	defer close(s.done)
	for ev := range s.queue {
		switch ev.kind {
		case eventTaskStart:
			s.inner.OnTaskStart(ev.task)
		case eventTaskComplete:
			s.inner.OnTaskComplete(ev.task, ev.res)
		case eventTaskFailed:
			s.inner.OnTaskFailed(ev.task, ev.taskErr)
		case eventExecutionFinished:
			s.inner.OnExecutionFinished(ev.final)
		}
	}
}

// enqueue offers an event without blocking; full queue drops it.
func (s *AsyncSink) enqueue(ev sinkEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.queue <- ev:
		s.mu.Unlock()
	default:
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		if dropped%100 == 1 {
			s.logger.Warn("trace sink queue full, dropping events",
				slog.Int64("dropped_total", dropped),
			)
		}
	}
}

func (s *AsyncSink) OnTaskStart(task *graph.Task) {
	s.enqueue(sinkEvent{kind: eventTaskStart, task: task})
}

func (s *AsyncSink) OnTaskComplete(task *graph.Task, res *result.TypedResult) {
	s.enqueue(sinkEvent{kind: eventTaskComplete, task: task, res: res})
}

func (s *AsyncSink) OnTaskFailed(task *graph.Task, taskErr *graph.TaskError) {
	s.enqueue(sinkEvent{kind: eventTaskFailed, task: task, taskErr: taskErr})
}

func (s *AsyncSink) OnExecutionFinished(res *ExecutionResult) {
	s.enqueue(sinkEvent{kind: eventExecutionFinished, final: res})
}

// Dropped reports how many events were discarded due to a full queue.
func (s *AsyncSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close drains queued events and stops delivery. Events enqueued after
// Close are discarded.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.queue)
	<-s.done
}
