// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package executor runs task graphs to completion. Four scheduling
// strategies share one dispatch path that handles reference resolution,
// retries with exponential backoff, per-action circuit breaking, and
// failure propagation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskweave-ai/taskweave/services/engine/capability"
	"github.com/taskweave-ai/taskweave/services/engine/graph"
	"github.com/taskweave-ai/taskweave/services/engine/result"
)

var (
	tracer = otel.Tracer("taskweave.executor")
	meter  = otel.Meter("taskweave.executor")
)

// Strategy selects how ready tasks are scheduled.
type Strategy string

const (
	// StrategySequential runs tasks one at a time in topological order.
	StrategySequential Strategy = "sequential"

	// StrategyParallel runs each dependency level concurrently with a
	// barrier between levels.
	StrategyParallel Strategy = "parallel"

	// StrategyAdaptive picks sequential for linear graphs and parallel
	// for graphs with wide levels.
	StrategyAdaptive Strategy = "adaptive"

	// StrategyWorkStealing runs per-worker deques with tail stealing;
	// tasks become runnable the moment their last dependency settles,
	// without level barriers.
	StrategyWorkStealing Strategy = "work_stealing"
)

// DefaultMaxWorkers bounds concurrent task execution when unset.
const DefaultMaxWorkers = 8

// Config configures an Executor. Zero values get sensible defaults.
type Config struct {
	// Strategy selects the scheduler. Default: StrategyAdaptive.
	Strategy Strategy

	// MaxWorkers bounds in-flight tasks for the concurrent strategies.
	MaxWorkers int

	// Retry controls per-task retry of transient failures.
	Retry RetryConfig

	// Breaker controls the per-action circuit breakers.
	Breaker CircuitBreakerConfig

	// Sink receives lifecycle events. Nil means no events. Wrap slow
	// sinks with NewAsyncSink.
	Sink TraceSink

	// CascadeSkip widens failure propagation: a failed task skips ALL
	// dependents, not just those whose params reference its result.
	CascadeSkip bool

	Logger *slog.Logger
}

// ExecutionResult summarizes a run. It is always fully populated, even
// when the run was aborted partway.
type ExecutionResult struct {
	Success   bool
	Completed int
	Failed    int
	Skipped   int
	Cancelled int
	Duration  time.Duration

	// Errors maps task id to its structured error for every task that
	// did not complete.
	Errors map[string]*graph.TaskError
}

// Executor runs task graphs with retries, circuit breaking, and
// observability.
//
// Description:
//
//	Executor resolves each task's parameter references against published
//	upstream results, invokes the action with a per-task timeout, retries
//	transient failures with jittered exponential backoff, and checks a
//	per-action circuit breaker before every attempt. A critical task
//	failing terminally cancels the rest of the run.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Multiple graphs can run
//	concurrently on the same Executor; circuit breakers are shared
//	across runs so repeated action failures are visible everywhere.
type Executor struct {
	registry *capability.Registry
	cfg      Config
	logger   *slog.Logger
	breakers *breakerSet
	sink     TraceSink

	// Metrics (initialized lazily)
	metricsOnce   sync.Once
	taskLatency   metric.Float64Histogram
	taskSuccesses metric.Int64Counter
	taskFailures  metric.Int64Counter
	activeTasks   metric.Int64UpDownCounter
	runLatency    metric.Float64Histogram
}

// New creates an executor over the given action registry.
//
// Inputs:
//
//	registry - Actions the graphs will invoke. Must not be nil.
//	cfg - Executor configuration. Zero values get defaults.
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - Non-nil if the registry is nil or the config is invalid.
func New(registry *capability.Registry, cfg Config) (*Executor, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyAdaptive
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Breaker == (CircuitBreakerConfig{}) {
		cfg.Breaker = DefaultCircuitBreakerConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	return &Executor{
		registry: registry,
		cfg:      cfg,
		logger:   cfg.Logger,
		breakers: newBreakerSet(cfg.Breaker),
		sink:     sink,
	}, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.taskLatency, err = meter.Float64Histogram("engine_task_duration_seconds",
			metric.WithDescription("Time spent executing each task"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_latency: "+err.Error())
		}

		e.taskSuccesses, err = meter.Int64Counter("engine_task_success_total",
			metric.WithDescription("Number of successful task executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_successes: "+err.Error())
		}

		e.taskFailures, err = meter.Int64Counter("engine_task_failure_total",
			metric.WithDescription("Number of failed task executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_failures: "+err.Error())
		}

		e.activeTasks, err = meter.Int64UpDownCounter("engine_active_tasks",
			metric.WithDescription("Number of currently executing tasks"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_tasks: "+err.Error())
		}

		e.runLatency, err = meter.Float64Histogram("engine_run_duration_seconds",
			metric.WithDescription("Total graph execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some executor metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// run carries the shared state of one graph execution.
type run struct {
	graph     *graph.Graph
	sessionID string

	// abort cancels the run context after a critical task failure.
	abort   context.CancelFunc
	aborted chan struct{}
	once    sync.Once
}

// triggerAbort cancels the run exactly once.
func (r *run) triggerAbort() {
	r.once.Do(func() {
		close(r.aborted)
		r.abort()
	})
}

// isAborted reports whether a critical failure cancelled the run.
func (r *run) isAborted() bool {
	select {
	case <-r.aborted:
		return true
	default:
		return false
	}
}

// Run executes the graph to a terminal state.
//
// Description:
//
//	Validates the graph, then schedules every task according to the
//	configured strategy. Returns a fully populated ExecutionResult even
//	when tasks failed or the run was aborted; the error return is
//	reserved for setup problems (nil or invalid graph) and parent
//	context cancellation.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	g - The validated task graph to run.
//
// Outputs:
//
//	*ExecutionResult - Counts, duration, and per-task errors.
//	error - Non-nil on setup failure or parent cancellation.
func (e *Executor) Run(ctx context.Context, g *graph.Graph) (*ExecutionResult, error) {
	if ctx == nil {
		return nil, errors.New("context must not be nil")
	}
	if g == nil {
		return nil, ErrNilGraph
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	e.initMetrics()

	ctx, span := tracer.Start(ctx, "engine.Run",
		trace.WithAttributes(
			attribute.String("graph.name", g.Name()),
			attribute.Int("graph.task_count", g.Len()),
			attribute.String("executor.strategy", string(e.cfg.Strategy)),
		),
	)
	defer span.End()

	start := time.Now()
	sessionID := uuid.NewString()[:12]

	e.logger.Info("run started",
		slog.String("graph", g.Name()),
		slog.String("session_id", sessionID),
		slog.String("strategy", string(e.cfg.Strategy)),
		slog.Int("tasks", g.Len()),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := &run{
		graph:     g,
		sessionID: sessionID,
		abort:     cancel,
		aborted:   make(chan struct{}),
	}

	var err error
	switch e.cfg.Strategy {
	case StrategySequential:
		err = e.runSequential(runCtx, r)
	case StrategyParallel:
		err = e.runParallel(runCtx, r)
	case StrategyAdaptive:
		err = e.runAdaptive(runCtx, r)
	case StrategyWorkStealing:
		err = e.runWorkStealing(runCtx, r)
	default:
		return nil, fmt.Errorf("unknown strategy %q", e.cfg.Strategy)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	duration := time.Since(start)
	if e.runLatency != nil {
		e.runLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("graph", g.Name())),
		)
	}

	res := e.buildResult(g, duration)
	e.sink.OnExecutionFinished(res)

	if res.Success {
		span.SetStatus(codes.Ok, "")
		e.logger.Info("run completed",
			slog.String("session_id", sessionID),
			slog.Duration("duration", duration),
			slog.Int("completed", res.Completed),
		)
	} else {
		span.SetStatus(codes.Error, "run finished with failures")
		e.logger.Error("run finished with failures",
			slog.String("session_id", sessionID),
			slog.Duration("duration", duration),
			slog.Int("failed", res.Failed),
			slog.Int("skipped", res.Skipped),
			slog.Int("cancelled", res.Cancelled),
		)
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !r.isAborted() {
		return res, ctxErr
	}
	return res, nil
}

// buildResult tallies the terminal graph into an ExecutionResult.
func (e *Executor) buildResult(g *graph.Graph, duration time.Duration) *ExecutionResult {
	counts := g.Counts()
	res := &ExecutionResult{
		Completed: counts[graph.StatusCompleted],
		Failed:    counts[graph.StatusFailed],
		Skipped:   counts[graph.StatusSkipped],
		Cancelled: counts[graph.StatusCancelled],
		Duration:  duration,
		Errors:    make(map[string]*graph.TaskError),
	}
	res.Success = res.Completed == g.Len()
	for _, t := range g.Tasks() {
		if t.Err != nil {
			res.Errors[t.ID] = t.Err
		}
	}
	return res
}

// dispatch runs one task to a terminal state. Callers guarantee every
// dependency is already terminal. Returns the task's final status.
func (e *Executor) dispatch(ctx context.Context, r *run, t *graph.Task) graph.Status {
	g := r.graph

	// A cancelled run settles queued tasks without invoking them.
	if r.isAborted() || ctx.Err() != nil {
		taskErr := graph.NewTaskError(t.ID, t.Action, graph.KindCancelled, 0, ErrRunAborted)
		g.SetTerminal(t.ID, graph.StatusCancelled, taskErr)
		e.sink.OnTaskFailed(t, taskErr)
		return graph.StatusCancelled
	}

	// Failure propagation: skip when an upstream this task consumes did
	// not complete. Ordering-only dependencies still allow the task to
	// run unless CascadeSkip widens the rule.
	if skipErr := e.gate(g, t); skipErr != nil {
		g.SetTerminal(t.ID, graph.StatusSkipped, skipErr)
		e.sink.OnTaskFailed(t, skipErr)
		e.logger.Debug("task skipped",
			slog.String("task", t.Name),
			slog.String("session_id", r.sessionID),
			slog.String("reason", skipErr.Error()),
		)
		return graph.StatusSkipped
	}

	params, err := resolveParams(t, g.PublishedResults())
	if err != nil {
		taskErr := graph.NewTaskError(t.ID, t.Action, graph.KindResolution, 0, err)
		g.SetFailed(t.ID, taskErr)
		e.sink.OnTaskFailed(t, taskErr)
		return e.settleFailure(r, t, taskErr)
	}

	ctx, span := tracer.Start(ctx, "engine.Task",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.name", t.Name),
			attribute.String("task.action", t.Action),
			attribute.String("session_id", r.sessionID),
		),
	)
	defer span.End()

	if e.activeTasks != nil {
		e.activeTasks.Add(ctx, 1)
		defer e.activeTasks.Add(ctx, -1)
	}

	g.MarkRunning(t.ID)
	e.sink.OnTaskStart(t)
	e.logger.Debug("task starting",
		slog.String("task", t.Name),
		slog.String("action", t.Action),
		slog.String("session_id", r.sessionID),
	)

	retryCfg := e.cfg.Retry
	switch {
	case t.MaxRetries > 0:
		retryCfg.MaxAttempts = t.MaxRetries + 1
	case t.MaxRetries < 0:
		// Explicitly no retries: the single attempt stands.
		retryCfg.MaxAttempts = 1
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = graph.DefaultTaskTimeout
	}

	var out any
	start := time.Now()
	retryRes, err := retryWithBreaker(ctx, e.breakers.get(t.Action), retryCfg,
		func(ctx context.Context, attempt int) error {
			if attempt > 1 {
				g.IncrementRetries(t.ID)
			}
			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			var invokeErr error
			out, invokeErr = e.registry.Invoke(attemptCtx, t.Action, params)
			if invokeErr != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				// Timeouts are worth retrying; mark them transient.
				return capability.Transient(invokeErr)
			}
			return invokeErr
		})
	duration := time.Since(start)

	if e.taskLatency != nil {
		e.taskLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("action", t.Action)),
		)
	}

	if err != nil {
		taskErr := classifyFailure(t, retryRes.Attempts, err)
		if taskErr.Kind == graph.KindCancelled {
			g.SetTerminal(t.ID, graph.StatusCancelled, taskErr)
		} else {
			g.SetFailed(t.ID, taskErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.taskFailures != nil {
			e.taskFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("action", t.Action)),
			)
		}
		e.sink.OnTaskFailed(t, taskErr)
		e.logger.Warn("task failed",
			slog.String("task", t.Name),
			slog.String("action", t.Action),
			slog.String("session_id", r.sessionID),
			slog.String("kind", string(taskErr.Kind)),
			slog.Int("attempts", retryRes.Attempts),
			slog.String("error", err.Error()),
		)
		return e.settleFailure(r, t, taskErr)
	}

	typed := result.Infer(out, t.ID)
	g.SetCompleted(t.ID, typed)
	span.SetStatus(codes.Ok, "")
	if e.taskSuccesses != nil {
		e.taskSuccesses.Add(ctx, 1,
			metric.WithAttributes(attribute.String("action", t.Action)),
		)
	}
	e.sink.OnTaskComplete(t, typed)
	e.logger.Debug("task completed",
		slog.String("task", t.Name),
		slog.String("session_id", r.sessionID),
		slog.Duration("duration", duration),
		slog.Int("attempts", retryRes.Attempts),
	)
	return graph.StatusCompleted
}

// settleFailure handles post-failure propagation: a critical task failing
// terminally cancels the whole run.
func (e *Executor) settleFailure(r *run, t *graph.Task, taskErr *graph.TaskError) graph.Status {
	if t.Priority == graph.PriorityCritical && taskErr.Kind != graph.KindCancelled {
		e.logger.Error("critical task failed, aborting run",
			slog.String("task", t.Name),
			slog.String("session_id", r.sessionID),
		)
		r.triggerAbort()
	}
	status, _ := r.graph.Status(t.ID)
	return status
}

// gate decides whether a task must be skipped because of upstream
// outcomes. Returns nil when the task may run.
func (e *Executor) gate(g *graph.Graph, t *graph.Task) *graph.TaskError {
	for _, dep := range t.DependsOn {
		status, ok := g.Status(dep)
		if !ok {
			continue
		}
		if status == graph.StatusCompleted {
			continue
		}
		if e.cfg.CascadeSkip || t.ReferencesTask(dep) {
			return graph.NewTaskError(t.ID, t.Action, graph.KindSkipped, 0,
				fmt.Errorf("upstream task %s is %s", dep, status))
		}
	}
	return nil
}

// classifyFailure builds the structured task error for a failed dispatch.
func classifyFailure(t *graph.Task, attempts int, err error) *graph.TaskError {
	kind := graph.KindAction
	switch {
	case errors.Is(err, ErrCircuitOpen):
		kind = graph.KindCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		kind = graph.KindTimeout
	case errors.Is(err, context.Canceled):
		kind = graph.KindCancelled
	}
	return graph.NewTaskError(t.ID, t.Action, kind, attempts, err)
}

// resolveParams replaces every Reference in the task's params with the
// value it resolves to, recursing into nested maps and slices.
func resolveParams(t *graph.Task, published map[string]*result.TypedResult) (map[string]any, error) {
	if len(t.Params) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(t.Params))
	for k, v := range t.Params {
		resolved, err := resolveValue(v, published)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v any, published map[string]*result.TypedResult) (any, error) {
	switch tv := v.(type) {
	case result.Reference:
		return tv.Resolve(published)
	case *result.Reference:
		if tv == nil {
			return nil, nil
		}
		return tv.Resolve(published)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, elem := range tv {
			resolved, err := resolveValue(elem, published)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, elem := range tv {
			resolved, err := resolveValue(elem, published)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
