// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine ties the orchestration pipeline together: a request is
// planned into a task graph, executed, and the completed tasks verified.
// Hosts that need finer control use the subpackages directly; this facade
// covers the common request-to-result path.
package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/taskweave-ai/taskweave/services/engine/capability"
	"github.com/taskweave-ai/taskweave/services/engine/executor"
	"github.com/taskweave-ai/taskweave/services/engine/plan"
	"github.com/taskweave-ai/taskweave/services/engine/planner"
	"github.com/taskweave-ai/taskweave/services/engine/verifier"
)

// Options configures a new Engine. Zero values get sensible defaults.
type Options struct {
	// Registry holds the actions plans may invoke. Nil creates an empty
	// registry with the plan builtins installed.
	Registry *capability.Registry

	// Planner configures request decomposition.
	Planner planner.Config

	// Executor configures graph execution.
	Executor executor.Config

	// VerificationLevel applies to every completed task after a run.
	// Empty disables verification.
	VerificationLevel verifier.Level

	Logger *slog.Logger
}

// RunResult bundles the artifacts of one request: the plan that was
// produced, the execution outcome, and the per-task verification results.
type RunResult struct {
	Plan          *planner.PlanningResult
	Execution     *executor.ExecutionResult
	Verifications []*verifier.VerificationResult
}

// Engine is the orchestration facade.
//
// Thread Safety: safe for concurrent use; concurrent Run calls share the
// registry and the executor's circuit breakers.
type Engine struct {
	Registry *capability.Registry
	Planner  *planner.Planner
	Executor *executor.Executor
	Verifier *verifier.Verifier

	level  verifier.Level
	logger *slog.Logger
}

// New assembles an engine from options.
func New(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = capability.NewRegistry()
	}
	if !reg.Has(plan.ActionAggregate) {
		if err := plan.RegisterBuiltins(reg); err != nil {
			return nil, err
		}
	}

	if opts.Planner.Actions == nil {
		opts.Planner.Actions = reg
	}
	if opts.Planner.Logger == nil {
		opts.Planner.Logger = opts.Logger
	}
	if opts.Executor.Logger == nil {
		opts.Executor.Logger = opts.Logger
	}

	exec, err := executor.New(reg, opts.Executor)
	if err != nil {
		return nil, err
	}

	return &Engine{
		Registry: reg,
		Planner:  planner.New(opts.Planner),
		Executor: exec,
		Verifier: verifier.New(opts.Logger),
		level:    opts.VerificationLevel,
		logger:   opts.Logger,
	}, nil
}

// Run plans the request with the given strategy, executes the resulting
// graph, and verifies every completed task.
//
// The RunResult is partial on error: a planning failure returns a nil
// result, while an execution setup failure still carries the plan.
func (e *Engine) Run(ctx context.Context, request string, strategy planner.Strategy) (*RunResult, error) {
	planRes, err := e.Planner.Plan(ctx, request, strategy)
	if err != nil {
		return nil, err
	}
	out := &RunResult{Plan: planRes}

	execRes, err := e.Executor.Run(ctx, planRes.Graph)
	if err != nil {
		return out, err
	}
	out.Execution = execRes

	if e.level != "" {
		out.Verifications = e.Verifier.VerifyGraph(planRes.Graph, e.level)
	}
	return out, nil
}

// RunPlan executes a pre-built orchestration plan, bypassing the planner.
func (e *Engine) RunPlan(ctx context.Context, p *plan.OrchestrationPlan) (*RunResult, error) {
	if p == nil {
		return nil, errors.New("plan must not be nil")
	}
	g, err := p.Compile()
	if err != nil {
		return nil, err
	}
	out := &RunResult{}

	execRes, err := e.Executor.Run(ctx, g)
	if err != nil {
		return out, err
	}
	out.Execution = execRes

	if e.level != "" {
		out.Verifications = e.Verifier.VerifyGraph(g, e.level)
	}
	return out, nil
}
