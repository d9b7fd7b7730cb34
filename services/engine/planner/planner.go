// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package planner turns natural-language requests into validated task
// graphs. Three strategies are available: rule-based expansion from a
// pattern catalog, LLM decomposition with adversarial output validation,
// and a hybrid that tries rules first and falls back to the model when no
// rule matches or confidence is too low.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taskweave-ai/taskweave/services/engine/capability"
	"github.com/taskweave-ai/taskweave/services/engine/graph"
)

// Strategy selects how a request is decomposed into tasks.
type Strategy string

const (
	StrategyRuleBased Strategy = "rule_based"
	StrategyLLMBased  Strategy = "llm_based"
	StrategyHybrid    Strategy = "hybrid"
)

// Default planning limits.
const (
	DefaultMaxDecompositionDepth = 3
	DefaultConfidenceThreshold   = 0.7
	DefaultMaxPlanTokens         = 2048
)

// PlanningResult carries a validated graph plus provenance about how it
// was produced.
type PlanningResult struct {
	Graph        *graph.Graph
	Confidence   float64
	Reasoning    string
	StrategyUsed Strategy
	Duration     time.Duration
	Metadata     map[string]any
}

// Observer receives a callback after each successful planning run. Useful
// for audit trails; errors are not reported here because Plan returns them.
type Observer interface {
	OnPlanCreated(ctx context.Context, request string, res *PlanningResult)
}

// Config configures a Planner. Zero values get sensible defaults.
type Config struct {
	// Rules drives rule-based and hybrid planning. Nil means DefaultRules.
	Rules *RuleSet
	// Model drives LLM-based and hybrid planning. Nil disables those
	// strategies; rule-based planning still works.
	Model capability.Model
	// Actions is the allowlist model output is checked against. Nil skips
	// the check for rule expansions but fails LLM plans that need it.
	Actions *capability.Registry
	// MaxDecompositionDepth bounds recursive "decompose" expansion.
	MaxDecompositionDepth int
	// ConfidenceThreshold is the hybrid cutover point. A rule match below
	// it falls through to the model.
	ConfidenceThreshold float64
	// MaxPlanTokens bounds each model completion.
	MaxPlanTokens int
	Observer      Observer
	Logger        *slog.Logger
}

// Planner decomposes requests into task graphs.
//
// Thread Safety: safe for concurrent use. All mutable state lives in the
// RuleSet, which synchronizes itself.
type Planner struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Planner, applying defaults for unset config fields.
func New(cfg Config) *Planner {
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.MaxDecompositionDepth <= 0 {
		cfg.MaxDecompositionDepth = DefaultMaxDecompositionDepth
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.MaxPlanTokens <= 0 {
		cfg.MaxPlanTokens = DefaultMaxPlanTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Planner{cfg: cfg, logger: cfg.Logger}
}

// Plan decomposes the request using the given strategy. The returned graph
// is always validated: acyclic, dependencies resolved, at least one task.
func (p *Planner) Plan(ctx context.Context, request string, strategy Strategy) (*PlanningResult, error) {
	if strings.TrimSpace(request) == "" {
		return nil, ErrEmptyRequest
	}
	start := time.Now()

	var (
		res *PlanningResult
		err error
	)
	switch strategy {
	case StrategyRuleBased:
		res, err = p.planRuleBased(request)
	case StrategyLLMBased:
		res, err = p.planLLM(ctx, request)
	case StrategyHybrid, "":
		res, err = p.planHybrid(ctx, request)
	default:
		return nil, fmt.Errorf("unknown planning strategy %q", strategy)
	}
	if err != nil {
		return nil, &DecompositionError{Strategy: string(strategy), Request: request, Err: err}
	}

	if err := res.Graph.Validate(); err != nil {
		return nil, &DecompositionError{Strategy: string(res.StrategyUsed), Request: request, Err: err}
	}
	res.Duration = time.Since(start)
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["validation_passed"] = true

	p.logger.Info("plan created",
		slog.String("strategy", string(res.StrategyUsed)),
		slog.Int("tasks", res.Graph.Len()),
		slog.Float64("confidence", res.Confidence),
		slog.Duration("duration", res.Duration),
	)
	if p.cfg.Observer != nil {
		p.cfg.Observer.OnPlanCreated(ctx, request, res)
	}
	return res, nil
}

// planRuleBased expands the first matching rule into a graph.
func (p *Planner) planRuleBased(request string) (*PlanningResult, error) {
	rule, captures, ok := p.cfg.Rules.Match(request)
	if !ok {
		return nil, ErrNoRuleMatched
	}
	tasks, err := expandTemplates(rule.Tasks, captures)
	if err != nil {
		return nil, fmt.Errorf("expanding rule %q: %w", rule.Name, err)
	}
	if p.cfg.Actions != nil {
		for _, t := range tasks {
			if !p.cfg.Actions.Has(t.Action) {
				return nil, fmt.Errorf("%w: %q (rule %q)", ErrUnknownActionName, t.Action, rule.Name)
			}
		}
	}
	g, err := buildGraph(request, tasks)
	if err != nil {
		return nil, err
	}
	return &PlanningResult{
		Graph:        g,
		Confidence:   rule.Confidence,
		Reasoning:    fmt.Sprintf("matched rule %q", rule.Name),
		StrategyUsed: StrategyRuleBased,
		Metadata:     map[string]any{"rule": rule.Name},
	}, nil
}

// planLLM asks the model to decompose the request.
func (p *Planner) planLLM(ctx context.Context, request string) (*PlanningResult, error) {
	tasks, reasoning, err := p.decomposeLLM(ctx, request, 0)
	if err != nil {
		return nil, err
	}
	g, err := buildGraph(request, tasks)
	if err != nil {
		return nil, err
	}
	return &PlanningResult{
		Graph:        g,
		Confidence:   llmConfidence(tasks),
		Reasoning:    reasoning,
		StrategyUsed: StrategyLLMBased,
	}, nil
}

// planHybrid tries rules first, then falls back to the model when no rule
// matches or the match is below the confidence threshold.
func (p *Planner) planHybrid(ctx context.Context, request string) (*PlanningResult, error) {
	res, err := p.planRuleBased(request)
	switch {
	case err == nil && res.Confidence >= p.cfg.ConfidenceThreshold:
		res.StrategyUsed = StrategyHybrid
		return res, nil
	case err == nil:
		p.logger.Debug("rule match below threshold, falling back to model",
			slog.Float64("confidence", res.Confidence),
			slog.Float64("threshold", p.cfg.ConfidenceThreshold),
		)
	case !errors.Is(err, ErrNoRuleMatched):
		return nil, err
	}

	if p.cfg.Model == nil {
		if res != nil {
			// Low-confidence rule beats no plan at all.
			res.StrategyUsed = StrategyHybrid
			return res, nil
		}
		return nil, ErrNoRuleMatched
	}

	llmRes, llmErr := p.planLLM(ctx, request)
	if llmErr != nil {
		if res != nil {
			res.StrategyUsed = StrategyHybrid
			return res, nil
		}
		return nil, llmErr
	}
	llmRes.StrategyUsed = StrategyHybrid
	return llmRes, nil
}

// llmConfidence scores a model plan. Plans get full marks when every task
// is concrete; nested decompositions that survived expansion cannot occur,
// so the score only degrades with plan size as a rough uncertainty proxy.
func llmConfidence(tasks []*graph.Task) float64 {
	c := 0.95 - 0.01*float64(len(tasks))
	if c < 0.5 {
		c = 0.5
	}
	return c
}

// buildGraph assembles tasks into a named graph.
func buildGraph(request string, tasks []*graph.Task) (*graph.Graph, error) {
	if len(tasks) == 0 {
		return nil, ErrEmptyPlan
	}
	// Model plans may list a consumer before its dependency, so the batch
	// goes in as a whole; cycles surface from the Validate pass in Plan.
	g := graph.New(summarize(request))
	if err := g.AddTasks(tasks...); err != nil {
		return nil, err
	}
	return g, nil
}

// summarize trims a request into a graph name.
func summarize(request string) string {
	const max = 64
	request = strings.TrimSpace(request)
	if len(request) <= max {
		return request
	}
	return request[:max-3] + "..."
}
