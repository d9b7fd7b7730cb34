// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package plan offers a fluent builder for fan-in pipelines: parallel
// source tasks feeding an aggregation step, optional transforms, and an
// optional finalizer. Compile produces the same validated task graph the
// planner emits, so compiled plans run on any executor strategy.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/taskweave-ai/taskweave/services/engine/graph"
	"github.com/taskweave-ai/taskweave/services/engine/result"
)

var (
	// ErrNoSources means the plan declares no source tasks.
	ErrNoSources = errors.New("plan must declare at least one source")

	// ErrDuplicateStep means two steps share a name.
	ErrDuplicateStep = errors.New("duplicate step name")

	// ErrUnknownInput means a transform names an input step that does
	// not exist.
	ErrUnknownInput = errors.New("unknown input source")
)

// sourceStep is one fan-out task.
type sourceStep struct {
	name   string
	action string
	params map[string]any
}

// aggregateStep fans the sources (or a named subset) into one result.
type aggregateStep struct {
	strategy result.Strategy
	conflict result.ConflictResolution
	keyMap   map[string]string
	inputs   []string // source names; empty means all sources
}

// transformStep converts one upstream step's output.
type transformStep struct {
	name   string
	kind   result.TransformerKind
	input  string // upstream step name
	config map[string]any
}

// finalStep runs a caller action on the pipeline's terminal output.
type finalStep struct {
	action string
	params map[string]any
}

// OrchestrationPlan accumulates pipeline steps. Builder methods return the
// receiver for chaining; errors are collected and surfaced by Validate and
// Compile rather than panicking mid-chain.
//
// Thread Safety: not safe for concurrent mutation; build on one goroutine.
type OrchestrationPlan struct {
	name       string
	sources    []sourceStep
	aggregate  *aggregateStep
	transforms []transformStep
	final      *finalStep
	errs       []error
}

// New starts an empty plan.
func New(name string) *OrchestrationPlan {
	return &OrchestrationPlan{name: name}
}

// AddSource declares one fan-out task. Sources run in parallel; their
// outputs feed the Aggregate step in declaration order.
func (p *OrchestrationPlan) AddSource(name, action string, params map[string]any) *OrchestrationPlan {
	if name == "" || action == "" {
		p.errs = append(p.errs, fmt.Errorf("source needs a name and an action"))
		return p
	}
	p.sources = append(p.sources, sourceStep{name: name, action: action, params: params})
	return p
}

// AggregateOption customizes the aggregation step.
type AggregateOption func(*aggregateStep)

// WithConflict sets the key-collision policy for dict merging.
func WithConflict(c result.ConflictResolution) AggregateOption {
	return func(a *aggregateStep) { a.conflict = c }
}

// WithOutputKeyMapping renames top-level keys in the aggregated value.
func WithOutputKeyMapping(m map[string]string) AggregateOption {
	return func(a *aggregateStep) { a.keyMap = m }
}

// WithInputs restricts aggregation to the named sources instead of all.
func WithInputs(names ...string) AggregateOption {
	return func(a *aggregateStep) { a.inputs = names }
}

// Aggregate declares the fan-in step. At most one per plan; a second call
// is recorded as a build error.
func (p *OrchestrationPlan) Aggregate(strategy result.Strategy, opts ...AggregateOption) *OrchestrationPlan {
	if p.aggregate != nil {
		p.errs = append(p.errs, fmt.Errorf("plan already has an aggregate step"))
		return p
	}
	step := &aggregateStep{strategy: strategy}
	for _, opt := range opts {
		opt(step)
	}
	p.aggregate = step
	return p
}

// Transform appends a conversion of an upstream step's output. The input
// may name a source, the aggregate step ("aggregate"), or an earlier
// transform.
func (p *OrchestrationPlan) Transform(name string, kind result.TransformerKind, inputSource string, config map[string]any) *OrchestrationPlan {
	if name == "" {
		p.errs = append(p.errs, fmt.Errorf("transform needs a name"))
		return p
	}
	p.transforms = append(p.transforms, transformStep{
		name:   name,
		kind:   kind,
		input:  inputSource,
		config: config,
	})
	return p
}

// FinalizeWith runs a caller action on the pipeline's terminal output,
// passed under the "input" parameter.
func (p *OrchestrationPlan) FinalizeWith(action string, params map[string]any) *OrchestrationPlan {
	if p.final != nil {
		p.errs = append(p.errs, fmt.Errorf("plan already has a finalize step"))
		return p
	}
	p.final = &finalStep{action: action, params: params}
	return p
}

// aggregateStepName is the reserved step name transforms use to consume
// the aggregation output.
const aggregateStepName = "aggregate"

// Validate checks the plan's structural invariants without building a
// graph: at least one source, unique step names, and every transform
// input resolving to an earlier step.
func (p *OrchestrationPlan) Validate() error {
	if len(p.errs) > 0 {
		return errors.Join(p.errs...)
	}
	if len(p.sources) == 0 {
		return ErrNoSources
	}

	known := make(map[string]bool, len(p.sources)+len(p.transforms)+1)
	for _, s := range p.sources {
		if known[s.name] || s.name == aggregateStepName {
			return fmt.Errorf("%w: %q", ErrDuplicateStep, s.name)
		}
		known[s.name] = true
	}
	if p.aggregate != nil {
		known[aggregateStepName] = true
		for _, in := range p.aggregate.inputs {
			if !known[in] || in == aggregateStepName {
				return fmt.Errorf("%w: aggregate input %q", ErrUnknownInput, in)
			}
		}
	}
	for _, tr := range p.transforms {
		if known[tr.name] {
			return fmt.Errorf("%w: %q", ErrDuplicateStep, tr.name)
		}
		if !known[tr.input] {
			return fmt.Errorf("%w: transform %q reads %q", ErrUnknownInput, tr.name, tr.input)
		}
		known[tr.name] = true
	}
	return nil
}

// Compile builds and validates the task graph. The layout is
// deterministic: identical builder calls produce structurally identical
// graphs (task ids differ).
func (p *OrchestrationPlan) Compile() (*graph.Graph, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	g := graph.New(p.name)
	idByStep := make(map[string]string)

	for _, s := range p.sources {
		t := graph.NewTask(s.name, s.action, graph.WithParams(s.params))
		if err := g.AddTask(t); err != nil {
			return nil, err
		}
		idByStep[s.name] = t.ID
	}

	terminal := ""
	if len(p.sources) == 1 {
		terminal = p.sources[0].name
	}

	if p.aggregate != nil {
		inputs := p.aggregate.inputs
		if len(inputs) == 0 {
			inputs = make([]string, len(p.sources))
			for i, s := range p.sources {
				inputs[i] = s.name
			}
		}
		refs := make([]any, len(inputs))
		ids := make([]any, len(inputs))
		deps := make([]string, len(inputs))
		for i, name := range inputs {
			refs[i] = result.Ref(idByStep[name])
			ids[i] = idByStep[name]
			deps[i] = idByStep[name]
		}
		params := map[string]any{
			"strategy":   string(p.aggregate.strategy),
			"inputs":     refs,
			"source_ids": ids,
		}
		if p.aggregate.conflict != "" {
			params["conflict"] = string(p.aggregate.conflict)
		}
		if len(p.aggregate.keyMap) > 0 {
			params["output_key_mapping"] = p.aggregate.keyMap
		}
		t := graph.NewTask(aggregateStepName, ActionAggregate,
			graph.WithParams(params),
			graph.WithDependsOn(deps...),
		)
		if err := g.AddTask(t); err != nil {
			return nil, err
		}
		idByStep[aggregateStepName] = t.ID
		terminal = aggregateStepName
	}

	for _, tr := range p.transforms {
		srcID := idByStep[tr.input]
		params := map[string]any{
			"name":      tr.name,
			"kind":      string(tr.kind),
			"input":     result.Ref(srcID),
			"source_id": srcID,
		}
		if len(tr.config) > 0 {
			params["config"] = tr.config
		}
		t := graph.NewTask(tr.name, ActionTransform,
			graph.WithParams(params),
			graph.WithDependsOn(srcID),
		)
		if err := g.AddTask(t); err != nil {
			return nil, err
		}
		idByStep[tr.name] = t.ID
		terminal = tr.name
	}

	if p.final != nil {
		params := make(map[string]any, len(p.final.params)+1)
		for k, v := range p.final.params {
			params[k] = v
		}
		var deps []string
		if terminal != "" {
			termID := idByStep[terminal]
			if _, taken := params["input"]; !taken {
				params["input"] = result.Ref(termID)
			}
			deps = append(deps, termID)
		}
		t := graph.NewTask("finalize", p.final.action,
			graph.WithParams(params),
			graph.WithDependsOn(deps...),
		)
		if err := g.AddTask(t); err != nil {
			return nil, err
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Visualize renders the compiled layout as an ASCII level diagram. It is
// a pure read: building the preview graph has no side effects on the plan.
func (p *OrchestrationPlan) Visualize() string {
	g, err := p.Compile()
	if err != nil {
		return fmt.Sprintf("invalid plan: %v", err)
	}
	levels, err := g.ParallelLevels()
	if err != nil {
		return fmt.Sprintf("invalid plan: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "plan %q\n", p.name)
	for i, level := range levels {
		names := make([]string, len(level))
		for j, t := range level {
			names[j] = t.Name
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "  level %d: %s\n", i, strings.Join(names, ", "))
		if i < len(levels)-1 {
			b.WriteString("      |\n      v\n")
		}
	}
	return b.String()
}
