// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/taskweave-ai/taskweave/services/engine/capability"
	"github.com/taskweave-ai/taskweave/services/engine/graph"
	"github.com/taskweave-ai/taskweave/services/engine/result"
)

// decomposeAction is the pseudo action an LLM may emit for a subtask it
// cannot express directly; the planner recursively expands it.
const decomposeAction = "decompose"

var validate = validator.New(validator.WithRequiredStructEnabled())

// taskDescriptor is the JSON shape the model must produce for each task.
// Model output is adversarial input: everything is validated before a
// single Task is created.
type taskDescriptor struct {
	Name      string         `json:"name" validate:"required,min=1,max=256"`
	Action    string         `json:"action" validate:"required,min=1,max=128"`
	Params    map[string]any `json:"params,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty" validate:"dive,min=1"`
	Priority  string         `json:"priority,omitempty" validate:"omitempty,oneof=critical high normal low optional"`
	Reasoning string         `json:"reasoning,omitempty"`
}

// planEnvelope accepts the {"tasks": [...]} wrapper some models prefer.
type planEnvelope struct {
	Tasks     []taskDescriptor `json:"tasks"`
	Reasoning string           `json:"reasoning,omitempty"`
}

const planPromptTemplate = `You are a task decomposition engine. Break the request below into a JSON array of tasks.

Each task is an object with fields:
  "name":       short human name, unique within the plan
  "action":     one of the available actions listed below
  "params":     object of action parameters; use "{{ref:NAME}}" to pass another task's output
  "depends_on": array of task names this task must run after

Available actions: %s

Rules:
- Output ONLY the JSON array, no prose and no code fences.
- Every depends_on entry must name another task in the array.
- Use only the available actions. If a step genuinely needs further breakdown, use action "decompose" with params {"request": "<sub-request>"}.

Request: %s`

// buildPlanPrompt renders the decomposition prompt for a request.
func buildPlanPrompt(request string, actions []string) string {
	names := make([]string, len(actions))
	copy(names, actions)
	sort.Strings(names)
	return fmt.Sprintf(planPromptTemplate, strings.Join(names, ", "), request)
}

// stripCodeFences removes a leading/trailing markdown fence if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.HasPrefix(s, "[") && !strings.HasPrefix(s, "{") {
		// Drop the language tag line ("json", "JSON", ...).
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractJSON finds the outermost JSON array or object in a completion that
// may carry stray prose around it.
func extractJSON(s string) (string, error) {
	s = stripCodeFences(s)
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return "", fmt.Errorf("%w: no JSON found in completion", ErrMalformedPlan)
	}
	open := s[start]
	var close byte = ']'
	if open == '{' {
		close = '}'
	}
	end := strings.LastIndexByte(s, close)
	if end <= start {
		return "", fmt.Errorf("%w: unterminated JSON in completion", ErrMalformedPlan)
	}
	return s[start : end+1], nil
}

// parsePlanJSON decodes a completion into task descriptors, accepting either
// a bare array or a {"tasks": [...]} envelope.
func parsePlanJSON(completion string) ([]taskDescriptor, string, error) {
	raw, err := extractJSON(completion)
	if err != nil {
		return nil, "", err
	}

	if strings.HasPrefix(raw, "[") {
		var tasks []taskDescriptor
		if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrMalformedPlan, err)
		}
		return tasks, "", nil
	}

	var env planEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	return env.Tasks, env.Reasoning, nil
}

// descriptorsToTasks validates descriptors and converts them into graph
// tasks, rewriting name-based dependencies and "{{ref:NAME}}" params into
// task ids and result references.
func descriptorsToTasks(descs []taskDescriptor, actions *capability.Registry) ([]*graph.Task, error) {
	if len(descs) == 0 {
		return nil, ErrEmptyPlan
	}

	idByName := make(map[string]string, len(descs))
	tasks := make([]*graph.Task, 0, len(descs))

	for i := range descs {
		d := &descs[i]
		if err := validate.Struct(d); err != nil {
			return nil, fmt.Errorf("%w: task %d: %v", ErrMalformedPlan, i, err)
		}
		if d.Action != decomposeAction && actions != nil && !actions.Has(d.Action) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownActionName, d.Action)
		}
		if _, dup := idByName[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate task name %q", ErrMalformedPlan, d.Name)
		}

		opts := []graph.TaskOption{}
		if d.Priority != "" {
			p, err := parsePriority(d.Priority)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
			}
			opts = append(opts, graph.WithPriority(p))
		}
		t := graph.NewTask(d.Name, d.Action, opts...)
		idByName[d.Name] = t.ID
		tasks = append(tasks, t)
	}

	for i := range descs {
		d := &descs[i]
		for _, dep := range d.DependsOn {
			id, ok := idByName[dep]
			if !ok {
				return nil, fmt.Errorf("%w: task %q depends on unknown task %q", ErrMalformedPlan, d.Name, dep)
			}
			if id == tasks[i].ID {
				return nil, fmt.Errorf("%w: task %q depends on itself", ErrMalformedPlan, d.Name)
			}
			tasks[i].DependsOn = append(tasks[i].DependsOn, id)
		}
		if len(d.Params) > 0 {
			params := make(map[string]any, len(d.Params))
			for k, v := range d.Params {
				rewritten, err := rewriteRefs(v, idByName)
				if err != nil {
					return nil, fmt.Errorf("%w: task %q param %q: %v", ErrMalformedPlan, d.Name, k, err)
				}
				params[k] = rewritten
			}
			tasks[i].Params = params
		}
	}
	return tasks, nil
}

// rewriteRefs converts "{{ref:NAME}}" strings into result references,
// recursing into nested maps and slices.
func rewriteRefs(v any, idByName map[string]string) (any, error) {
	switch tv := v.(type) {
	case string:
		m := templateRef.FindStringSubmatch(tv)
		if m == nil {
			return tv, nil
		}
		id, ok := idByName[m[1]]
		if !ok {
			return nil, fmt.Errorf("reference to unknown task %q", m[1])
		}
		ref := result.Ref(id)
		if m[2] != "" {
			ref = ref.At(m[2])
		}
		return ref, nil
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, elem := range tv {
			rw, err := rewriteRefs(elem, idByName)
			if err != nil {
				return nil, err
			}
			out[k] = rw
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, elem := range tv {
			rw, err := rewriteRefs(elem, idByName)
			if err != nil {
				return nil, err
			}
			out[i] = rw
		}
		return out, nil
	default:
		return v, nil
	}
}

// decomposeLLM asks the model for a plan and converts it into tasks. Tasks
// whose action is "decompose" are expanded recursively, bounded by depth;
// their sub-plan inherits the parent's dependencies, and dependents of the
// placeholder are rewired onto the sub-plan's sinks.
func (p *Planner) decomposeLLM(ctx context.Context, request string, depth int) ([]*graph.Task, string, error) {
	if depth > p.cfg.MaxDecompositionDepth {
		return nil, "", fmt.Errorf("%w: depth %d", ErrDepthExceeded, depth)
	}
	if p.cfg.Model == nil {
		return nil, "", ErrNoModel
	}

	prompt := buildPlanPrompt(request, p.actionNames())
	completion, err := p.cfg.Model.Generate(ctx, prompt, capability.GenerateConfig{
		MaxTokens:   p.cfg.MaxPlanTokens,
		Temperature: 0,
	})
	if err != nil {
		return nil, "", fmt.Errorf("generating plan: %w", err)
	}

	descs, reasoning, err := parsePlanJSON(completion)
	if err != nil {
		return nil, "", err
	}
	tasks, err := descriptorsToTasks(descs, p.cfg.Actions)
	if err != nil {
		return nil, "", err
	}

	tasks, err = p.expandDecompositions(ctx, tasks, depth)
	if err != nil {
		return nil, "", err
	}
	return tasks, reasoning, nil
}

// expandDecompositions replaces "decompose" placeholder tasks with their
// recursively planned sub-tasks.
func (p *Planner) expandDecompositions(ctx context.Context, tasks []*graph.Task, depth int) ([]*graph.Task, error) {
	out := make([]*graph.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Action != decomposeAction {
			out = append(out, t)
			continue
		}

		subRequest, _ := t.Params["request"].(string)
		if strings.TrimSpace(subRequest) == "" {
			return nil, fmt.Errorf("%w: decompose task %q has no request", ErrMalformedPlan, t.Name)
		}
		p.logger.Debug("expanding nested decomposition",
			slog.String("task", t.Name),
			slog.Int("depth", depth+1),
		)

		sub, _, err := p.decomposeLLM(ctx, subRequest, depth+1)
		if err != nil {
			return nil, fmt.Errorf("decomposing %q: %w", t.Name, err)
		}

		// Sub-plan roots inherit the placeholder's dependencies.
		subIDs := make(map[string]bool, len(sub))
		for _, st := range sub {
			subIDs[st.ID] = true
		}
		sinks := make([]string, 0, 1)
		hasDependents := make(map[string]bool, len(sub))
		for _, st := range sub {
			for _, dep := range st.DependsOn {
				hasDependents[dep] = true
			}
		}
		for _, st := range sub {
			internal := false
			for _, dep := range st.DependsOn {
				if subIDs[dep] {
					internal = true
					break
				}
			}
			if !internal {
				st.DependsOn = append(st.DependsOn, t.DependsOn...)
			}
			if !hasDependents[st.ID] {
				sinks = append(sinks, st.ID)
			}
		}

		// Rewire dependents of the placeholder onto the sub-plan's sinks.
		for _, other := range tasks {
			if other == t {
				continue
			}
			for i, dep := range other.DependsOn {
				if dep == t.ID {
					other.DependsOn = append(other.DependsOn[:i], other.DependsOn[i+1:]...)
					other.DependsOn = append(other.DependsOn, sinks...)
					break
				}
			}
		}
		out = append(out, sub...)
	}
	return out, nil
}

// actionNames lists registered action names for the prompt.
func (p *Planner) actionNames() []string {
	if p.cfg.Actions == nil {
		return nil
	}
	return p.cfg.Actions.Names()
}
