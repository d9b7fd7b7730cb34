// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package plan

import (
	"context"
	"fmt"

	"github.com/taskweave-ai/taskweave/services/engine/capability"
	"github.com/taskweave-ai/taskweave/services/engine/result"
)

// Action names the compiled graph invokes. Registered via RegisterBuiltins.
const (
	ActionAggregate = "aggregate"
	ActionTransform = "transform"
)

// RegisterBuiltins installs the aggregate and transform actions compiled
// plans depend on. Both return *result.TypedResult directly, which the
// executor publishes unchanged, so aggregated typing survives execution.
func RegisterBuiltins(reg *capability.Registry) error {
	if reg == nil {
		return fmt.Errorf("registry must not be nil")
	}
	if err := reg.Register(ActionAggregate, aggregateAction); err != nil {
		return err
	}
	return reg.Register(ActionTransform, transformAction)
}

// aggregateAction reassembles its resolved inputs into TypedResults and
// applies the configured aggregation strategy.
//
// Expected params (set by Compile):
//
//	strategy           - aggregation strategy name
//	inputs             - resolved upstream values, in source order
//	source_ids         - upstream task ids, parallel to inputs
//	conflict           - optional conflict resolution name
//	output_key_mapping - optional key rename map
func aggregateAction(_ context.Context, params map[string]any) (any, error) {
	strategy, _ := params["strategy"].(string)
	if strategy == "" {
		return nil, capability.Permanent(fmt.Errorf("aggregate: missing strategy"))
	}
	values, ok := params["inputs"].([]any)
	if !ok || len(values) == 0 {
		return nil, capability.Permanent(fmt.Errorf("aggregate: missing inputs"))
	}
	ids := sourceIDList(params["source_ids"], len(values))

	inputs := make([]*result.TypedResult, len(values))
	for i, v := range values {
		inputs[i] = result.Infer(v, ids[i])
	}

	agg := result.Aggregator{Strategy: result.Strategy(strategy)}
	if c, ok := params["conflict"].(string); ok && c != "" {
		agg.Conflict = result.ConflictResolution(c)
	}
	if m, ok := params["output_key_mapping"].(map[string]string); ok {
		agg.OutputKeyMapping = m
	} else if raw, ok := params["output_key_mapping"].(map[string]any); ok {
		mapped := make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				mapped[k] = s
			}
		}
		agg.OutputKeyMapping = mapped
	}

	out, err := agg.Aggregate(inputs)
	if err != nil {
		return nil, capability.Permanent(err)
	}
	return out, nil
}

// transformAction applies one configured transformer to its input.
//
// Expected params (set by Compile):
//
//	name      - transform step name
//	kind      - transformer kind
//	input     - resolved upstream value
//	source_id - upstream task id
//	config    - optional kind-specific settings
func transformAction(_ context.Context, params map[string]any) (any, error) {
	kind, _ := params["kind"].(string)
	if kind == "" {
		return nil, capability.Permanent(fmt.Errorf("transform: missing kind"))
	}
	input, present := params["input"]
	if !present {
		return nil, capability.Permanent(fmt.Errorf("transform: missing input"))
	}
	srcID, _ := params["source_id"].(string)
	name, _ := params["name"].(string)
	config, _ := params["config"].(map[string]any)

	tr := result.Transformer{
		Name:   name,
		Kind:   result.TransformerKind(kind),
		Config: config,
	}
	out, err := tr.Apply(result.Infer(input, srcID))
	if err != nil {
		return nil, capability.Permanent(err)
	}
	return out, nil
}

// sourceIDList normalizes the source_ids param to a string slice of the
// wanted length, tolerating missing entries.
func sourceIDList(raw any, n int) []string {
	ids := make([]string, n)
	list, ok := raw.([]any)
	if !ok {
		return ids
	}
	for i := 0; i < n && i < len(list); i++ {
		if s, ok := list[i].(string); ok {
			ids[i] = s
		}
	}
	return ids
}
