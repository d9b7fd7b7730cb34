// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package result

import (
	"fmt"
	"sort"
)

// Strategy names an aggregation strategy.
type Strategy string

const (
	// MergeDict shallow-unions mapping inputs.
	MergeDict Strategy = "merge_dict"

	// DeepMerge recursively unions nested mapping inputs.
	DeepMerge Strategy = "deep_merge"

	// ConcatList concatenates sequence inputs in source order.
	ConcatList Strategy = "concat_list"

	// UnionSet de-duplicates the union of sequence inputs.
	UnionSet Strategy = "union_set"

	// ZipRecords pairs elements positionally across sources into records.
	ZipRecords Strategy = "zip_records"

	// Custom delegates to a caller-supplied combining function.
	Custom Strategy = "custom"
)

// ConflictResolution decides what happens on a key collision during dict
// merging.
type ConflictResolution string

const (
	// LastWins lets the later source in the list overwrite.
	LastWins ConflictResolution = "last_wins"

	// FirstWins keeps the earlier source's value.
	FirstWins ConflictResolution = "first_wins"

	// ErrorOnConflict fails the aggregation, naming the colliding key.
	ErrorOnConflict ConflictResolution = "error"
)

// CustomFunc combines inputs under the Custom strategy. It must return a
// non-nil TypedResult on success.
type CustomFunc func(inputs []*TypedResult) (*TypedResult, error)

// Aggregator combines the TypedResults of several source tasks into one.
//
// Description:
//
//	Aggregator is a pure function over its inputs: it never mutates them
//	and carries no state between calls. The output is always typed
//	AGGREGATED and records the contributing task ids under
//	Metadata["source_task_ids"].
type Aggregator struct {
	// Strategy selects the combination rule.
	Strategy Strategy

	// Conflict decides key collisions for MergeDict/DeepMerge.
	// Default: LastWins.
	Conflict ConflictResolution

	// OutputKeyMapping optionally renames top-level keys in the final
	// structure (old name → new name).
	OutputKeyMapping map[string]string

	// Fn is the combining function for the Custom strategy.
	Fn CustomFunc
}

// Aggregate combines inputs in order.
//
// Inputs:
//
//	inputs - Source results in declaration order. Must be non-empty and
//	         contain no nils.
//
// Outputs:
//
//	*TypedResult - Aggregated result (Type=AGGREGATED).
//	error - *AggregationError on shape mismatch, length mismatch, or an
//	        unresolved key collision.
func (a Aggregator) Aggregate(inputs []*TypedResult) (*TypedResult, error) {
	sources := sourceIDs(inputs)
	if len(inputs) == 0 {
		return nil, &AggregationError{Strategy: a.Strategy, Err: ErrNoInputs}
	}
	for _, in := range inputs {
		if in == nil {
			return nil, &AggregationError{Strategy: a.Strategy, Sources: sources, Err: ErrNilResult}
		}
	}

	conflict := a.Conflict
	if conflict == "" {
		conflict = LastWins
	}

	var (
		value any
		err   error
	)
	switch a.Strategy {
	case MergeDict:
		value, err = a.mergeDicts(inputs, conflict, false)
	case DeepMerge:
		value, err = a.mergeDicts(inputs, conflict, true)
	case ConcatList:
		value, err = a.concat(inputs)
	case UnionSet:
		value, err = a.union(inputs)
	case ZipRecords:
		value, err = a.zip(inputs)
	case Custom:
		return a.custom(inputs, sources)
	default:
		err = fmt.Errorf("%w: unknown strategy %q", ErrShapeMismatch, a.Strategy)
	}
	if err != nil {
		return nil, err
	}

	if m, ok := value.(map[string]any); ok && len(a.OutputKeyMapping) > 0 {
		value = renameKeys(m, a.OutputKeyMapping)
	}

	out := New(value, TypeAggregated, "")
	out.Metadata = map[string]any{"source_task_ids": sources}
	return out, nil
}

// mergeDicts unions mapping inputs, recursing when deep is set.
func (a Aggregator) mergeDicts(inputs []*TypedResult, conflict ConflictResolution, deep bool) (any, error) {
	merged := make(map[string]any)
	owner := make(map[string]string) // key → source task id that set it

	for _, in := range inputs {
		m, ok := toMap(in.Value)
		if !ok {
			return nil, &AggregationError{
				Strategy: a.Strategy,
				Sources:  []string{in.SourceTaskID},
				Err:      fmt.Errorf("%w: %T is not a mapping", ErrShapeMismatch, in.Value),
			}
		}
		for _, k := range sortedKeys(m) {
			v := m[k]
			prev, collided := merged[k]
			if !collided {
				merged[k] = v
				owner[k] = in.SourceTaskID
				continue
			}

			if deep {
				pm, pok := toMap(prev)
				vm, vok := toMap(v)
				if pok && vok {
					sub, err := a.mergeLeaf(pm, vm, conflict, owner[k], in.SourceTaskID)
					if err != nil {
						return nil, err
					}
					merged[k] = sub
					continue
				}
			}

			switch conflict {
			case FirstWins:
				// keep prev
			case LastWins:
				merged[k] = v
				owner[k] = in.SourceTaskID
			case ErrorOnConflict:
				return nil, &AggregationError{
					Strategy: a.Strategy,
					Key:      k,
					Sources:  []string{owner[k], in.SourceTaskID},
					Err:      ErrKeyCollision,
				}
			}
		}
	}
	return merged, nil
}

// mergeLeaf recursively merges two nested mappings under the same policy.
func (a Aggregator) mergeLeaf(dst, src map[string]any, conflict ConflictResolution, dstOwner, srcOwner string) (map[string]any, error) {
	out := make(map[string]any, len(dst))
	for k, v := range dst {
		out[k] = v
	}
	for _, k := range sortedKeys(src) {
		v := src[k]
		prev, collided := out[k]
		if !collided {
			out[k] = v
			continue
		}
		pm, pok := toMap(prev)
		vm, vok := toMap(v)
		if pok && vok {
			sub, err := a.mergeLeaf(pm, vm, conflict, dstOwner, srcOwner)
			if err != nil {
				return nil, err
			}
			out[k] = sub
			continue
		}
		switch conflict {
		case FirstWins:
		case LastWins:
			out[k] = v
		case ErrorOnConflict:
			return nil, &AggregationError{
				Strategy: a.Strategy,
				Key:      k,
				Sources:  []string{dstOwner, srcOwner},
				Err:      ErrKeyCollision,
			}
		}
	}
	return out, nil
}

// concat joins sequence inputs in source order.
func (a Aggregator) concat(inputs []*TypedResult) (any, error) {
	var out []any
	for _, in := range inputs {
		seq, ok := toSlice(in.Value)
		if !ok {
			return nil, &AggregationError{
				Strategy: a.Strategy,
				Sources:  []string{in.SourceTaskID},
				Err:      fmt.Errorf("%w: %T is not a sequence", ErrShapeMismatch, in.Value),
			}
		}
		out = append(out, seq...)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

// union de-duplicates the concatenation, keeping first-seen order.
func (a Aggregator) union(inputs []*TypedResult) (any, error) {
	concatenated, err := a.concat(inputs)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	out := make([]any, 0)
	for _, v := range concatenated.([]any) {
		key := fmt.Sprintf("%T:%v", v, v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

// zip pairs elements positionally into composite records keyed by source id.
func (a Aggregator) zip(inputs []*TypedResult) (any, error) {
	seqs := make([][]any, len(inputs))
	length := -1
	for i, in := range inputs {
		seq, ok := toSlice(in.Value)
		if !ok {
			return nil, &AggregationError{
				Strategy: a.Strategy,
				Sources:  []string{in.SourceTaskID},
				Err:      fmt.Errorf("%w: %T is not a sequence", ErrShapeMismatch, in.Value),
			}
		}
		if length == -1 {
			length = len(seq)
		} else if len(seq) != length {
			return nil, &AggregationError{
				Strategy: a.Strategy,
				Sources:  sourceIDs(inputs),
				Err:      fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, length, len(seq)),
			}
		}
		seqs[i] = seq
	}

	records := make([]any, 0, length)
	for pos := 0; pos < length; pos++ {
		rec := make(map[string]any, len(inputs))
		for i, in := range inputs {
			key := in.SourceTaskID
			if key == "" {
				key = fmt.Sprintf("source_%d", i)
			}
			if mapped, ok := a.OutputKeyMapping[key]; ok {
				key = mapped
			}
			rec[key] = seqs[i][pos]
		}
		records = append(records, rec)
	}
	return records, nil
}

// custom applies the caller-supplied combining function and validates shape.
func (a Aggregator) custom(inputs []*TypedResult, sources []string) (*TypedResult, error) {
	if a.Fn == nil {
		return nil, &AggregationError{Strategy: a.Strategy, Sources: sources,
			Err: fmt.Errorf("%w: no custom function supplied", ErrShapeMismatch)}
	}
	out, err := a.Fn(inputs)
	if err != nil {
		return nil, &AggregationError{Strategy: a.Strategy, Sources: sources, Err: err}
	}
	if out == nil {
		return nil, &AggregationError{Strategy: a.Strategy, Sources: sources, Err: ErrNilResult}
	}
	cp := *out
	cp.Type = TypeAggregated
	if cp.Metadata == nil {
		cp.Metadata = make(map[string]any, 1)
	}
	cp.Metadata["source_task_ids"] = sources
	return &cp, nil
}

func sourceIDs(inputs []*TypedResult) []string {
	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if in != nil {
			ids = append(ids, in.SourceTaskID)
		}
	}
	return ids
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func renameKeys(m map[string]any, mapping map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if renamed, ok := mapping[k]; ok {
			out[renamed] = v
		} else {
			out[k] = v
		}
	}
	return out
}
