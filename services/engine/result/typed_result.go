// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package result

import (
	"strings"
)

// ResultType classifies the value carried by a TypedResult.
type ResultType string

const (
	// TypeText is unstructured text.
	TypeText ResultType = "text"

	// TypeJSON is a structured value (map, slice, or scalar) that
	// round-trips through JSON.
	TypeJSON ResultType = "json"

	// TypeBinary is an opaque byte sequence.
	TypeBinary ResultType = "binary"

	// TypeTable is delimiter-structured text (CSV/TSV-like) or a list
	// of uniform records.
	TypeTable ResultType = "table"

	// TypeDocument is rendered prose (markdown, report text).
	TypeDocument ResultType = "document"

	// TypeAggregated marks the output of an Aggregator.
	TypeAggregated ResultType = "aggregated"
)

// TypedResult wraps a raw task output with the metadata needed for safe
// chaining between tasks.
//
// Description:
//
//	TypedResult is the envelope published when a task completes. Value is
//	the raw action output, Type its classification, Schema an optional
//	field→type declaration used by strict verification, and Metadata
//	free-form provenance (aggregation sources, transform lineage).
//
// Thread Safety:
//
//	TypedResult is immutable once constructed. Do not mutate Value,
//	Schema, or Metadata after creation; copy instead.
type TypedResult struct {
	Value        any            `json:"value"`
	Type         ResultType     `json:"type"`
	Schema       map[string]any `json:"schema,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	SourceTaskID string         `json:"source_task_id,omitempty"`
}

// New creates a TypedResult with an explicit type.
func New(value any, typ ResultType, sourceTaskID string) *TypedResult {
	return &TypedResult{
		Value:        value,
		Type:         typ,
		SourceTaskID: sourceTaskID,
	}
}

// Infer wraps a raw action output, classifying it by shape.
//
// Description:
//
//	The inference rule used by the executor when an action returns an
//	untyped value: structured mappings and sequences become JSON, byte
//	sequences become BINARY, delimiter-structured text becomes TABLE,
//	and everything else becomes TEXT. A value that is already a
//	*TypedResult passes through unchanged except for provenance.
//
// Inputs:
//
//	value - The raw action output.
//	sourceTaskID - The id of the task that produced it.
//
// Outputs:
//
//	*TypedResult - The classified envelope. Never nil.
func Infer(value any, sourceTaskID string) *TypedResult {
	if tr, ok := value.(*TypedResult); ok && tr != nil {
		if tr.SourceTaskID == "" {
			cp := *tr
			cp.SourceTaskID = sourceTaskID
			return &cp
		}
		return tr
	}

	switch v := value.(type) {
	case nil:
		return New(nil, TypeText, sourceTaskID)
	case []byte:
		return New(v, TypeBinary, sourceTaskID)
	case string:
		if looksTabular(v) {
			return New(v, TypeTable, sourceTaskID)
		}
		return New(v, TypeText, sourceTaskID)
	case map[string]any, []any:
		return New(v, TypeJSON, sourceTaskID)
	default:
		if isStructured(v) {
			return New(v, TypeJSON, sourceTaskID)
		}
		return New(v, TypeText, sourceTaskID)
	}
}

// isStructured reports whether v is a non-string mapping or sequence.
func isStructured(v any) bool {
	switch v.(type) {
	case map[string]string, map[string]int, map[string]float64,
		[]string, []int, []float64, []map[string]any:
		return true
	}
	return false
}

// looksTabular reports whether text has a consistent delimiter structure:
// at least two lines, every non-empty line carrying the same nonzero count
// of commas or tabs.
func looksTabular(s string) bool {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) < 2 {
		return false
	}

	for _, delim := range []string{"\t", ","} {
		count := -1
		uniform := true
		for _, line := range lines {
			if strings.TrimSpace(line) == "" {
				uniform = false
				break
			}
			n := strings.Count(line, delim)
			if n == 0 {
				uniform = false
				break
			}
			if count == -1 {
				count = n
			} else if n != count {
				uniform = false
				break
			}
		}
		if uniform && count > 0 {
			return true
		}
	}
	return false
}

// WithSchema returns a copy carrying the given schema declaration.
func (r *TypedResult) WithSchema(schema map[string]any) *TypedResult {
	cp := *r
	cp.Schema = schema
	return &cp
}

// WithMetadata returns a copy with one metadata key set.
func (r *TypedResult) WithMetadata(key string, value any) *TypedResult {
	cp := *r
	cp.Metadata = make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata[key] = value
	return &cp
}
