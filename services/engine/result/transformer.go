// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package result

import (
	"fmt"
	"strings"
)

// TransformerKind names a single-input conversion.
type TransformerKind string

const (
	// KindExtractField pulls one field (dot/bracket path) out of a
	// structured value.
	KindExtractField TransformerKind = "extract_field"

	// KindFilterRows keeps the records whose field equals a value.
	KindFilterRows TransformerKind = "filter_rows"

	// KindToCSV exports a tabular value as CSV text.
	KindToCSV TransformerKind = "to_csv"

	// KindToMarkdown renders a structured value as a markdown document.
	KindToMarkdown TransformerKind = "to_markdown"
)

// Transformer is a pure conversion from one TypedResult to another.
//
// Transformers are composable in a Chain; each output records the input's
// source task id so lineage survives multi-step pipelines.
type Transformer struct {
	// Name labels the transform step (used in plan visualization).
	Name string

	// Kind selects the conversion.
	Kind TransformerKind

	// Config carries kind-specific settings:
	//   extract_field: "field" (path string)
	//   filter_rows:   "field" and "equals"
	Config map[string]any
}

// Apply converts in, returning a new TypedResult.
//
// Outputs:
//
//	*TypedResult - Converted result carrying the input's source task id
//	               and a "transform" metadata entry.
//	error - *ResolutionError if the conversion does not apply.
func (t Transformer) Apply(in *TypedResult) (*TypedResult, error) {
	if in == nil {
		return nil, &ResolutionError{Err: ErrNilResult}
	}

	var (
		value any
		typ   ResultType
		err   error
	)
	switch t.Kind {
	case KindExtractField:
		value, err = t.extractField(in)
		typ = TypeJSON
	case KindFilterRows:
		value, err = t.filterRows(in)
		typ = TypeJSON
	case KindToCSV:
		value, err = toCSV(in.Value)
		typ = TypeTable
	case KindToMarkdown:
		value, err = toMarkdown(in.Value)
		typ = TypeDocument
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownTransform, t.Kind)
	}
	if err != nil {
		if re, ok := err.(*ResolutionError); ok {
			return nil, re
		}
		return nil, &ResolutionError{TaskID: in.SourceTaskID, Err: err}
	}

	out := New(value, typ, in.SourceTaskID)
	out.Metadata = map[string]any{"transform": string(t.Kind)}
	if t.Name != "" {
		out.Metadata["transform_name"] = t.Name
	}
	return out, nil
}

// extractField navigates Config["field"] into the value.
func (t Transformer) extractField(in *TypedResult) (any, error) {
	field, _ := t.Config["field"].(string)
	if field == "" {
		return nil, fmt.Errorf("%w: extract_field needs a \"field\" config", ErrBadPath)
	}
	ref := Reference{SourceTaskID: in.SourceTaskID, ExtractPath: field}
	return ref.Resolve(map[string]*TypedResult{in.SourceTaskID: in})
}

// filterRows keeps records where Config["field"] equals Config["equals"].
func (t Transformer) filterRows(in *TypedResult) (any, error) {
	field, _ := t.Config["field"].(string)
	if field == "" {
		return nil, fmt.Errorf("%w: filter_rows needs a \"field\" config", ErrBadTransform)
	}
	want := t.Config["equals"]

	rows, ok := toSlice(in.Value)
	if !ok {
		return nil, fmt.Errorf("%w: filter_rows needs a sequence, got %T", ErrBadTransform, in.Value)
	}

	out := make([]any, 0, len(rows))
	for _, row := range rows {
		m, ok := toMap(row)
		if !ok {
			return nil, fmt.Errorf("%w: filter_rows needs record rows, got %T", ErrBadTransform, row)
		}
		if v, present := m[field]; present && fmt.Sprintf("%v", v) == fmt.Sprintf("%v", want) {
			out = append(out, row)
		}
	}
	return out, nil
}

// toMarkdown renders maps as definition lists, record sequences as tables,
// plain sequences as bullet lists, and everything else as a paragraph.
func toMarkdown(value any) (string, error) {
	var b strings.Builder

	switch {
	case value == nil:
		return "", nil

	default:
		if m, ok := toMap(value); ok {
			for _, k := range sortedKeys(m) {
				fmt.Fprintf(&b, "- **%s**: %v\n", k, m[k])
			}
			return b.String(), nil
		}

		seq, ok := toSlice(value)
		if !ok {
			fmt.Fprintf(&b, "%v\n", value)
			return b.String(), nil
		}

		if len(seq) > 0 {
			if first, ok := toMap(seq[0]); ok {
				header := sortedKeys(first)
				b.WriteString("| " + strings.Join(header, " | ") + " |\n")
				b.WriteString("|" + strings.Repeat(" --- |", len(header)) + "\n")
				for _, row := range seq {
					m, ok := toMap(row)
					if !ok {
						return "", fmt.Errorf("%w: mixed record and non-record rows", ErrBadTransform)
					}
					cells := make([]string, len(header))
					for i, k := range header {
						cells[i] = fmt.Sprintf("%v", m[k])
					}
					b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
				}
				return b.String(), nil
			}
		}

		for _, item := range seq {
			fmt.Fprintf(&b, "- %v\n", item)
		}
		return b.String(), nil
	}
}

// Chain applies transformers in order.
type Chain []Transformer

// Apply runs the chain left to right, stopping at the first failure.
func (c Chain) Apply(in *TypedResult) (*TypedResult, error) {
	cur := in
	for _, t := range c {
		next, err := t.Apply(cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}
