// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package result

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TransformKind names a format conversion applied after path extraction.
type TransformKind string

const (
	// TransformNone applies no conversion.
	TransformNone TransformKind = ""

	// TransformToJSON renders the value as a JSON string.
	TransformToJSON TransformKind = "to_json"

	// TransformToCSV renders a tabular value as CSV text.
	TransformToCSV TransformKind = "to_csv"

	// TransformToString renders the value as plain text.
	TransformToString TransformKind = "to_string"

	// TransformToList coerces the value into a list.
	TransformToList TransformKind = "to_list"
)

// Reference is a declarative pointer from one task's parameter to another
// task's output.
//
// Description:
//
//	A Reference is not a value. It is resolved against the map of
//	completed TypedResults at dispatch time. ExtractPath optionally
//	navigates into a structured value using dot/bracket syntax
//	(e.g. "data.items[0].name"); Transform optionally converts the
//	extracted value's format as the last step.
//
// Resolution never substitutes a placeholder: a missing or incomplete
// source, an invalid path, or an inapplicable transform all fail with a
// *ResolutionError.
type Reference struct {
	SourceTaskID string        `json:"source_task_id"`
	ExtractPath  string        `json:"extract_path,omitempty"`
	Transform    TransformKind `json:"transform,omitempty"`
}

// Ref creates a plain reference to a task's whole output.
func Ref(sourceTaskID string) Reference {
	return Reference{SourceTaskID: sourceTaskID}
}

// At returns a copy of the reference with an extract path set.
func (r Reference) At(path string) Reference {
	r.ExtractPath = path
	return r
}

// As returns a copy of the reference with a transform set.
func (r Reference) As(kind TransformKind) Reference {
	r.Transform = kind
	return r
}

// Resolve looks up the referenced result and applies path extraction and
// transformation.
//
// Inputs:
//
//	results - Map of completed results keyed by task id. Entries exist
//	          only for tasks that reached COMPLETED.
//
// Outputs:
//
//	any - The resolved value.
//	error - *ResolutionError when the source is absent, the path cannot
//	        be navigated, or the transform does not apply.
func (r Reference) Resolve(results map[string]*TypedResult) (any, error) {
	src, ok := results[r.SourceTaskID]
	if !ok || src == nil {
		return nil, &ResolutionError{TaskID: r.SourceTaskID, Path: r.ExtractPath, Err: ErrSourceMissing}
	}

	value := src.Value
	if r.ExtractPath != "" {
		steps, err := parsePath(r.ExtractPath)
		if err != nil {
			return nil, &ResolutionError{TaskID: r.SourceTaskID, Path: r.ExtractPath, Err: err}
		}
		for _, step := range steps {
			value, err = step.apply(value)
			if err != nil {
				return nil, &ResolutionError{
					TaskID: r.SourceTaskID,
					Path:   r.ExtractPath,
					Node:   step.String(),
					Err:    err,
				}
			}
		}
	}

	if r.Transform != TransformNone {
		out, err := applyTransform(r.Transform, value)
		if err != nil {
			return nil, &ResolutionError{TaskID: r.SourceTaskID, Path: r.ExtractPath, Err: err}
		}
		value = out
	}

	return value, nil
}

// pathStep is one navigation step: a map key or a sequence index.
type pathStep struct {
	key   string
	index int
	isIdx bool
}

func (s pathStep) String() string {
	if s.isIdx {
		return "[" + strconv.Itoa(s.index) + "]"
	}
	return s.key
}

// apply navigates one step into value.
func (s pathStep) apply(value any) (any, error) {
	if s.isIdx {
		seq, ok := toSlice(value)
		if !ok {
			return nil, fmt.Errorf("%w: index into non-sequence %T", ErrBadPath, value)
		}
		if s.index < 0 || s.index >= len(seq) {
			return nil, fmt.Errorf("%w: index %d out of range (len %d)", ErrBadPath, s.index, len(seq))
		}
		return seq[s.index], nil
	}

	m, ok := toMap(value)
	if !ok {
		return nil, fmt.Errorf("%w: key %q into non-mapping %T", ErrBadPath, s.key, value)
	}
	v, ok := m[s.key]
	if !ok {
		return nil, fmt.Errorf("%w: key %q not present", ErrBadPath, s.key)
	}
	return v, nil
}

// parsePath splits a dot/bracket path ("data.items[0].name") into steps.
func parsePath(path string) ([]pathStep, error) {
	var steps []pathStep
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			if i == 0 || i == len(path)-1 {
				return nil, fmt.Errorf("%w: dangling separator in %q", ErrBadPath, path)
			}
			i++
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated index in %q", ErrBadPath, path)
			}
			idx, err := strconv.Atoi(path[i+1 : i+end])
			if err != nil {
				return nil, fmt.Errorf("%w: non-numeric index in %q", ErrBadPath, path)
			}
			steps = append(steps, pathStep{index: idx, isIdx: true})
			i += end + 1
		default:
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			steps = append(steps, pathStep{key: path[i:j]})
			i = j
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrBadPath)
	}
	return steps, nil
}

// toMap normalizes mapping shapes to map[string]any.
func toMap(value any) (map[string]any, bool) {
	switch m := value.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	default:
		return nil, false
	}
}

// toSlice normalizes sequence shapes to []any.
func toSlice(value any) ([]any, bool) {
	switch s := value.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out, true
	default:
		return nil, false
	}
}

// applyTransform converts value per kind, failing with ErrBadTransform on
// shape mismatch.
func applyTransform(kind TransformKind, value any) (any, error) {
	switch kind {
	case TransformToJSON:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadTransform, err)
		}
		return string(data), nil

	case TransformToCSV:
		return toCSV(value)

	case TransformToString:
		if b, ok := value.([]byte); ok {
			return string(b), nil
		}
		return fmt.Sprintf("%v", value), nil

	case TransformToList:
		if value == nil {
			return []any{}, nil
		}
		if seq, ok := toSlice(value); ok {
			return seq, nil
		}
		return []any{value}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, kind)
	}
}

// toCSV renders a list of uniform records or a list of rows as CSV text.
func toCSV(value any) (string, error) {
	seq, ok := toSlice(value)
	if !ok {
		return "", fmt.Errorf("%w: to_csv needs a sequence, got %T", ErrBadTransform, value)
	}
	if len(seq) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if _, isRecord := toMap(seq[0]); isRecord {
		// Records: header from the sorted union of keys.
		keySet := make(map[string]struct{})
		rows := make([]map[string]any, 0, len(seq))
		for _, item := range seq {
			m, ok := toMap(item)
			if !ok {
				return "", fmt.Errorf("%w: mixed record and non-record rows", ErrBadTransform)
			}
			rows = append(rows, m)
			for k := range m {
				keySet[k] = struct{}{}
			}
		}
		header := make([]string, 0, len(keySet))
		for k := range keySet {
			header = append(header, k)
		}
		sort.Strings(header)
		if err := w.Write(header); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadTransform, err)
		}
		for _, row := range rows {
			rec := make([]string, len(header))
			for i, k := range header {
				if v, ok := row[k]; ok && v != nil {
					rec[i] = fmt.Sprintf("%v", v)
				}
			}
			if err := w.Write(rec); err != nil {
				return "", fmt.Errorf("%w: %v", ErrBadTransform, err)
			}
		}
	} else {
		// Plain rows: each element is a cell or a row of cells.
		for _, item := range seq {
			if cells, ok := toSlice(item); ok {
				rec := make([]string, len(cells))
				for i, c := range cells {
					rec[i] = fmt.Sprintf("%v", c)
				}
				if err := w.Write(rec); err != nil {
					return "", fmt.Errorf("%w: %v", ErrBadTransform, err)
				}
				continue
			}
			if err := w.Write([]string{fmt.Sprintf("%v", item)}); err != nil {
				return "", fmt.Errorf("%w: %v", ErrBadTransform, err)
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadTransform, err)
	}
	return buf.String(), nil
}
