// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package result

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TypedResult
// =============================================================================

func TestInfer_Classification(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  ResultType
	}{
		{"nil", nil, TypeText},
		{"plain string", "hello world", TypeText},
		{"bytes", []byte{0x1, 0x2}, TypeBinary},
		{"map", map[string]any{"k": 1}, TypeJSON},
		{"slice", []any{1, 2}, TypeJSON},
		{"typed slice", []string{"a", "b"}, TypeJSON},
		{"csv text", "a,b,c\n1,2,3\n4,5,6", TypeTable},
		{"tsv text", "a\tb\n1\t2", TypeTable},
		{"number", 42, TypeText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Infer(tt.value, "t1")
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Type)
			assert.Equal(t, "t1", got.SourceTaskID)
		})
	}
}

func TestInfer_PassesThroughTypedResult(t *testing.T) {
	in := New(map[string]any{"k": 1}, TypeAggregated, "agg")
	out := Infer(in, "other")
	assert.Same(t, in, out, "already-attributed result passes through")

	unattributed := New("x", TypeText, "")
	out = Infer(unattributed, "t9")
	assert.Equal(t, "t9", out.SourceTaskID)
	assert.Equal(t, "", unattributed.SourceTaskID, "input is not mutated")
}

func TestInfer_TabularNeedsUniformDelimiters(t *testing.T) {
	assert.Equal(t, TypeText, Infer("a,b\n1,2,3", "t").Type, "ragged rows are not a table")
	assert.Equal(t, TypeText, Infer("one line, with commas", "t").Type)
}

func TestTypedResult_WithSchemaAndMetadata(t *testing.T) {
	base := New("v", TypeText, "t1")
	withSchema := base.WithSchema(map[string]any{"f": "string"})
	assert.Nil(t, base.Schema)
	assert.NotNil(t, withSchema.Schema)

	withMeta := base.WithMetadata("k", 1)
	assert.Nil(t, base.Metadata)
	assert.Equal(t, 1, withMeta.Metadata["k"])
}

// =============================================================================
// Reference resolution
// =============================================================================

func TestReference_ResolveWholeValue(t *testing.T) {
	results := map[string]*TypedResult{
		"t1": New("payload", TypeText, "t1"),
	}
	got, err := Ref("t1").Resolve(results)
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
}

func TestReference_ResolveMissingSource(t *testing.T) {
	_, err := Ref("absent").Resolve(map[string]*TypedResult{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceMissing)

	var re *ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "absent", re.TaskID)
}

func TestReference_ExtractPath(t *testing.T) {
	results := map[string]*TypedResult{
		"t1": New(map[string]any{
			"data": map[string]any{
				"items": []any{
					map[string]any{"name": "first", "total": 42},
					map[string]any{"name": "second"},
				},
			},
		}, TypeJSON, "t1"),
	}

	got, err := Ref("t1").At("data.items[0].name").Resolve(results)
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	got, err = Ref("t1").At("data.items[0].total").Resolve(results)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	got, err = Ref("t1").At("data.items[1]").Resolve(results)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "second"}, got)
}

func TestReference_ExtractPathErrors(t *testing.T) {
	results := map[string]*TypedResult{
		"t1": New(map[string]any{"items": []any{"a"}}, TypeJSON, "t1"),
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing key", "nope"},
		{"index out of range", "items[5]"},
		{"index into map", "[0]"},
		{"key into scalar", "items[0].field"},
		{"unterminated index", "items[1"},
		{"non-numeric index", "items[x]"},
		{"dangling dot", "items."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Ref("t1").At(tt.path).Resolve(results)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBadPath)
		})
	}
}

func TestReference_Transforms(t *testing.T) {
	results := map[string]*TypedResult{
		"t1": New(map[string]any{"a": 1}, TypeJSON, "t1"),
		"t2": New([]any{"x", "y"}, TypeJSON, "t2"),
		"t3": New([]byte("raw"), TypeBinary, "t3"),
	}

	got, err := Ref("t1").As(TransformToJSON).Resolve(results)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, got.(string))

	got, err = Ref("t3").As(TransformToString).Resolve(results)
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	got, err = Ref("t2").As(TransformToList).Resolve(results)
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, got)

	// Scalar coerced to a single-element list.
	got, err = Ref("t1").At("a").As(TransformToList).Resolve(results)
	require.NoError(t, err)
	assert.Equal(t, []any{1}, got)
}

func TestReference_TransformToCSV(t *testing.T) {
	results := map[string]*TypedResult{
		"t1": New([]any{
			map[string]any{"name": "a", "score": 1},
			map[string]any{"name": "b", "score": 2},
		}, TypeJSON, "t1"),
	}

	got, err := Ref("t1").As(TransformToCSV).Resolve(results)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(got.(string)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "name,score", lines[0], "header keys are sorted")
	assert.Equal(t, "a,1", lines[1])
}

func TestReference_TransformErrors(t *testing.T) {
	results := map[string]*TypedResult{
		"t1": New("not a table", TypeText, "t1"),
	}

	_, err := Ref("t1").As(TransformToCSV).Resolve(results)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadTransform)

	_, err = Ref("t1").As(TransformKind("bogus")).Resolve(results)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTransform)
}

// =============================================================================
// Aggregator
// =============================================================================

func TestAggregator_MergeDict(t *testing.T) {
	inputs := []*TypedResult{
		New(map[string]any{"a": 1, "shared": "first"}, TypeJSON, "t1"),
		New(map[string]any{"b": 2, "shared": "second"}, TypeJSON, "t2"),
	}

	out, err := Aggregator{Strategy: MergeDict}.Aggregate(inputs)
	require.NoError(t, err)
	assert.Equal(t, TypeAggregated, out.Type)

	m := out.Value.(map[string]any)
	assert.Equal(t, 1, m["a"])
	assert.Equal(t, 2, m["b"])
	assert.Equal(t, "second", m["shared"], "last wins by default")
	assert.Equal(t, []string{"t1", "t2"}, out.Metadata["source_task_ids"])
}

func TestAggregator_MergeDict_FirstWins(t *testing.T) {
	inputs := []*TypedResult{
		New(map[string]any{"shared": "first"}, TypeJSON, "t1"),
		New(map[string]any{"shared": "second"}, TypeJSON, "t2"),
	}
	out, err := Aggregator{Strategy: MergeDict, Conflict: FirstWins}.Aggregate(inputs)
	require.NoError(t, err)
	assert.Equal(t, "first", out.Value.(map[string]any)["shared"])
}

func TestAggregator_MergeDict_ErrorOnConflict(t *testing.T) {
	inputs := []*TypedResult{
		New(map[string]any{"shared": 1}, TypeJSON, "t1"),
		New(map[string]any{"shared": 2}, TypeJSON, "t2"),
	}
	_, err := Aggregator{Strategy: MergeDict, Conflict: ErrorOnConflict}.Aggregate(inputs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyCollision)

	var ae *AggregationError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "shared", ae.Key)
	assert.Equal(t, []string{"t1", "t2"}, ae.Sources)
}

func TestAggregator_MergeDict_ShapeMismatch(t *testing.T) {
	inputs := []*TypedResult{
		New(map[string]any{"a": 1}, TypeJSON, "t1"),
		New([]any{"not", "a", "dict"}, TypeJSON, "t2"),
	}
	_, err := Aggregator{Strategy: MergeDict}.Aggregate(inputs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestAggregator_DeepMerge(t *testing.T) {
	inputs := []*TypedResult{
		New(map[string]any{
			"config": map[string]any{"a": 1, "nested": map[string]any{"x": 1}},
		}, TypeJSON, "t1"),
		New(map[string]any{
			"config": map[string]any{"b": 2, "nested": map[string]any{"y": 2}},
		}, TypeJSON, "t2"),
	}

	out, err := Aggregator{Strategy: DeepMerge}.Aggregate(inputs)
	require.NoError(t, err)

	cfg := out.Value.(map[string]any)["config"].(map[string]any)
	assert.Equal(t, 1, cfg["a"])
	assert.Equal(t, 2, cfg["b"])
	nested := cfg["nested"].(map[string]any)
	assert.Equal(t, 1, nested["x"])
	assert.Equal(t, 2, nested["y"])
}

func TestAggregator_DeepMerge_LeafConflictErrors(t *testing.T) {
	inputs := []*TypedResult{
		New(map[string]any{"config": map[string]any{"port": 80}}, TypeJSON, "t1"),
		New(map[string]any{"config": map[string]any{"port": 8080}}, TypeJSON, "t2"),
	}
	_, err := Aggregator{Strategy: DeepMerge, Conflict: ErrorOnConflict}.Aggregate(inputs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyCollision)
}

func TestAggregator_ConcatList(t *testing.T) {
	inputs := []*TypedResult{
		New([]any{1, 2}, TypeJSON, "t1"),
		New([]any{2, 3}, TypeJSON, "t2"),
	}
	out, err := Aggregator{Strategy: ConcatList}.Aggregate(inputs)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 2, 3}, out.Value)
}

func TestAggregator_UnionSet(t *testing.T) {
	inputs := []*TypedResult{
		New([]any{"a", "b"}, TypeJSON, "t1"),
		New([]any{"b", "c", "a"}, TypeJSON, "t2"),
	}
	out, err := Aggregator{Strategy: UnionSet}.Aggregate(inputs)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, out.Value, "first-seen order is kept")
}

func TestAggregator_ZipRecords(t *testing.T) {
	inputs := []*TypedResult{
		New([]any{"alice", "bob"}, TypeJSON, "names"),
		New([]any{30, 25}, TypeJSON, "ages"),
	}
	out, err := Aggregator{
		Strategy:         ZipRecords,
		OutputKeyMapping: map[string]string{"names": "name", "ages": "age"},
	}.Aggregate(inputs)
	require.NoError(t, err)

	records := out.Value.([]any)
	require.Len(t, records, 2)
	assert.Equal(t, map[string]any{"name": "alice", "age": 30}, records[0])
	assert.Equal(t, map[string]any{"name": "bob", "age": 25}, records[1])
}

func TestAggregator_ZipRecords_LengthMismatch(t *testing.T) {
	inputs := []*TypedResult{
		New([]any{1, 2, 3}, TypeJSON, "t1"),
		New([]any{1}, TypeJSON, "t2"),
	}
	_, err := Aggregator{Strategy: ZipRecords}.Aggregate(inputs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestAggregator_Custom(t *testing.T) {
	inputs := []*TypedResult{
		New(2, TypeText, "t1"),
		New(3, TypeText, "t2"),
	}
	agg := Aggregator{
		Strategy: Custom,
		Fn: func(in []*TypedResult) (*TypedResult, error) {
			sum := 0
			for _, r := range in {
				sum += r.Value.(int)
			}
			return New(sum, TypeText, ""), nil
		},
	}
	out, err := agg.Aggregate(inputs)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Value)
	assert.Equal(t, TypeAggregated, out.Type, "custom output is re-typed")
	assert.Equal(t, []string{"t1", "t2"}, out.Metadata["source_task_ids"])
}

func TestAggregator_Custom_NoFunction(t *testing.T) {
	_, err := Aggregator{Strategy: Custom}.Aggregate([]*TypedResult{New(1, TypeText, "t1")})
	require.Error(t, err)
}

func TestAggregator_EmptyAndNilInputs(t *testing.T) {
	_, err := Aggregator{Strategy: MergeDict}.Aggregate(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoInputs)

	_, err = Aggregator{Strategy: MergeDict}.Aggregate([]*TypedResult{nil})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNilResult)
}

func TestAggregator_OutputKeyMapping(t *testing.T) {
	inputs := []*TypedResult{
		New(map[string]any{"old": 1, "keep": 2}, TypeJSON, "t1"),
	}
	out, err := Aggregator{
		Strategy:         MergeDict,
		OutputKeyMapping: map[string]string{"old": "new"},
	}.Aggregate(inputs)
	require.NoError(t, err)

	m := out.Value.(map[string]any)
	assert.Equal(t, 1, m["new"])
	assert.Equal(t, 2, m["keep"])
	assert.NotContains(t, m, "old")
}

// =============================================================================
// Transformer
// =============================================================================

func TestTransformer_ExtractField(t *testing.T) {
	in := New(map[string]any{"user": map[string]any{"name": "alice"}}, TypeJSON, "t1")
	out, err := Transformer{
		Kind:   KindExtractField,
		Config: map[string]any{"field": "user.name"},
	}.Apply(in)
	require.NoError(t, err)
	assert.Equal(t, "alice", out.Value)
	assert.Equal(t, "t1", out.SourceTaskID, "lineage survives the transform")
}

func TestTransformer_FilterRows(t *testing.T) {
	in := New([]any{
		map[string]any{"status": "ok", "id": 1},
		map[string]any{"status": "error", "id": 2},
		map[string]any{"status": "ok", "id": 3},
	}, TypeJSON, "t1")

	out, err := Transformer{
		Kind:   KindFilterRows,
		Config: map[string]any{"field": "status", "equals": "ok"},
	}.Apply(in)
	require.NoError(t, err)

	rows := out.Value.([]any)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].(map[string]any)["id"])
	assert.Equal(t, 3, rows[1].(map[string]any)["id"])
}

func TestTransformer_ToMarkdown(t *testing.T) {
	in := New([]any{
		map[string]any{"name": "a", "v": 1},
		map[string]any{"name": "b", "v": 2},
	}, TypeJSON, "t1")

	out, err := Transformer{Kind: KindToMarkdown}.Apply(in)
	require.NoError(t, err)
	assert.Equal(t, TypeDocument, out.Type)

	md := out.Value.(string)
	assert.Contains(t, md, "| name | v |")
	assert.Contains(t, md, "| a | 1 |")
}

func TestTransformer_ToMarkdown_Shapes(t *testing.T) {
	out, err := Transformer{Kind: KindToMarkdown}.Apply(New(map[string]any{"k": "v"}, TypeJSON, "t"))
	require.NoError(t, err)
	assert.Contains(t, out.Value.(string), "- **k**: v")

	out, err = Transformer{Kind: KindToMarkdown}.Apply(New([]any{"x", "y"}, TypeJSON, "t"))
	require.NoError(t, err)
	assert.Equal(t, "- x\n- y\n", out.Value)
}

func TestTransformer_Errors(t *testing.T) {
	in := New("scalar", TypeText, "t1")

	_, err := Transformer{Kind: KindFilterRows, Config: map[string]any{"field": "x"}}.Apply(in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadTransform)

	_, err = Transformer{Kind: KindExtractField}.Apply(in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadPath)

	_, err = Transformer{Kind: TransformerKind("nope")}.Apply(in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTransform)

	_, err = Transformer{Kind: KindToCSV}.Apply(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNilResult)
}

func TestChain_ComposesAndStopsAtFailure(t *testing.T) {
	in := New(map[string]any{
		"rows": []any{
			map[string]any{"kind": "a", "n": 1},
			map[string]any{"kind": "b", "n": 2},
		},
	}, TypeJSON, "t1")

	chain := Chain{
		{Kind: KindExtractField, Config: map[string]any{"field": "rows"}},
		{Kind: KindFilterRows, Config: map[string]any{"field": "kind", "equals": "a"}},
		{Kind: KindToCSV},
	}
	out, err := chain.Apply(in)
	require.NoError(t, err)
	assert.Equal(t, TypeTable, out.Type)
	assert.Contains(t, out.Value.(string), "kind,n")
	assert.Contains(t, out.Value.(string), "a,1")

	bad := Chain{
		{Kind: KindExtractField, Config: map[string]any{"field": "missing"}},
		{Kind: KindToCSV},
	}
	_, err = bad.Apply(in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadPath)
}

func TestResolutionError_Message(t *testing.T) {
	err := &ResolutionError{TaskID: "t1", Path: "a.b", Node: "b", Err: ErrBadPath}
	msg := err.Error()
	assert.Contains(t, msg, "t1")
	assert.Contains(t, msg, "a.b")
	assert.Contains(t, msg, fmt.Sprintf("%q", "b"))
}
