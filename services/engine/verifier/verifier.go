// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package verifier performs read-only post-execution checks on completed
// tasks. Three escalating levels trade thoroughness for cost: BASIC
// inspects the result envelope, STRICT adds schema and temporal checks,
// PARANOID adds registered per-action checks and cross-task consistency
// against the graph.
package verifier

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/taskweave-ai/taskweave/services/engine/graph"
	"github.com/taskweave-ai/taskweave/services/engine/result"
)

// Level selects how deep verification goes.
type Level string

const (
	// LevelBasic checks that a completed task has a sane result envelope.
	LevelBasic Level = "basic"

	// LevelStrict adds declared-schema validation and temporal coherence.
	LevelStrict Level = "strict"

	// LevelParanoid adds registered per-action checks and cross-task
	// consistency against the graph.
	LevelParanoid Level = "paranoid"
)

// VerificationResult reports the outcome of verifying one task. Checks
// maps each executed check name to its pass/fail; ConfidenceScore is the
// passing fraction.
type VerificationResult struct {
	TaskID          string
	Passed          bool
	Level           Level
	Checks          map[string]bool
	Errors          []string
	ConfidenceScore float64
}

// CheckFunc is a custom per-action verification check. It must not
// mutate the task or its result.
type CheckFunc func(task *graph.Task, res *result.TypedResult) error

// Verifier runs read-only checks against completed tasks.
//
// Thread Safety: safe for concurrent use. RegisterCheck may race with
// Verify; the check list is copied under the lock.
type Verifier struct {
	mu     sync.RWMutex
	custom map[string][]CheckFunc
	logger *slog.Logger
}

// New creates a Verifier. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		custom: make(map[string][]CheckFunc),
		logger: logger,
	}
}

// RegisterCheck adds a custom check for an action, run at LevelParanoid.
func (v *Verifier) RegisterCheck(action string, fn CheckFunc) {
	if fn == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.custom[action] = append(v.custom[action], fn)
}

// Verify runs the checks for the given level against one task. The graph
// is only consulted at LevelParanoid for cross-task consistency; it may
// be nil at lower levels.
//
// Verification never mutates the task, its result, or the graph.
func (v *Verifier) Verify(g *graph.Graph, t *graph.Task, level Level) *VerificationResult {
	res := &VerificationResult{
		TaskID: t.ID,
		Level:  level,
		Checks: make(map[string]bool),
	}

	record := func(name string, err error) {
		if err != nil {
			res.Checks[name] = false
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", name, err))
			return
		}
		res.Checks[name] = true
	}

	record("result_present", v.checkResultPresent(t))
	record("type_shape", v.checkTypeShape(t))

	if level == LevelStrict || level == LevelParanoid {
		record("schema_fields", v.checkSchema(t))
		record("temporal_coherence", v.checkTemporal(t))
	}

	if level == LevelParanoid {
		record("cross_task_consistency", v.checkCrossTask(g, t))
		for i, fn := range v.checksFor(t.Action) {
			record(fmt.Sprintf("custom_%s_%d", t.Action, i), fn(t, t.Result))
		}
	}

	passed := 0
	for _, ok := range res.Checks {
		if ok {
			passed++
		}
	}
	res.Passed = passed == len(res.Checks)
	if len(res.Checks) > 0 {
		res.ConfidenceScore = float64(passed) / float64(len(res.Checks))
	}

	if !res.Passed {
		v.logger.Warn("verification failed",
			slog.String("task", t.Name),
			slog.String("level", string(level)),
			slog.Any("errors", res.Errors),
		)
	}
	return res
}

// VerifyGraph verifies every completed task in the graph.
func (v *Verifier) VerifyGraph(g *graph.Graph, level Level) []*VerificationResult {
	if g == nil {
		return nil
	}
	var out []*VerificationResult
	for _, t := range g.Tasks() {
		if t.Status != graph.StatusCompleted {
			continue
		}
		out = append(out, v.Verify(g, t, level))
	}
	return out
}

func (v *Verifier) checksFor(action string) []CheckFunc {
	v.mu.RLock()
	defer v.mu.RUnlock()
	checks := make([]CheckFunc, len(v.custom[action]))
	copy(checks, v.custom[action])
	return checks
}

// checkResultPresent asserts a completed task carries a result.
func (v *Verifier) checkResultPresent(t *graph.Task) error {
	if t.Status != graph.StatusCompleted {
		return fmt.Errorf("task is %s, not %s", t.Status, graph.StatusCompleted)
	}
	if t.Result == nil {
		return fmt.Errorf("completed task has no result")
	}
	if t.Result.Value == nil {
		return fmt.Errorf("result value is nil")
	}
	return nil
}

// checkTypeShape asserts the declared result type matches the Go shape
// of the stored value.
func (v *Verifier) checkTypeShape(t *graph.Task) error {
	if t.Result == nil {
		return fmt.Errorf("no result to inspect")
	}
	value := t.Result.Value
	switch t.Result.Type {
	case result.TypeText:
		// Actions returning bare numbers or booleans are recorded as
		// TEXT, so scalars are as legitimate here as strings.
		if !isScalar(value) {
			return fmt.Errorf("type %s holds %T, want string or scalar", t.Result.Type, value)
		}
	case result.TypeDocument, result.TypeTable:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("type %s holds %T, want string", t.Result.Type, value)
		}
	case result.TypeBinary:
		if _, ok := value.([]byte); !ok {
			return fmt.Errorf("type %s holds %T, want []byte", t.Result.Type, value)
		}
	case result.TypeJSON, result.TypeAggregated:
		switch reflect.ValueOf(value).Kind() {
		case reflect.Map, reflect.Slice, reflect.Array:
		default:
			return fmt.Errorf("type %s holds %T, want map or slice", t.Result.Type, value)
		}
	default:
		return fmt.Errorf("unknown result type %q", t.Result.Type)
	}
	return nil
}

// isScalar reports whether v is a string, boolean, or numeric value.
func isScalar(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// checkSchema validates the value against the task's declared schema.
// Schema keys name required fields; values name the expected kind:
// "string", "number", "bool", "list", or "map". Tasks without a schema
// pass trivially.
func (v *Verifier) checkSchema(t *graph.Task) error {
	if len(t.Schema) == 0 {
		return nil
	}
	if t.Result == nil {
		return fmt.Errorf("no result to validate against schema")
	}
	obj, ok := t.Result.Value.(map[string]any)
	if !ok {
		return fmt.Errorf("schema declared but result is %T, want map", t.Result.Value)
	}
	for field, want := range t.Schema {
		got, present := obj[field]
		if !present {
			return fmt.Errorf("missing field %q", field)
		}
		kind, ok := want.(string)
		if !ok {
			continue
		}
		if err := checkKind(field, kind, got); err != nil {
			return err
		}
	}
	return nil
}

func checkKind(field, kind string, value any) error {
	ok := false
	switch kind {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			ok = true
		}
	case "bool":
		_, ok = value.(bool)
	case "list":
		_, ok = value.([]any)
	case "map":
		_, ok = value.(map[string]any)
	default:
		return fmt.Errorf("field %q: unknown schema kind %q", field, kind)
	}
	if !ok {
		return fmt.Errorf("field %q: got %T, want %s", field, value, kind)
	}
	return nil
}

// checkTemporal asserts the task's timestamps are UTC and ordered:
// CreatedAt <= StartedAt <= EndedAt.
func (v *Verifier) checkTemporal(t *graph.Task) error {
	if t.StartedAt.IsZero() || t.EndedAt.IsZero() {
		return fmt.Errorf("missing start or end timestamp")
	}
	if t.CreatedAt.Location() != time.UTC || t.StartedAt.Location() != time.UTC || t.EndedAt.Location() != time.UTC {
		return fmt.Errorf("timestamps must be UTC")
	}
	if t.StartedAt.Before(t.CreatedAt) {
		return fmt.Errorf("started %s before created %s", t.StartedAt, t.CreatedAt)
	}
	if t.EndedAt.Before(t.StartedAt) {
		return fmt.Errorf("ended %s before started %s", t.EndedAt, t.StartedAt)
	}
	return nil
}

// checkCrossTask asserts every task this one references completed and
// ended before this task started.
func (v *Verifier) checkCrossTask(g *graph.Graph, t *graph.Task) error {
	if g == nil {
		return fmt.Errorf("graph required for cross-task checks")
	}
	for _, srcID := range t.References() {
		src, ok := g.Task(srcID)
		if !ok {
			return fmt.Errorf("referenced task %s not in graph", srcID)
		}
		if src.Status != graph.StatusCompleted {
			return fmt.Errorf("referenced task %s is %s", srcID, src.Status)
		}
		if src.EndedAt.After(t.StartedAt) {
			return fmt.Errorf("referenced task %s ended after consumer started", srcID)
		}
	}
	return nil
}
