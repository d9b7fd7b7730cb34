// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"encoding/json"
	"time"
)

// TaskSnapshot is the plain-data form of one task, suitable for external
// persistence (audit logs, decision records). All values are maps,
// sequences, and scalars.
type TaskSnapshot struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Priority   string         `json:"priority"`
	Status     string         `json:"status"`
	Result     any            `json:"result,omitempty"`
	ResultType string         `json:"result_type,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	CreatedAt  string         `json:"created_at"`
	StartedAt  string         `json:"started_at,omitempty"`
	EndedAt    string         `json:"ended_at,omitempty"`
}

// Snapshot is the plain-data form of a whole graph.
type Snapshot struct {
	Name  string         `json:"name"`
	Tasks []TaskSnapshot `json:"tasks"`
}

// Snapshot exports the graph as plain structured data.
//
// Description:
//
//	Params and result values are deep-copied via a JSON round trip so the
//	snapshot shares no mutable state with the live graph. References in
//	params serialize to their declarative form (source task id, path,
//	transform). The engine itself never persists anything; this is the
//	hand-off format for external auditors.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := &Snapshot{
		Name:  g.name,
		Tasks: make([]TaskSnapshot, 0, len(g.order)),
	}
	for _, id := range g.order {
		t := g.tasks[id]
		ts := TaskSnapshot{
			ID:        t.ID,
			Name:      t.Name,
			Action:    t.Action,
			Params:    deepCopyMap(t.Params),
			DependsOn: append([]string{}, t.DependsOn...),
			Priority:  t.Priority.String(),
			Status:    string(t.Status),
			CreatedAt: t.CreatedAt.Format(time.RFC3339Nano),
			Attempts:  t.RetryCount,
		}
		if !t.StartedAt.IsZero() {
			ts.StartedAt = t.StartedAt.Format(time.RFC3339Nano)
		}
		if !t.EndedAt.IsZero() {
			ts.EndedAt = t.EndedAt.Format(time.RFC3339Nano)
		}
		if t.Result != nil {
			ts.Result = deepCopyValue(t.Result.Value)
			ts.ResultType = string(t.Result.Type)
		}
		if t.Err != nil {
			ts.Error = t.Err.Message
			ts.ErrorKind = string(t.Err.Kind)
		}
		snap.Tasks = append(snap.Tasks, ts)
	}
	return snap
}

// deepCopyMap round-trips a map through JSON for a deep copy. Falls back
// to a shallow copy for values that do not marshal.
func deepCopyMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err == nil {
		out := make(map[string]any, len(m))
		if json.Unmarshal(data, &out) == nil {
			return out
		}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func deepCopyValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if json.Unmarshal(data, &out) != nil {
		return v
	}
	return out
}
