// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph provides the task DAG that planning produces and
// execution consumes.
//
// A Graph owns an arena of Tasks indexed by id. Dependencies are ids, not
// pointers, so the graph stays a plain value: there are no back-references
// between tasks and their results, and publishing a completed result is a
// single map insert under the graph mutex.
//
// The Graph is built once (by the planner or an orchestration plan),
// validated (cycle detection must pass before any execution), mutated in
// place by exactly one executor run, and read-only afterwards.
//
// # Thread Safety
//
// All status transitions and result publication go through Graph methods
// guarded by one mutex. A reader that observes StatusCompleted is
// guaranteed to see the fully formed TypedResult.
package graph
