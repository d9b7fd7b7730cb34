// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package result provides the typed data-flow layer between tasks.
//
// A completed task publishes a TypedResult: its raw output wrapped with a
// result type, an optional schema, and provenance metadata. Downstream
// tasks consume those outputs declaratively through References, which are
// resolved against the map of completed results at dispatch time and can
// extract a sub-value (dot/bracket path) and convert its format.
//
// The package also provides the two pure combinators used by
// orchestration plans:
//   - Aggregator: merges several TypedResults into one (dict merge,
//     list concat, set union, positional zip, or a custom function).
//   - Transformer: converts a single TypedResult into another shape
//     (field extraction, row filtering, CSV/markdown export).
//
// # Thread Safety
//
// TypedResult and Reference are immutable after construction and safe to
// share across goroutines. Aggregator and Transformer are stateless.
package result
