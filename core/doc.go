// Package core defines the domain model for the analysis management system.
//
// # Architecture Overview
//
// The core package provides:
//   - Node types (Submission, Observable, Analysis, Comment, NodeRelationship, Event)
//   - Three-state update payload fields (Field)
//   - Field and list diffs recorded in the history ledger
//   - The tree assembler that turns flat analysis/observable rows into a display tree
//
// # Nodes and versions
//
// Every Node carries a uuid and an opaque version token. Each accepted mutation
// replaces the token and appends one or more HistoryRecords. Callers that pass the
// version they last read get optimistic concurrency: a stale token fails with
// ErrVersionMismatch and changes nothing.
//
// # Trees
//
// Observables are unique by (type, value), so the object graph behind a submission
// may contain diamonds and cycles. AssembleTree cuts that graph into a strict tree,
// expanding each observable once and leaving jump-to markers at repeats.
package core
