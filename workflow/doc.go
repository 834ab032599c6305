// Package workflow turns a workflow specification into a validated
// dependency graph.
//
// Build rejects duplicate step IDs, references to unknown steps, and cycles
// (detected via DFS coloring) before anything is persisted. The resulting
// Graph is immutable and keeps adjacency in both directions so the scheduler
// can answer "who unblocks whom" in O(1) per edge.
//
// The package also parses declarative YAML workflow definitions into the
// specification form consumed by Build.
package workflow
