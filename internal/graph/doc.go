// Package graph validates a recipe's stage graph and plans its execution.
//
// Stages depend on each other through two kinds of edges: a stage's base
// (FROM another stage) and a copy step that imports files from another
// stage's completed snapshot. Declaration order carries no meaning; a stage
// may refer to one declared after it as long as the resulting graph is
// acyclic.
//
// [Resolve] checks every reference, rejects unknown targets and cycles, and
// returns a [Plan] with a deterministic topological order (ties broken by
// declaration index) and the set of stages needed to produce the requested
// targets. Nothing is executed until resolution succeeds.
//
// References resolve in this order: a declared stage name, a declared stage
// index, the reserved name "scratch", and finally an external image reference
// such as "alpine:3.20" or "registry.example.com/base@sha256:...".
package graph
