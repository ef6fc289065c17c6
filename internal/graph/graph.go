package graph

import (
	"slices"
	"strconv"
	"strings"
)

// How a stage depends on another.
type EdgeKind int

const (
	EdgeBase EdgeKind = iota // The dependency is the stage's base.
	EdgeCopy                 // A copy step reads the dependency's snapshot.
)

func (k EdgeKind) String() string {
	if k == EdgeBase {
		return "base"
	}
	return "copy"
}

// A dependency edge from a stage to one it requires.
type Edge struct {
	To   int      // Index of the required stage.
	Kind EdgeKind // Edge kind.
	Step int      // 0-based step index for copy edges, -1 for base edges.
}

// A resolved reference to a stage or an external image.
type Ref struct {
	Stage int    // Referenced stage index, or -1.
	Image string // External image reference (or "scratch") when Stage is -1.
}

// Reports whether the reference names a stage of the same recipe.
func (r Ref) IsStage() bool {
	return r.Stage >= 0
}

func (r Ref) String() string {
	if r.IsStage() {
		return "#" + strconv.Itoa(r.Stage)
	}
	return r.Image
}

// A resolved stage.
type Node struct {
	Index    int         // Declaration index.
	Label    string      // Name, or "#index" for anonymous stages.
	Base     Ref         // Resolved base.
	Platform string      // Expanded platform, empty for the build default.
	Copies   map[int]Ref // Resolved sources of cross-stage copy steps, by step index.
	Edges    []Edge      // Outgoing dependency edges in step order.
	Deps     []int       // Distinct required stages, ascending.
}

// A validated execution plan.
//
// Plans are immutable and safe for concurrent reads.
type Plan struct {
	nodes      []*Node
	order      []int   // Topological order of all stages.
	targets    []int   // Requested targets in request order.
	needed     []bool  // By index: required by some target.
	isTarget   []bool  // By index: requested target.
	dependents [][]int // By index: needed stages that depend on it.
	byName     map[string]int
}

// Number of stages in the recipe.
func (p *Plan) Len() int {
	return len(p.nodes)
}

// Returns the stage at index i.
func (p *Plan) Node(i int) *Node {
	return p.nodes[i]
}

// Looks up a stage by name or index.
func (p *Plan) Lookup(ref string) (*Node, bool) {
	i, ok := lookup(ref, p.byName, len(p.nodes))
	if !ok {
		return nil, false
	}
	return p.nodes[i], true
}

// All stages in dependency order. A stage always appears after every stage
// it depends on; otherwise declaration order is kept.
func (p *Plan) Order() []*Node {
	out := make([]*Node, len(p.order))
	for i, idx := range p.order {
		out[i] = p.nodes[idx]
	}
	return out
}

// Stages required by the targets, in dependency order.
func (p *Plan) Needed() []*Node {
	var out []*Node
	for _, idx := range p.order {
		if p.needed[idx] {
			out = append(out, p.nodes[idx])
		}
	}
	return out
}

// Requested target stages in request order.
func (p *Plan) Targets() []*Node {
	out := make([]*Node, len(p.targets))
	for i, idx := range p.targets {
		out[i] = p.nodes[idx]
	}
	return out
}

// Reports whether stage i is a requested target.
func (p *Plan) IsTarget(i int) bool {
	return p.isTarget[i]
}

// Reports whether stage i is required by some target.
func (p *Plan) IsNeeded(i int) bool {
	return p.needed[i]
}

// Needed stages that depend directly on stage i, ascending.
func (p *Plan) Dependents(i int) []int {
	return slices.Clone(p.dependents[i])
}

// Stage labels in dependency order.
func (p *Plan) Labels() []string {
	out := make([]string, len(p.order))
	for i, idx := range p.order {
		out[i] = p.nodes[idx].Label
	}
	return out
}

// Reports whether stage a is a (transitive) dependency of stage b.
func (p *Plan) IsAncestor(a, b int) bool {
	seen := make([]bool, len(p.nodes))
	stack := []int{b}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range p.nodes[n].Deps {
			if d == a {
				return true
			}
			if !seen[d] {
				seen[d] = true
				stack = append(stack, d)
			}
		}
	}
	return false
}

// Resolves ref against declared stage names, then indices. An index may be
// written as a stage label ("#2") or bare ("2").
func lookup(ref string, byName map[string]int, n int) (int, bool) {
	if i, ok := byName[ref]; ok {
		return i, true
	}
	ref = strings.TrimPrefix(ref, "#")
	if i, err := strconv.Atoi(ref); err == nil && i >= 0 && i < n && strconv.Itoa(i) == ref {
		return i, true
	}
	return -1, false
}
