package graph

import (
	"container/heap"
	"errors"
	"log/slog"
	"slices"
	"strconv"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/cruciblehq/stagehand/internal/recipe"
)

// Validates the recipe's stage graph and plans the requested targets.
//
// Build arguments in args are substituted into base references, platforms
// and copy sources before they are resolved. With no targets, the recipe's
// default targets are used, or the last declared stage when it has none.
//
// A stage may only depend on stages declared before it. Returns a
// [*GraphError] for malformed recipes, dangling or forward references and
// cycles, and an [*UnknownTargetError] for a target no stage declares.
func Resolve(r *recipe.Recipe, targets []string, args map[string]string) (*Plan, error) {
	if err := r.Validate(); err != nil {
		return nil, &GraphError{Kind: ErrInvalidGraph, Err: err}
	}

	n := len(r.Stages)
	p := &Plan{
		nodes:      make([]*Node, n),
		needed:     make([]bool, n),
		isTarget:   make([]bool, n),
		dependents: make([][]int, n),
		byName:     make(map[string]int, n),
	}
	for i, st := range r.Stages {
		if st.Name != "" {
			p.byName[st.Name] = i
		}
	}

	for i := range r.Stages {
		node, err := p.resolveStage(r, i, args)
		if err != nil {
			return nil, err
		}
		p.nodes[i] = node
	}

	order, ok := p.topoOrder()
	if !ok {
		return nil, &GraphError{Kind: ErrCycle, Cycle: p.findCycle()}
	}
	p.order = order

	if err := p.checkDeclarationOrder(); err != nil {
		return nil, err
	}

	if err := p.selectTargets(r, targets); err != nil {
		return nil, err
	}

	slog.Debug("resolved build graph", "stages", n, "targets", len(p.targets))
	return p, nil
}

// Returns the stage labels of the recipe in dependency order.
func ListStages(r *recipe.Recipe, args map[string]string) ([]string, error) {
	p, err := Resolve(r, nil, args)
	if err != nil {
		return nil, err
	}
	return p.Labels(), nil
}

// Rejects edges to stages declared after the dependent stage. Runs after
// cycle detection so that cycles are reported with their witness path.
func (p *Plan) checkDeclarationOrder() error {
	for _, node := range p.nodes {
		for _, e := range node.Edges {
			if e.To < node.Index {
				continue
			}
			if e.Kind == EdgeBase {
				return invalidf(node.Label, "base references stage %s declared later", p.nodes[e.To].Label)
			}
			return invalidf(node.Label, "step %d copies from stage %s declared later", e.Step+1, p.nodes[e.To].Label)
		}
	}
	return nil
}

// Resolves a single stage's references into a node.
func (p *Plan) resolveStage(r *recipe.Recipe, i int, args map[string]string) (*Node, error) {
	st := r.Stages[i]
	label := recipe.Label(st.Name, i)
	node := &Node{Index: i, Label: label, Copies: map[int]Ref{}}

	from, err := recipe.Expand(st.From, args)
	if err != nil {
		return nil, &GraphError{Kind: ErrInvalidGraph, Stage: label, Err: err}
	}
	base, err := p.resolveRef(from, len(r.Stages))
	if err != nil {
		return nil, &GraphError{Kind: ErrInvalidGraph, Stage: label, Msg: "base", Err: err}
	}
	node.Base = base
	if base.IsStage() {
		node.Edges = append(node.Edges, Edge{To: base.Stage, Kind: EdgeBase, Step: -1})
	}

	if node.Platform, err = recipe.Expand(st.Platform, args); err != nil {
		return nil, &GraphError{Kind: ErrInvalidGraph, Stage: label, Err: err}
	}

	for j, step := range st.Steps {
		if step.Kind() != recipe.KindCopy {
			continue
		}
		spec, err := step.CopySpec()
		if err != nil {
			return nil, &GraphError{Kind: ErrInvalidGraph, Stage: label, Msg: "step " + strconv.Itoa(j+1), Err: err}
		}
		if spec.FromHost() {
			continue
		}

		src, err := recipe.Expand(spec.From, args)
		if err != nil {
			return nil, &GraphError{Kind: ErrInvalidGraph, Stage: label, Err: err}
		}
		ref, err := p.resolveRef(src, len(r.Stages))
		if err != nil {
			return nil, &GraphError{Kind: ErrInvalidGraph, Stage: label, Msg: "step " + strconv.Itoa(j+1), Err: err}
		}
		if !ref.IsStage() && ref.Image == recipe.Scratch {
			return nil, invalidf(label, "step %d copies from scratch", j+1)
		}

		node.Copies[j] = ref
		if ref.IsStage() {
			node.Edges = append(node.Edges, Edge{To: ref.Stage, Kind: EdgeCopy, Step: j})
		}
	}

	for _, e := range node.Edges {
		if !slices.Contains(node.Deps, e.To) {
			node.Deps = append(node.Deps, e.To)
		}
	}
	slices.Sort(node.Deps)

	return node, nil
}

// Resolves a base or copy source reference.
func (p *Plan) resolveRef(ref string, n int) (Ref, error) {
	if ref == "" {
		return Ref{}, errors.New("empty reference")
	}
	if i, ok := lookup(ref, p.byName, n); ok {
		return Ref{Stage: i}, nil
	}
	if ref == recipe.Scratch {
		return Ref{Stage: -1, Image: recipe.Scratch}, nil
	}
	if _, err := strconv.Atoi(ref); err == nil {
		return Ref{}, errors.New("stage index " + ref + " out of range")
	}
	if _, err := name.ParseReference(ref); err != nil {
		return Ref{}, errors.New("unknown stage or invalid image reference " + strconv.Quote(ref))
	}
	return Ref{Stage: -1, Image: ref}, nil
}

// Picks the requested targets and marks everything they need.
func (p *Plan) selectTargets(r *recipe.Recipe, targets []string) error {
	if len(targets) == 0 {
		targets = r.Targets
	}
	if len(targets) == 0 {
		targets = []string{strconv.Itoa(len(p.nodes) - 1)}
	}

	for _, t := range targets {
		i, ok := lookup(t, p.byName, len(p.nodes))
		if !ok {
			return &UnknownTargetError{Target: t}
		}
		if p.isTarget[i] {
			continue
		}
		p.isTarget[i] = true
		p.targets = append(p.targets, i)
		p.markNeeded(i)
	}

	for i, node := range p.nodes {
		if !p.needed[i] {
			continue
		}
		for _, d := range node.Deps {
			p.dependents[d] = append(p.dependents[d], i)
		}
	}
	return nil
}

// Marks stage i and its transitive dependencies as needed.
func (p *Plan) markNeeded(i int) {
	if p.needed[i] {
		return
	}
	p.needed[i] = true
	for _, d := range p.nodes[i].Deps {
		p.markNeeded(d)
	}
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Orders all stages with Kahn's algorithm.
//
// The ready queue is a min-heap by declaration index, so the order is
// deterministic. Returns false when a cycle prevents a complete order.
func (p *Plan) topoOrder() ([]int, bool) {
	indeg := make([]int, len(p.nodes))
	users := make([][]int, len(p.nodes))
	for i, node := range p.nodes {
		indeg[i] = len(node.Deps)
		for _, d := range node.Deps {
			users[d] = append(users[d], i)
		}
	}

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]int, 0, len(p.nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		order = append(order, n)
		for _, m := range users[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return order, len(order) == len(p.nodes)
}

// Extracts one cycle with a depth-first search over declaration indices.
//
// The witness starts and ends with the same stage and follows dependency
// edges, e.g. ["a", "b", "a"] when a depends on b and b on a.
func (p *Plan) findCycle() []string {
	const (
		white = iota
		gray
		black
	)

	color := make([]int, len(p.nodes))
	var stack []int
	var cycle []int

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		stack = append(stack, u)
		for _, v := range p.nodes[u].Deps {
			switch color[v] {
			case white:
				if dfs(v) {
					return true
				}
			case gray:
				start := slices.Index(stack, v)
				cycle = append(slices.Clone(stack[start:]), v)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}

	for i := range p.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, len(cycle))
	for i, idx := range cycle {
		out[i] = p.nodes[idx].Label
	}
	return out
}
