package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	goruntime "runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/cruciblehq/stagehand/internal"
	"github.com/cruciblehq/stagehand/internal/graph"
	"github.com/cruciblehq/stagehand/internal/image"
	"github.com/cruciblehq/stagehand/internal/recipe"
	"github.com/cruciblehq/stagehand/internal/snapshot"
)

// Execution state of a stage.
type State int

const (
	StatePending   State = iota // Waiting for dependencies or a slot.
	StateRunning                // Executing steps.
	StateCompleted              // Executed successfully.
	StateCached                 // Reused from the store.
	StateFailed                 // A step or the stage setup failed.
	StateSkipped                // Not executed because a dependency failed or the build was cancelled.
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCached:
		return "cached"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reports whether the state is final.
func (s State) Done() bool {
	return s >= StateCompleted
}

// Reports whether the stage produced a snapshot.
func (s State) Succeeded() bool {
	return s == StateCompleted || s == StateCached
}

// Outcome of a stage.
type StageStatus struct {
	Stage  string        // Stage label.
	State  State         // Current state.
	Digest digest.Digest // Snapshot digest once succeeded.
	Err    error         // Failure, for failed and skipped stages.
}

// Sequence counter for workspace identifiers.
var workspaceSeq uint64

// Characters not allowed in workspace identifiers.
var unsafeID = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Per-stage execution state.
type stageRun struct {
	node      *graph.Node
	done      chan struct{} // Closed once the stage reached a final state.
	mu        sync.Mutex
	state     State
	snap      *snapshot.Snapshot // Result, dropped once no dependent needs it.
	digest    digest.Digest
	err       error
	remaining int // Dependents that have not finished.
}

// Returns the stage's failure, or nil.
func (s *stageRun) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Returns the stage's snapshot.
func (s *stageRun) snapshot() *snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *stageRun) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *stageRun) status() StageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StageStatus{Stage: s.node.Label, State: s.state, Digest: s.digest, Err: s.err}
}

// A single build of a recipe.
//
// An execution is created by [Builder.Start], runs its stages once with
// [Execution.Run], and materializes targets with [Execution.Materialize].
type Execution struct {
	builder  *Builder
	opts     Options
	recipe   *recipe.Recipe
	plan     *graph.Plan
	args     map[string]string // Resolved build arguments.
	platform string            // Default platform.
	stages   []*stageRun       // By stage index; nil for stages not needed.
	started  atomic.Bool

	bases   singleflight.Group
	basesMu sync.Mutex
	baseMap map[string]*snapshot.Snapshot // Resolved external images by ref and platform.
}

// Validates a recipe and prepares its execution.
//
// Build arguments are resolved and the graph is checked; the returned
// execution has not run anything yet.
func (b *Builder) Start(rcp *recipe.Recipe, opts Options) (*Execution, error) {
	args, err := recipe.ResolveArgs(rcp.Args, opts.Args)
	if err != nil {
		return nil, err
	}

	plan, err := graph.Resolve(rcp, opts.Targets, args)
	if err != nil {
		return nil, err
	}

	if opts.Jobs <= 0 {
		opts.Jobs = goruntime.NumCPU()
	}
	if opts.Format == "" {
		opts.Format = image.FormatDocker
	}
	if opts.Resource == "" {
		opts.Resource = internal.Name
	}

	platform := opts.Platform
	if platform == "" {
		platform = platforms.DefaultString()
	}

	x := &Execution{
		builder:  b,
		opts:     opts,
		recipe:   rcp,
		plan:     plan,
		args:     args,
		platform: platform,
		stages:   make([]*stageRun, plan.Len()),
		baseMap:  make(map[string]*snapshot.Snapshot),
	}
	for _, node := range plan.Needed() {
		x.stages[node.Index] = &stageRun{
			node:      node,
			done:      make(chan struct{}),
			remaining: len(plan.Dependents(node.Index)),
		}
	}
	return x, nil
}

// Returns the execution plan.
func (x *Execution) Plan() *graph.Plan {
	return x.plan
}

// Returns the state of every needed stage, in dependency order.
func (x *Execution) Status() []StageStatus {
	needed := x.plan.Needed()
	out := make([]StageStatus, len(needed))
	for i, node := range needed {
		out[i] = x.stages[node.Index].status()
	}
	return out
}

// Executes every needed stage and waits for all of them to finish.
//
// Stages start as soon as all their dependencies have succeeded, at most
// [Options.Jobs] at a time. Without FailFast, Run returns nil even when
// stages fail; their errors surface through [Execution.Materialize] and
// [Execution.Status]. With FailFast, the first failure cancels the remaining
// work and is returned.
func (x *Execution) Run(ctx context.Context) error {
	if !x.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: execution already started", ErrBuild)
	}

	sem := semaphore.NewWeighted(int64(x.opts.Jobs))
	g, gctx := errgroup.WithContext(ctx)

	for _, node := range x.plan.Needed() {
		st := x.stages[node.Index]
		g.Go(func() error {
			return x.runStage(gctx, sem, st)
		})
	}

	return g.Wait()
}

// Drives a single stage from pending to a final state.
func (x *Execution) runStage(ctx context.Context, sem *semaphore.Weighted, st *stageRun) error {
	defer close(st.done)
	label := st.node.Label

	for _, d := range st.node.Deps {
		dep := x.stages[d]
		select {
		case <-dep.done:
		case <-ctx.Done():
			x.finish(st, StateSkipped, nil, x.cancelled(ctx, label))
			return nil
		}
		if err := dep.failure(); err != nil {
			slog.Info("skipping stage", "stage", label, "dependency", dep.node.Label)
			x.finish(st, StateSkipped, nil, err)
			return nil
		}
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		x.finish(st, StateSkipped, nil, x.cancelled(ctx, label))
		return nil
	}
	defer sem.Release(1)

	st.setState(StateRunning)
	start := time.Now()

	snap, cached, err := x.execute(ctx, st.node)
	if err != nil && ctx.Err() != nil {
		// Aborted by cancellation; report what cancelled the build.
		err = x.cancelled(ctx, label)
	}
	if err != nil {
		slog.Error("stage failed", "stage", label, "error", err)
		x.finish(st, StateFailed, nil, err)
		if x.opts.FailFast {
			return err
		}
		return nil
	}

	state := StateCompleted
	if cached {
		state = StateCached
	}
	slog.Info("stage "+state.String(), "stage", label, "digest", snap.Digest(), "duration", time.Since(start).Round(time.Millisecond))
	x.finish(st, state, snap, nil)
	return nil
}

// Returns the error recorded for a stage that never ran because ctx ended.
//
// When the build was cancelled by a failing stage, that stage's error is
// the cause and is returned unchanged.
func (x *Execution) cancelled(ctx context.Context, label string) error {
	cause := context.Cause(ctx)
	var sErr *StageExecutionError
	if errors.As(cause, &sErr) {
		return sErr
	}
	return &StageExecutionError{Stage: label, Err: cause}
}

// Records a stage's final state and releases dependency snapshots that are
// no longer needed.
func (x *Execution) finish(st *stageRun, state State, snap *snapshot.Snapshot, err error) {
	st.mu.Lock()
	st.state = state
	st.snap = snap
	st.err = err
	if snap != nil {
		st.digest = snap.Digest()
	}
	st.mu.Unlock()

	for _, d := range st.node.Deps {
		dep := x.stages[d]
		dep.mu.Lock()
		dep.remaining--
		if dep.remaining == 0 && !x.plan.IsTarget(d) && dep.snap != nil {
			dep.snap = nil
			slog.Debug("released snapshot", "stage", dep.node.Label)
		}
		dep.mu.Unlock()
	}
}

// Materializes a target stage.
//
// Returns [*NotReadyError] while the stage has not finished, the original
// failure if the stage or one of its dependencies failed, and the image
// otherwise. With an output directory, the image is written there first.
func (x *Execution) Materialize(ctx context.Context, target string) (*Image, error) {
	node, ok := x.plan.Lookup(target)
	if !ok || !x.plan.IsTarget(node.Index) {
		return nil, &graph.UnknownTargetError{Target: target}
	}
	return x.materialize(ctx, node)
}

// Materializes a resolved target node.
func (x *Execution) materialize(ctx context.Context, node *graph.Node) (*Image, error) {
	status := x.stages[node.Index].status()
	switch {
	case !status.State.Done():
		return nil, &NotReadyError{Stage: node.Label, State: status.State}
	case status.Err != nil:
		return nil, status.Err
	}

	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	img := &Image{
		Stage:    node.Label,
		Snapshot: x.stages[node.Index].snapshot(),
		Tag:      strings.ToLower(idSlug(x.opts.Resource) + ":" + idSlug(node.Label)),
	}

	if x.opts.Output != "" {
		img.Path = filepath.Join(x.opts.Output, image.FileName(idSlug(node.Label), x.opts.Format))
		err := image.Write(img.Snapshot, img.Path, image.WriteOptions{
			Tag:      img.Tag,
			Format:   x.opts.Format,
			Platform: x.platformFor(node),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: stage %s: %w", ErrBuild, node.Label, err)
		}
		slog.Info("exported image", "stage", node.Label, "path", img.Path, "format", x.opts.Format)
	}

	return img, nil
}

// Returns the platform a stage builds for.
func (x *Execution) platformFor(node *graph.Node) string {
	if node.Platform != "" {
		return node.Platform
	}
	return x.platform
}

// Returns the snapshot a reference points to.
//
// Stage references read the completed snapshot of that stage. External
// images are resolved once per build and platform.
func (x *Execution) source(ctx context.Context, ref graph.Ref, platform string) (*snapshot.Snapshot, error) {
	if ref.IsStage() {
		snap := x.stages[ref.Stage].snapshot()
		if snap == nil {
			return nil, fmt.Errorf("%w: stage %s has no snapshot", ErrBuild, x.plan.Node(ref.Stage).Label)
		}
		return snap, nil
	}
	if ref.Image == recipe.Scratch {
		return snapshot.Empty(), nil
	}
	if x.builder.resolver == nil {
		return nil, fmt.Errorf("no resolver for image %s", ref.Image)
	}

	key := ref.Image + "@" + platform
	x.basesMu.Lock()
	snap, ok := x.baseMap[key]
	x.basesMu.Unlock()
	if ok {
		return snap, nil
	}

	v, err, _ := x.bases.Do(key, func() (any, error) {
		x.basesMu.Lock()
		snap, ok := x.baseMap[key]
		x.basesMu.Unlock()
		if ok {
			return snap, nil
		}

		slog.Info("resolving image", "ref", ref.Image, "platform", platform)
		snap, err := x.builder.resolver.Resolve(ctx, ref.Image, platform)
		if err != nil {
			return nil, err
		}
		x.basesMu.Lock()
		x.baseMap[key] = snap
		x.basesMu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot.Snapshot), nil
}

// Returns a unique workspace identifier for a stage execution.
func (x *Execution) workspaceID(label string, key digest.Digest) string {
	seq := atomic.AddUint64(&workspaceSeq, 1)
	return fmt.Sprintf("%s-%s-%s-%d", idSlug(x.opts.Resource), idSlug(label), key.Encoded()[:12], seq)
}

// Converts a stage label to a string usable in identifiers and file names.
//
// Anonymous stages ("#2") become "stage-2".
func idSlug(label string) string {
	if len(label) > 1 && label[0] == '#' {
		return "stage-" + label[1:]
	}
	return unsafeID.ReplaceAllString(label, "-")
}
