package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"

	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/stagehand/internal/graph"
	"github.com/cruciblehq/stagehand/internal/recipe"
	"github.com/cruciblehq/stagehand/internal/snapshot"
)

// A copy step with its arguments expanded and its source resolved.
type preparedCopy struct {
	spec   recipe.CopySpec
	source *snapshot.Snapshot
}

// Executes a stage, or reuses its cached snapshot.
//
// Returns the stage's snapshot and whether it came from the store. Every
// failure is a [*StageExecutionError].
func (x *Execution) execute(ctx context.Context, node *graph.Node) (*snapshot.Snapshot, bool, error) {
	label := node.Label
	stage := x.recipe.Stages[node.Index]
	platform := x.platformFor(node)
	fail := func(index int, err error) (*snapshot.Snapshot, bool, error) {
		return nil, false, &StageExecutionError{Stage: label, Index: index, Err: err}
	}

	base, err := x.source(ctx, node.Base, platform)
	if err != nil {
		return fail(0, fmt.Errorf("%w: %w", ErrBaseImage, err))
	}

	copies, sources, err := x.prepareCopies(ctx, node, stage, base, platform)
	if err != nil {
		return nil, false, err
	}

	key, err := cacheKey(base.Digest(), platform, stage, x.args, sources)
	if err != nil {
		return fail(0, err)
	}

	store := x.builder.store
	if !x.opts.NoCache {
		snap, ok, err := store.Get(key)
		if err != nil {
			slog.Warn("cache lookup failed", "stage", label, "error", err)
		}
		if ok {
			return snap, true, nil
		}
	}

	slog.Info("building stage", "stage", label, "platform", platform, "key", key)

	ws, err := x.openWorkspace(ctx, stage, base, label, key, platform)
	if err != nil {
		return fail(0, err)
	}
	defer ws.Destroy(context.WithoutCancel(ctx))

	state := seedStepState(base.Config(), x.args)
	if err := executeSteps(ctx, ws, stage.Steps, state, copies, label); err != nil {
		return nil, false, err
	}

	cfg := base.Config()
	state.commit(&cfg)
	applyImageConfig(&cfg, stage)

	snap, err := commit(ctx, ws, base, cfg)
	if err != nil {
		return fail(0, err)
	}

	if err := store.Put(key, snap); err != nil {
		slog.Warn("failed to cache stage", "stage", label, "error", err)
	}
	return snap, false, nil
}

// Resolves the source of every copy step.
//
// Modifiers are replayed so copy arguments are expanded exactly as they will
// be when the step runs. Returns the prepared copies and the digest of each
// source, both keyed by step index.
func (x *Execution) prepareCopies(ctx context.Context, node *graph.Node, stage recipe.Stage, base *snapshot.Snapshot, platform string) (map[int]preparedCopy, map[int]digest.Digest, error) {
	copies := make(map[int]preparedCopy)
	sources := make(map[int]digest.Digest)
	state := seedStepState(base.Config(), x.args)

	for i, step := range stage.Steps {
		fail := func(err error) (map[int]preparedCopy, map[int]digest.Digest, error) {
			return nil, nil, &StageExecutionError{Stage: node.Label, Index: i + 1, Err: err}
		}

		switch step.Kind() {
		case recipe.KindModifier:
			if err := state.apply(step); err != nil {
				return fail(err)
			}
			continue
		case recipe.KindRun:
			continue
		}

		resolved, err := state.resolve(step)
		if err != nil {
			return fail(err)
		}
		spec, err := step.CopySpec()
		if err != nil {
			return fail(err)
		}
		if spec.Src, err = resolved.expand(spec.Src); err != nil {
			return fail(err)
		}
		if spec.Dest, err = resolved.expand(spec.Dest); err != nil {
			return fail(err)
		}

		var src *snapshot.Snapshot
		if ref, ok := node.Copies[i]; ok {
			spec.From = ref.String()
			src, err = x.source(ctx, ref, platform)
		} else {
			src, err = loadHostSource(x.opts.Context, spec.Src)
		}
		if err != nil {
			return fail(fmt.Errorf("%w: %w", ErrCopy, err))
		}

		copies[i] = preparedCopy{spec: spec, source: src}
		sources[i] = src.Digest()
	}

	return copies, sources, nil
}

// Opens the workspace a stage executes in.
//
// Stages without run steps are executed in memory.
func (x *Execution) openWorkspace(ctx context.Context, stage recipe.Stage, base *snapshot.Snapshot, label string, key digest.Digest, platform string) (Workspace, error) {
	needsWorker := false
	for _, step := range stage.Steps {
		if step.Kind() == recipe.KindRun {
			needsWorker = true
			break
		}
	}
	if !needsWorker || x.builder.worker == nil {
		return newMemWorkspace(base), nil
	}
	return x.builder.worker.Open(ctx, base, x.workspaceID(label, key), platform)
}

// Executes a list of steps in order against the workspace.
func executeSteps(ctx context.Context, ws Workspace, steps []recipe.Step, state *stepState, copies map[int]preparedCopy, label string) error {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return &StageExecutionError{Stage: label, Index: i + 1, Err: context.Cause(ctx)}
		}
		if err := executeStep(ctx, ws, step, state, copies[i]); err != nil {
			return &StageExecutionError{Stage: label, Index: i + 1, Err: err}
		}
	}
	return nil
}

// Executes a single step, dispatching to operation execution or state
// mutation depending on the step's fields.
//
// A step setting the persistent working directory creates it, so the
// directory exists in the result even when no later step uses it.
func executeStep(ctx context.Context, ws Workspace, step recipe.Step, state *stepState, cp preparedCopy) error {
	if step.Kind() != recipe.KindModifier {
		return executeOperation(ctx, ws, step, state, cp)
	}
	if err := state.apply(step); err != nil {
		return err
	}
	if step.Workdir != "" {
		return ws.MkdirAll(ctx, state.workdir)
	}
	return nil
}

// Executes a run or copy operation with scoped modifier overrides.
//
// Step-level modifiers override the persistent state for this operation only.
// The persistent state is not modified.
func executeOperation(ctx context.Context, ws Workspace, step recipe.Step, state *stepState, cp preparedCopy) error {
	resolved, err := state.resolve(step)
	if err != nil {
		return err
	}

	if resolved.workdir != "" {
		if err := ws.MkdirAll(ctx, resolved.workdir); err != nil {
			return err
		}
	}

	switch step.Kind() {
	case recipe.KindRun:
		argv := resolved.argv(step)
		slog.Debug("run", "argv", argv, "workdir", resolved.workdir)
		result, err := ws.Exec(ctx, argv, resolved.environ(), resolved.workdir)
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return &ExitError{Code: result.ExitCode, Stderr: result.Stderr}
		}

	case recipe.KindCopy:
		if err := executeCopy(ctx, ws, cp.spec, resolved.workdir, cp.source); err != nil {
			return err
		}
	}

	return nil
}

// Sets the image metadata declared on the stage.
//
// Entrypoint and command replace the inherited ones when set; labels are
// merged over the inherited ones.
func applyImageConfig(cfg *snapshot.Config, stage recipe.Stage) {
	if len(stage.Entrypoint) > 0 {
		cfg.Entrypoint = stage.Entrypoint
		// A new entrypoint resets the inherited command, as in Dockerfiles.
		if len(stage.Cmd) == 0 {
			cfg.Cmd = nil
		}
	}
	if len(stage.Cmd) > 0 {
		cfg.Cmd = stage.Cmd
	}
	if len(stage.Labels) > 0 {
		if cfg.Labels == nil {
			cfg.Labels = make(map[string]string, len(stage.Labels))
		}
		maps.Copy(cfg.Labels, stage.Labels)
	}
}

// Captures the workspace filesystem as a snapshot with the given
// configuration. Files left unchanged since base share its content.
func commit(ctx context.Context, ws Workspace, base *snapshot.Snapshot, cfg snapshot.Config) (*snapshot.Snapshot, error) {
	if mem, ok := ws.(*memWorkspace); ok {
		return mem.commit(cfg), nil
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(ws.Export(ctx, pw))
	}()

	snap, err := snapshot.FromTarSharing(pr, cfg, base)
	pr.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	return snap, nil
}
