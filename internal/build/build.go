package build

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cruciblehq/stagehand/internal/image"
	"github.com/cruciblehq/stagehand/internal/recipe"
	"github.com/cruciblehq/stagehand/internal/snapshot"
)

// Controls a build.
type Options struct {
	Targets  []string          // Stages to materialize. Defaults to the recipe targets, else the last stage.
	Args     map[string]string // Build argument overrides.
	Context  string            // Build context directory, for resolving host copy sources.
	Output   string            // Directory for materialized images. Nothing is written when empty.
	Format   image.Format      // Output image format. Defaults to docker.
	Platform string            // Default platform for stages without one. Defaults to the host.
	Jobs     int               // Maximum stages executing at once. Defaults to the CPU count.
	FailFast bool              // Cancel the whole build on the first failure.
	NoCache  bool              // Execute every stage even when a cached snapshot exists.
	Resource string            // Prefix for workspace IDs and image tags.
}

// Returned after a build.
type Result struct {
	Images map[string]*Image // Materialized targets by stage label.
	Stages []StageStatus     // Final state of every needed stage, in dependency order.
}

// A materialized target.
type Image struct {
	Stage    string             // Stage label.
	Snapshot *snapshot.Snapshot // Final filesystem and configuration.
	Path     string             // Written image, empty when no output directory was given.
	Tag      string             // Image reference recorded in the output.
}

// Executes recipes.
//
// A Builder is safe for concurrent use; each build keeps its own state.
type Builder struct {
	resolver Resolver       // External base images.
	worker   Worker         // Workspaces for run steps.
	store    snapshot.Store // Stage cache.
}

// Creates a new [Builder].
//
// A nil resolver limits bases to stages and scratch, a nil worker limits
// stages to copy and configuration steps, and a nil store selects a
// process-local memory store.
func New(resolver Resolver, worker Worker, store snapshot.Store) *Builder {
	if store == nil {
		store = snapshot.NewMemoryStore()
	}
	return &Builder{resolver: resolver, worker: worker, store: store}
}

// Resolves, executes and materializes a recipe.
//
// Graph and argument errors are returned before anything runs, with a nil
// result. Otherwise the result always describes every needed stage, and
// holds the images of the targets that succeeded; the error joins the
// failures of the others.
func (b *Builder) Build(ctx context.Context, rcp *recipe.Recipe, opts Options) (*Result, error) {
	x, err := b.Start(rcp, opts)
	if err != nil {
		return nil, err
	}

	slog.Info("executing recipe",
		"resource", opts.Resource,
		"output", opts.Output,
		"stages", len(x.Status()),
		"platform", x.platform,
	)

	runErr := x.Run(ctx)

	result := &Result{Images: make(map[string]*Image), Stages: x.Status()}
	var errs []error
	for _, node := range x.plan.Targets() {
		img, err := x.materialize(ctx, node)
		if err != nil {
			errs = appendUnique(errs, err)
			continue
		}
		result.Images[node.Label] = img
	}
	if len(errs) == 0 && runErr != nil {
		errs = append(errs, runErr)
	}

	return result, errors.Join(errs...)
}

// Appends err unless an equal error is already present.
func appendUnique(errs []error, err error) []error {
	for _, e := range errs {
		if errors.Is(e, err) {
			return errs
		}
	}
	return append(errs, err)
}
