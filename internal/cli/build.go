package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cruciblehq/stagehand/internal/build"
	"github.com/cruciblehq/stagehand/internal/client"
	"github.com/cruciblehq/stagehand/internal/image"
	"github.com/cruciblehq/stagehand/internal/protocol"
	"github.com/cruciblehq/stagehand/internal/recipe"
	"github.com/cruciblehq/stagehand/internal/runtime"
	"github.com/cruciblehq/stagehand/internal/server"
	"github.com/cruciblehq/stagehand/internal/snapshot"
)

// Recipe file names looked up in the build context, in order.
var recipeNames = []string{"stagehand.yaml", "stagehand.yml", "Dockerfile", "Containerfile"}

// Flags shared by commands that read a recipe.
type RecipeFlags struct {
	File     string   `short:"f" help:"Recipe file. Defaults to stagehand.yaml, then Dockerfile, in the context directory." placeholder:"FILE"`
	BuildArg []string `name:"build-arg" help:"Set a build argument. Repeatable." placeholder:"KEY=VALUE"`
	Context  string   `arg:"" optional:"" default:"." help:"Build context directory." type:"path"`
	Daemon   bool     `help:"Run through the stagehand daemon."`
}

// Returns the absolute recipe path and context directory.
func (f *RecipeFlags) paths() (string, string, error) {
	contextDir, err := filepath.Abs(f.Context)
	if err != nil {
		return "", "", err
	}

	if f.File != "" {
		file, err := filepath.Abs(f.File)
		return file, contextDir, err
	}

	for _, name := range recipeNames {
		p := filepath.Join(contextDir, name)
		if _, err := os.Stat(p); err == nil {
			return p, contextDir, nil
		}
	}
	return "", "", fmt.Errorf("%w: no recipe found in %s", recipe.ErrRecipe, contextDir)
}

// Represents the 'stagehand build' command.
type BuildCmd struct {
	RecipeFlags     `embed:""`
	ContainerdFlags `embed:""`

	Target   []string `short:"t" help:"Stage to materialize. Repeatable. Defaults to the recipe targets, else the last stage." placeholder:"STAGE"`
	Output   string   `short:"o" default:"dist" help:"Directory the target images are written to." type:"path"`
	Format   string   `enum:"docker,oci" default:"docker" help:"Image format (docker, oci)."`
	Jobs     int      `short:"j" help:"Maximum number of stages executing at once. Defaults to the CPU count."`
	FailFast bool     `name:"fail-fast" help:"Cancel the build on the first failing stage."`
	NoCache  bool     `name:"no-cache" help:"Execute every stage even when a cached result exists."`
	Platform string   `help:"Default platform for stages without one (e.g. linux/arm64)." placeholder:"OS/ARCH"`
}

// Executes the build command.
//
// Prints the path of every written image. Stage failures are reported with
// the stage and step that failed.
func (c *BuildCmd) Run(ctx context.Context) error {
	req, err := c.request()
	if err != nil {
		return err
	}

	var result *protocol.BuildResult
	if c.Daemon {
		result, err = client.New(RootCmd.Socket).Build(ctx, req)
	} else {
		result, err = c.runLocal(ctx, req)
	}

	if result != nil {
		printBuildResult(result)
	}
	return err
}

// Builds the request from the command line.
func (c *BuildCmd) request() (*protocol.BuildRequest, error) {
	file, contextDir, err := c.paths()
	if err != nil {
		return nil, err
	}

	args, err := recipe.ParseArgOverrides(c.BuildArg)
	if err != nil {
		return nil, err
	}

	output, err := filepath.Abs(c.Output)
	if err != nil {
		return nil, err
	}

	return &protocol.BuildRequest{
		Recipe:   file,
		Context:  contextDir,
		Targets:  c.Target,
		Args:     args,
		Output:   output,
		Format:   c.Format,
		Platform: c.Platform,
		Jobs:     c.Jobs,
		FailFast: c.FailFast,
		NoCache:  c.NoCache,
	}, nil
}

// Executes the build in this process.
//
// Containerd is only contacted once a stage needs a sandbox, so recipes
// without run steps build without it.
func (c *BuildCmd) runLocal(ctx context.Context, req *protocol.BuildRequest) (*protocol.BuildResult, error) {
	store, err := snapshot.NewDiskStore(c.CacheDir)
	if err != nil {
		return nil, err
	}

	var (
		mu sync.Mutex
		rt *runtime.Runtime
	)
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		if rt != nil {
			rt.Close()
		}
	}()

	worker := build.WorkerFunc(func(ctx context.Context, base *snapshot.Snapshot, id, platform string) (build.Workspace, error) {
		mu.Lock()
		if rt == nil {
			connected, err := runtime.New(c.ContainerdAddress, c.Namespace)
			if err != nil {
				mu.Unlock()
				return nil, err
			}
			rt = connected
		}
		worker := build.RuntimeWorker(rt)
		mu.Unlock()
		return worker.Open(ctx, base, id, platform)
	})

	b := build.New(image.NewRemoteResolver(), worker, store)
	return server.Build(ctx, b, req)
}

// Prints the written images and the stages that did not succeed.
func printBuildResult(result *protocol.BuildResult) {
	for _, st := range result.Stages {
		if st.Error != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", st.Stage, st.State)
		}
	}
	for _, img := range result.Images {
		if img.Path != "" {
			fmt.Println(img.Path)
		} else {
			fmt.Println(img.Tag, img.Digest)
		}
	}
}

// Represents the 'stagehand stages' command.
type StagesCmd struct {
	RecipeFlags `embed:""`
}

// Executes the stages command.
//
// Prints one stage per line in execution order; anonymous stages appear as
// "#index".
func (c *StagesCmd) Run(ctx context.Context) error {
	file, _, err := c.paths()
	if err != nil {
		return err
	}

	args, err := recipe.ParseArgOverrides(c.BuildArg)
	if err != nil {
		return err
	}

	req := &protocol.StagesRequest{Recipe: file, Args: args}

	var result *protocol.StagesResult
	if c.Daemon {
		result, err = client.New(RootCmd.Socket).Stages(ctx, req)
	} else {
		result, err = server.Stages(req)
	}
	if err != nil {
		return err
	}

	for _, name := range result.Stages {
		fmt.Println(name)
	}
	return nil
}
