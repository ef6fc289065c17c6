package build

import (
	"context"
	"io"

	"github.com/cruciblehq/stagehand/internal/paths"
	"github.com/cruciblehq/stagehand/internal/runtime"
	"github.com/cruciblehq/stagehand/internal/snapshot"
)

// Resolves external base images into snapshots.
type Resolver interface {
	Resolve(ctx context.Context, ref, platform string) (*snapshot.Snapshot, error)
}

// Provides isolated workspaces for stage execution.
type Worker interface {
	// Opens a workspace whose filesystem is a copy of base. The id is unique
	// per stage execution.
	Open(ctx context.Context, base *snapshot.Snapshot, id, platform string) (Workspace, error)
}

// Adapts a function to the [Worker] interface.
type WorkerFunc func(ctx context.Context, base *snapshot.Snapshot, id, platform string) (Workspace, error)

func (f WorkerFunc) Open(ctx context.Context, base *snapshot.Snapshot, id, platform string) (Workspace, error) {
	return f(ctx, base, id, platform)
}

// Adapts a containerd runtime to the [Worker] interface.
//
// Every workspace is a container started from the base snapshot.
func RuntimeWorker(rt *runtime.Runtime) Worker {
	return WorkerFunc(func(ctx context.Context, base *snapshot.Snapshot, id, platform string) (Workspace, error) {
		ctr, err := rt.Open(ctx, base, id, platform)
		if err != nil {
			return nil, err
		}
		return ctr, nil
	})
}

// A mutable filesystem that steps execute against.
type Workspace interface {
	// Runs argv with the given environment and working directory. A nonzero
	// exit status is reported in the result, not as an error.
	Exec(ctx context.Context, argv, env []string, workdir string) (*runtime.ExecResult, error)

	// Creates a directory, including parents.
	MkdirAll(ctx context.Context, path string) error

	// Extracts a tar stream into destDir.
	CopyTo(ctx context.Context, r io.Reader, destDir string) error

	// Writes the whole filesystem as a tar stream.
	Export(ctx context.Context, w io.Writer) error

	// Releases the workspace.
	Destroy(ctx context.Context)
}

// A workspace held entirely in memory.
//
// It serves stages that only copy files and modify configuration. Exec is
// not supported.
type memWorkspace struct {
	b *snapshot.Builder
}

// Creates a new [memWorkspace] seeded from base.
func newMemWorkspace(base *snapshot.Snapshot) *memWorkspace {
	return &memWorkspace{b: snapshot.NewBuilder(base)}
}

func (m *memWorkspace) Exec(ctx context.Context, argv, env []string, workdir string) (*runtime.ExecResult, error) {
	return nil, ErrNoWorker
}

func (m *memWorkspace) MkdirAll(ctx context.Context, path string) error {
	return m.b.MkdirAll(path, paths.DefaultDirMode)
}

func (m *memWorkspace) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	return m.b.Apply(r, destDir)
}

func (m *memWorkspace) Export(ctx context.Context, w io.Writer) error {
	return m.b.Freeze().WriteTar(w)
}

func (m *memWorkspace) Destroy(ctx context.Context) {}

// Freezes the workspace into a snapshot with the given configuration.
func (m *memWorkspace) commit(cfg snapshot.Config) *snapshot.Snapshot {
	m.b.SetConfig(cfg)
	return m.b.Freeze()
}
