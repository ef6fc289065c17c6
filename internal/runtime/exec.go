package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Output of a command execution inside a container.
type ExecResult struct {
	ExitCode int    // Exit code of the process.
	Stdout   string // Captured standard output.
	Stderr   string // Captured standard error.
}

// A single process to run inside a container.
type execRequest struct {
	argv    []string
	env     []string  // Entries merged over the container environment.
	workdir string    // Empty keeps the container default.
	stdin   io.Reader // Nil leaves stdin disconnected.
	stdout  io.Writer // Nil discards.
	stderr  io.Writer // Nil discards.
}

// Runs argv inside the container.
//
// env and workdir apply to this execution only. A nonzero exit status is
// reported in the result, not as an error.
func (c *Container) Exec(ctx context.Context, argv, env []string, workdir string) (*ExecResult, error) {
	var stdout, stderr bytes.Buffer
	code, err := c.run(ctx, execRequest{
		argv:    argv,
		env:     env,
		workdir: workdir,
		stdout:  &stdout,
		stderr:  &stderr,
	})
	if err != nil {
		return nil, err
	}
	return &ExecResult{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Runs req as an exec process of the idle task and returns its exit code.
//
// When stdin is set, the process stdin is closed as soon as the reader is
// drained. The containerd shim holds both ends of the stdin FIFO, so the
// process would otherwise never see EOF.
func (c *Container) run(ctx context.Context, req execRequest) (int, error) {
	stdout, stderr := req.stdout, req.stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	var drained chan struct{}
	stdin := req.stdin
	if stdin != nil {
		drained = make(chan struct{})
		stdin = onEOF(stdin, func() { close(drained) })
	}

	execID := fmt.Sprintf("exec-%d", c.execs.Add(1))
	process, err := c.task.Exec(ctx, execID, processSpec(c.process, req), cio.NewCreator(
		cio.WithStreams(stdin, stdout, stderr),
	))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	defer process.Delete(context.WithoutCancel(ctx), containerd.WithProcessKill)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	if err := process.Start(ctx); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if drained != nil {
		go func() {
			select {
			case <-drained:
				process.CloseIO(ctx, containerd.WithStdinCloser)
			case <-ctx.Done():
			}
		}()
	}

	var status containerd.ExitStatus
	select {
	case status = <-statusC:
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrRuntime, context.Cause(ctx))
	}

	code, _, err := status.Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return int(code), nil
}

// Derives the process for req from the container's process template.
func processSpec(template specs.Process, req execRequest) *specs.Process {
	p := template
	p.Terminal = false
	p.Args = slices.Clone(req.argv)
	if len(req.env) > 0 {
		p.Env = mergeEnv(template.Env, req.env)
	}
	if req.workdir != "" {
		p.Cwd = req.workdir
	}
	return &p
}

// Merges override env vars on top of a base env slice.
//
// The result is sorted by variable name; malformed entries are dropped.
func mergeEnv(base, overrides []string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, entry := range slices.Concat(base, overrides) {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}

	result := make([]string, 0, len(merged))
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		result = append(result, k+"="+merged[k])
	}
	return result
}
