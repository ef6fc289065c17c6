package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cruciblehq/stagehand/internal/snapshot"
)

// A sandbox container serving one stage execution.
//
// The root filesystem starts as a copy of the stage's base snapshot. An idle
// task keeps the container alive so that every run step attaches to it as an
// exec process.
type Container struct {
	id       string
	platform string
	ctr      containerd.Container
	task     containerd.Task
	process  specs.Process      // Process template taken from the container spec.
	base     *snapshot.Snapshot // Snapshot the root filesystem started from.
	execs    atomic.Uint64
}

// Returns the containerd container ID.
func (c *Container) ID() string {
	return c.id
}

// Kills the idle task and removes the container with its snapshot.
//
// The handle is unusable afterwards. Failures are logged.
func (c *Container) Destroy(ctx context.Context) {
	killTask(ctx, c.task)
	if err := c.ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("failed to delete container", "id", c.id, "error", err)
	}
}

// Returns the options for a sandbox container based on img.
//
// The sandbox shares the host network and resolver configuration so that
// package installers can reach their registries.
func sandboxOpts(img containerd.Image, id, platform string) []containerd.NewContainerOpts {
	return []containerd.NewContainerOpts{
		containerd.WithImage(img),
		containerd.WithSnapshotter(snapshotter),
		containerd.WithNewSnapshot(id, img),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithNewSpec(
			oci.WithDefaultSpecForPlatform(platform),
			oci.WithImageConfig(img),
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostResolvconf,
			oci.WithProcessArgs("sleep", "infinity"),
		),
	}
}

// Creates the container, starts its idle task and captures the process
// template used by later execs.
func newContainer(ctx context.Context, client *containerd.Client, img containerd.Image, base *snapshot.Snapshot, id, platform string) (*Container, error) {
	ctr, err := client.NewContainer(ctx, id, sandboxOpts(img, id, platform)...)
	if err != nil {
		return nil, err
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, err
	}
	if spec.Process == nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("container %s has no process spec", id)
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, err
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, err
	}

	return &Container{
		id:       id,
		platform: platform,
		ctr:      ctr,
		task:     task,
		process:  *spec.Process,
		base:     base,
	}, nil
}

// Removes a container left behind by an earlier execution with the same ID.
func removeStale(ctx context.Context, client *containerd.Client, id string) {
	ctr, err := client.LoadContainer(ctx, id)
	if err != nil {
		return
	}
	if task, err := ctr.Task(ctx, nil); err == nil {
		killTask(ctx, task)
	}
	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		slog.Warn("failed to remove stale container", "id", id, "error", err)
	}
}

// Kills a task and deletes it.
func killTask(ctx context.Context, task containerd.Task) {
	if task == nil {
		return
	}
	task.Kill(ctx, syscall.SIGKILL)
	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("failed to delete task", "id", task.ID(), "error", err)
	}
}
