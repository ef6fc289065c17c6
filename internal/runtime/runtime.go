package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/stagehand/internal/image"
	"github.com/cruciblehq/stagehand/internal/paths"
	"github.com/cruciblehq/stagehand/internal/snapshot"
)

const (

	// Snapshotter used for container filesystems. fuse-overlayfs provides
	// overlay semantics without requiring root privileges (no mount(2)),
	// allowing stagehand to run as a regular user.
	snapshotter = "fuse-overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Manages the containerd client and provides sandboxes for run steps.
type Runtime struct {
	client  *containerd.Client // Containerd client for managing containers and images.
	scratch string             // Directory for base image archives awaiting import.
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. The
// runtime must be closed when no longer needed.
func New(address, namespace string) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return &Runtime{client: client, scratch: paths.Scratch()}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Starts a container whose root filesystem is a copy of base.
//
// The snapshot is written as an image archive and imported into containerd
// under a tag derived from its digest. Bases with the same content share one
// imported image. An empty platform selects the host platform.
func (rt *Runtime) Open(ctx context.Context, base *snapshot.Snapshot, id, platform string) (*Container, error) {
	if platform == "" {
		platform = defaultPlatform()
	}
	tag := imageTag(base.Digest())

	if _, err := rt.client.ImageService().Get(ctx, tag); err != nil {
		if !errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
		}
		if err := rt.importSnapshot(ctx, base, id, tag, platform); err != nil {
			return nil, err
		}
	}

	return rt.start(ctx, base, tag, id, platform)
}

// Writes base as an archive into the scratch directory and imports it.
func (rt *Runtime) importSnapshot(ctx context.Context, base *snapshot.Snapshot, id, tag, platform string) error {
	archivePath := filepath.Join(rt.scratch, id+".tar")
	err := image.Write(base, archivePath, image.WriteOptions{
		Tag:      tag,
		Format:   image.FormatDocker,
		Platform: platform,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	defer os.Remove(archivePath)

	source, err := rt.importArchive(ctx, archivePath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	if err := rt.tagImage(ctx, source, tag); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("base imported", "tag", tag, "digest", base.Digest())
	return nil
}

// Unpacks a tagged image for the target platform and starts a sandbox.
//
// Any container left over from an earlier execution with the same ID is
// removed first. Building for a platform other than the host requires
// QEMU / binfmt_misc support in the kernel.
func (rt *Runtime) start(ctx context.Context, base *snapshot.Snapshot, tag, id, platform string) (*Container, error) {
	img, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	if err := img.Unpack(ctx, snapshotter); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	removeStale(ctx, rt.client, id)

	c, err := newContainer(ctx, rt.client, img, base, id, platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("container started", "id", id, "image", tag)
	return c, nil
}

// Imports an image archive into the content store.
//
// The archive must contain exactly one image.
func (rt *Runtime) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	if len(imported) == 0 {
		return images.Image{}, ErrEmptyArchive
	} else if len(imported) > 1 {
		return images.Image{}, ErrMultipleImages
	}

	return imported[0], nil
}

// Tags an imported image under a deterministic name.
//
// Updates the tag if it already exists. Removes the source record when
// its name differs from the tag to avoid duplicates.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   tag,
		Target: source.Target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}

	if source.Name != tag {
		_ = is.Delete(ctx, source.Name)
	}

	return nil
}

// Looks up a tagged image and selects the manifest for the given platform.
func (rt *Runtime) resolveImage(ctx context.Context, tag, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Produces a containerd image tag for a snapshot digest.
//
// The tag is a valid reference for any digest algorithm.
func imageTag(d digest.Digest) string {
	return fmt.Sprintf("stagehand/base/%s:%s", d.Algorithm(), d.Encoded())
}

// Returns the default OCI platform for the host architecture.
func defaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}
