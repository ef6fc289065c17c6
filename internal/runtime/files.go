package runtime

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/cruciblehq/stagehand/internal/snapshot"
)

// Pseudo filesystems mounted by the runtime. Their content belongs to the
// running container, not to the stage result.
var exportExcludes = []string{"proc", "sys", "dev"}

// Files the sandbox bind-mounts from the host. They are left out of the
// export and the base snapshot's version is written in their place.
var hostMounts = []string{"etc/resolv.conf"}

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, path string) error {
	return c.check(ctx, execRequest{argv: []string{"mkdir", "-p", path}})
}

// Extracts a tar stream into destDir inside the container.
//
// An empty destDir is the root.
func (c *Container) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	return c.check(ctx, execRequest{argv: extractArgs(destDir), stdin: r})
}

// Writes the container's root filesystem as a tar stream.
//
// The archive is produced by tar inside the container, relative to the root
// and without the runtime's pseudo filesystems. Host-mounted files carry the
// base snapshot's content, so the result never depends on the building
// host. Timestamps are left to the caller to normalize.
func (c *Container) Export(ctx context.Context, w io.Writer) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(c.check(ctx, execRequest{argv: exportArgs(), stdout: pw}))
	}()

	err := restoreHostMounts(w, pr, c.base)
	pr.CloseWithError(err)
	if err != nil {
		return err
	}
	slog.Debug("container exported", "id", c.id)
	return nil
}

// Copies the tar stream r to w without host-mounted files, then appends
// base's entries for them.
//
// r is drained to its end so the producing process can exit, and any error
// it was closed with is returned.
func restoreHostMounts(w io.Writer, r io.Reader, base *snapshot.Snapshot) error {
	tr := tar.NewReader(r)
	tw := tar.NewWriter(w)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRuntime, err)
		}
		if isHostMount(hdr.Name) {
			continue
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("%w: %w", ErrRuntime, err)
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return fmt.Errorf("%w: %w", ErrRuntime, err)
		}
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}

	if base != nil {
		if err := base.WriteEntries(tw, hostMounts...); err != nil {
			return fmt.Errorf("%w: %w", ErrRuntime, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return nil
}

// Reports whether an archive member is a host-mounted file.
func isHostMount(name string) bool {
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	for _, m := range hostMounts {
		if clean == m {
			return true
		}
	}
	return false
}

// Runs a helper command and turns a nonzero exit into an error carrying
// its stderr.
func (c *Container) check(ctx context.Context, req execRequest) error {
	var stderr strings.Builder
	req.stderr = &stderr
	code, err := c.run(ctx, req)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: %s exited with code %d: %s", ErrRuntime, req.argv[0], code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Returns the command line that unpacks stdin into destDir.
func extractArgs(destDir string) []string {
	if destDir == "" {
		destDir = "/"
	}
	return []string{"tar", "xf", "-", "-C", destDir}
}

// Returns the command line that archives the root filesystem.
func exportArgs() []string {
	args := []string{"tar", "cf", "-"}
	for _, p := range exportExcludes {
		args = append(args, "--exclude=./"+p)
	}
	for _, p := range hostMounts {
		args = append(args, "--exclude=./"+p)
	}
	return append(args, "-C", "/", ".")
}
