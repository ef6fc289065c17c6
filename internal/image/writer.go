package image

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/renameio/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cruciblehq/stagehand/internal/paths"
	"github.com/cruciblehq/stagehand/internal/snapshot"
)

// Output image format.
type Format string

const (
	FormatDocker Format = "docker" // Docker archive, as produced by "docker save".
	FormatOCI    Format = "oci"    // Tarred OCI image layout.
)

// Parses a format name. An empty name selects [FormatDocker].
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatDocker:
		return FormatDocker, nil
	case FormatOCI:
		return FormatOCI, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrFormat, s)
	}
}

// Returns the output file name for an image called base.
func FileName(base string, format Format) string {
	if format == FormatOCI {
		return base + ".oci.tar"
	}
	return base + ".tar"
}

// Controls how an image is written.
type WriteOptions struct {
	Tag      string // Image reference recorded in the archive (e.g. "app:latest").
	Format   Format // Output format.
	Platform string // Image platform (e.g. "linux/arm64").
}

// Packs a snapshot into a single-layer image.
//
// The configuration carries the snapshot's environment, working directory,
// entrypoint, command and labels, and the OS and architecture of platform.
// Creation time is fixed so equal snapshots produce equal images.
func ToImage(snap *snapshot.Snapshot, platform string) (v1.Image, error) {
	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(snap.WriteTar(pw))
		}()
		return pr, nil
	})
	if err != nil {
		return nil, err
	}

	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		return nil, err
	}

	cf, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cf = cf.DeepCopy()

	if platform != "" {
		p, err := v1.ParsePlatform(platform)
		if err != nil {
			return nil, err
		}
		cf.OS = p.OS
		cf.Architecture = p.Architecture
		cf.Variant = p.Variant
	}

	cfg := snap.Config()
	cf.Created = v1.Time{Time: snapshot.NormalizedTime}
	cf.Config.Env = cfg.Env
	cf.Config.WorkingDir = cfg.Workdir
	cf.Config.Entrypoint = cfg.Entrypoint
	cf.Config.Cmd = cfg.Cmd
	cf.Config.Labels = cfg.Labels

	return mutate.ConfigFile(img, cf)
}

// Writes a snapshot as an image file at dest.
//
// The file appears atomically once fully written; an existing file is
// replaced.
func Write(snap *snapshot.Snapshot, dest string, opts WriteOptions) error {
	format, err := ParseFormat(string(opts.Format))
	if err != nil {
		return err
	}

	img, err := ToImage(snap, opts.Platform)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	pending, err := renameio.NewPendingFile(dest, renameio.WithPermissions(paths.DefaultFileMode))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	defer pending.Cleanup()

	switch format {
	case FormatOCI:
		err = writeLayout(img, opts.Tag, pending)
	default:
		err = writeDocker(img, opts.Tag, pending)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	slog.Debug("wrote image", "path", dest, "format", format, "tag", opts.Tag)
	return nil
}

// Writes a docker archive.
func writeDocker(img v1.Image, tag string, w io.Writer) error {
	ref, err := name.NewTag(tag)
	if err != nil {
		return err
	}
	return tarball.Write(ref, img, w)
}

// Writes an OCI image layout to a temporary directory and tars it into w.
func writeLayout(img v1.Image, tag string, w io.Writer) error {
	dir, err := os.MkdirTemp("", "stagehand-oci-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	p, err := layout.Write(dir, empty.Index)
	if err != nil {
		return err
	}

	var opts []layout.Option
	if tag != "" {
		opts = append(opts, layout.WithAnnotations(map[string]string{
			ocispec.AnnotationRefName: tag,
		}))
	}
	if err := p.AppendImage(img, opts...); err != nil {
		return err
	}

	return tarDir(dir, w)
}

// Archives the contents of dir with normalized headers.
func tarDir(dir string, w io.Writer) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.ModTime = snapshot.NormalizedTime
		hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
		hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}
