package build

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cruciblehq/stagehand/internal/recipe"
	"github.com/cruciblehq/stagehand/internal/snapshot"
)

// Root under which host sources are staged inside their snapshot.
const hostRoot = "src"

// Executes a copy operation, transferring files into the workspace.
//
// The source pattern is matched against src, a completed snapshot: another
// stage, an external image, or the staged host content (rooted at
// [hostRoot]). A directory match has its contents copied to the
// destination; a file match becomes dest, or dest/<name> when dest ends with
// a slash. A pattern matching nothing is an error, and several matches need
// a destination ending with a slash.
func executeCopy(ctx context.Context, ws Workspace, cp recipe.CopySpec, workdir string, src *snapshot.Snapshot) error {
	pattern := cp.Src
	if cp.FromHost() {
		pattern = path.Join(hostRoot, cp.Src)
	}
	matches, err := src.Glob(pattern)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("%w: %w: nothing matches %s", ErrCopy, snapshot.ErrNotFound, cp.Src)
	}

	intoDir := strings.HasSuffix(cp.Dest, "/")
	if len(matches) > 1 && !intoDir {
		return fmt.Errorf("%w: %s matches %d paths, destination %q must end with /", ErrCopy, cp.Src, len(matches), cp.Dest)
	}

	dest, err := resolveDest(cp.Dest, workdir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	for _, m := range matches {
		target := dest
		if intoDir && !src.IsDir(m) {
			target = path.Join(dest, path.Base(m))
		}
		slog.Debug("copy", "from", cp.From, "src", m, "dest", target)
		if err := copyPath(ctx, ws, src, m, target); err != nil {
			return fmt.Errorf("%w: %w", ErrCopy, err)
		}
	}
	return nil
}

// Streams the entry at srcPath of src to dest inside the workspace.
func copyPath(ctx context.Context, ws Workspace, src *snapshot.Snapshot, srcPath, dest string) error {
	destDir := path.Dir(dest)
	if err := ws.MkdirAll(ctx, destDir); err != nil {
		return err
	}

	name := path.Base(dest)
	if dest == "/" {
		name = ""
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(src.Archive(pw, srcPath, name))
	}()

	err := ws.CopyTo(ctx, pr, destDir)
	pr.Close()
	return err
}

// Resolves a copy destination against the working directory.
//
// A relative destination requires a working directory.
func resolveDest(dest, workdir string) (string, error) {
	if path.IsAbs(dest) {
		return path.Clean(dest), nil
	}
	if workdir == "" {
		return "", fmt.Errorf("relative dest %q requires workdir", dest)
	}
	return path.Join(workdir, dest), nil
}

// Loads the host paths matching src below the build context into a
// snapshot.
//
// Every match is staged at [hostRoot]/<path relative to the context>, so the
// snapshot digest identifies the matched content independently of where it
// is copied to. Ownership is reset to root. Patterns that reach outside the
// build context or match nothing are rejected.
func loadHostSource(buildCtx, src string) (*snapshot.Snapshot, error) {
	root, err := filepath.Abs(buildCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCopy, err)
	}
	full := filepath.Join(root, filepath.FromSlash(src))
	if !insideDir(root, full) {
		return nil, fmt.Errorf("%w: %q is outside the build context", ErrCopy, src)
	}

	matches, err := filepath.Glob(full)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrCopy, src, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %w: nothing in the build context matches %s", ErrCopy, fs.ErrNotExist, src)
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		writeErr := stageHostMatches(tw, root, matches)
		if closeErr := tw.Close(); writeErr == nil {
			writeErr = closeErr
		}
		pw.CloseWithError(writeErr)
	}()

	snap, err := snapshot.FromTar(pr, snapshot.Config{})
	pr.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCopy, err)
	}
	return snap, nil
}

// Writes every match below [hostRoot], keeping its path relative to root.
func stageHostMatches(tw *tar.Writer, root string, matches []string) error {
	for _, m := range matches {
		rel, err := filepath.Rel(root, m)
		if err != nil {
			return err
		}
		name := path.Join(hostRoot, filepath.ToSlash(rel))

		info, err := os.Stat(m)
		if err != nil {
			return err
		}
		if info.IsDir() {
			err = writeDirToTar(tw, m, name)
		} else {
			err = writeFileToTar(tw, m, name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Reports whether p is dir or lies below it.
func insideDir(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Clears host ownership from a header; build context files are owned by
// root once copied.
func rootOwned(hdr *tar.Header) {
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
}

// Writes a single file to a tar writer with the given archive name.
//
// Symlinks are followed, matching the behavior for the top-level source.
func writeFileToTar(tw *tar.Writer, hostPath, name string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	rootOwned(header)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Writes a directory tree to a tar writer rooted at the given archive prefix.
func writeDirToTar(tw *tar.Writer, hostDir, prefix string) error {
	return filepath.WalkDir(hostDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(hostDir, path)
		if err != nil {
			return err
		}

		archivePath := filepath.ToSlash(filepath.Join(prefix, relPath))
		return writeTarEntry(tw, path, archivePath, d)
	})
}

// Writes a single file, directory or symlink entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	// Sockets, devices and pipes have no meaning in a build context.
	if !info.Mode().IsRegular() && !info.IsDir() && info.Mode()&fs.ModeSymlink == 0 {
		slog.Debug("skipping special file", "path", hostPath)
		return nil
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = archivePath
	rootOwned(header)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	return nil
}
