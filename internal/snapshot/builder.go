package snapshot

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"path"
	"slices"
	"strings"
)

const (
	defaultDirMode  fs.FileMode = 0o755
	maxSymlinkDepth             = 16
	compareChunk                = 32 << 10
)

// A mutable working copy of a snapshot.
//
// The builder never modifies entries it did not create, so the snapshot it
// was seeded from stays intact. A builder is not safe for concurrent use.
type Builder struct {
	entries map[string]*Entry // Entries by path.
	config  Config            // Image configuration.
	shared  *Snapshot         // Snapshot whose file content Apply reuses.
	buf     []byte            // Scratch buffer for content comparison.
}

// Creates a new [Builder] seeded from base.
//
// A nil base starts from an empty filesystem and configuration.
func NewBuilder(base *Snapshot) *Builder {
	b := &Builder{entries: make(map[string]*Entry), shared: base}
	if base != nil {
		b.entries = maps.Clone(base.entries)
		b.config = base.config.Clone()
	}
	return b
}

// Returns a copy of the current image configuration.
func (b *Builder) Config() Config {
	return b.config.Clone()
}

// Replaces the image configuration.
func (b *Builder) SetConfig(cfg Config) {
	b.config = cfg.Clone()
}

// Creates a directory and any missing parents.
func (b *Builder) MkdirAll(p string, mode fs.FileMode) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	if clean == "" {
		return nil
	}
	if err := b.ensureParents(clean); err != nil {
		return err
	}
	if e, ok := b.entries[clean]; ok && e.Type == TypeDir {
		return nil
	}
	b.put(&Entry{Path: clean, Type: TypeDir, Mode: mode & modeMask})
	return nil
}

// Writes a regular file, creating missing parent directories.
func (b *Builder) WriteFile(p string, data []byte, mode fs.FileMode) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	if clean == "" {
		return fmt.Errorf("%w: cannot write file at root", ErrInvalidPath)
	}
	if err := b.ensureParents(clean); err != nil {
		return err
	}
	b.put(&Entry{Path: clean, Type: TypeFile, Mode: mode & modeMask, Data: slices.Clone(data)})
	return nil
}

// Creates a symbolic link at p pointing to target.
func (b *Builder) Symlink(target, p string) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	if clean == "" {
		return fmt.Errorf("%w: cannot link root", ErrInvalidPath)
	}
	if err := b.ensureParents(clean); err != nil {
		return err
	}
	b.put(&Entry{Path: clean, Type: TypeSymlink, Mode: 0o777, Linkname: target})
	return nil
}

// Removes the entry at p and everything below it.
//
// Removing a path that does not exist is not an error.
func (b *Builder) Remove(p string) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	b.removeTree(clean)
	return nil
}

// Extracts a tar stream into destDir.
//
// Entries replace existing ones at the same path and keep their numeric
// ownership and special mode bits. Hard links become copies of the file they
// reference, and device nodes and FIFOs are skipped. Any entry whose path
// resolves outside the root is rejected.
//
// A file whose content equals the file at the same path in the seed
// snapshot shares that snapshot's storage.
func (b *Builder) Apply(r io.Reader, destDir string) error {
	dest, err := cleanPath(destDir)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrArchive, err)
		}

		if err := b.applyEntry(tr, hdr, dest); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrArchive, hdr.Name, err)
		}
	}
}

// Applies a single tar header (and its content) under dest.
func (b *Builder) applyEntry(r io.Reader, hdr *tar.Header, dest string) error {
	name, err := cleanPath(path.Join(dest, hdr.Name))
	if err != nil {
		return err
	}
	if !within(name, dest) {
		return ErrInvalidPath
	}
	mode := hdr.FileInfo().Mode() & modeMask

	switch hdr.Typeflag {
	case tar.TypeDir:
		if name == "" {
			return nil
		}
		if err := b.ensureParents(name); err != nil {
			return err
		}
		b.put(&Entry{Path: name, Type: TypeDir, Mode: mode, Uid: hdr.Uid, Gid: hdr.Gid})

	case tar.TypeReg:
		data, err := b.readFile(r, name, hdr.Size)
		if err != nil {
			return err
		}
		if err := b.ensureParents(name); err != nil {
			return err
		}
		b.put(&Entry{Path: name, Type: TypeFile, Mode: mode, Uid: hdr.Uid, Gid: hdr.Gid, Data: data})

	case tar.TypeSymlink:
		if err := b.ensureParents(name); err != nil {
			return err
		}
		b.put(&Entry{Path: name, Type: TypeSymlink, Mode: 0o777, Uid: hdr.Uid, Gid: hdr.Gid, Linkname: hdr.Linkname})

	case tar.TypeLink:
		target, err := cleanPath(path.Join(dest, hdr.Linkname))
		if err != nil {
			return err
		}
		src, ok := b.entries[target]
		if !ok || src.Type != TypeFile {
			return fmt.Errorf("hard link target %q: %w", hdr.Linkname, ErrNotFound)
		}
		if err := b.ensureParents(name); err != nil {
			return err
		}
		b.put(&Entry{Path: name, Type: TypeFile, Mode: src.Mode, Uid: src.Uid, Gid: src.Gid, Data: src.Data})

	default:
		slog.Debug("skipping unsupported archive entry", "name", hdr.Name, "type", string(hdr.Typeflag))
	}

	return nil
}

// Reads the content of the regular file at name.
//
// When the shared snapshot holds a file of the same size there, the stream
// is compared against it chunk by chunk and the stored bytes are returned on
// a match. A fresh slice is only allocated once the content differs.
func (b *Builder) readFile(r io.Reader, name string, size int64) ([]byte, error) {
	var prev []byte
	if b.shared != nil {
		if e, ok := b.shared.entries[name]; ok && e.Type == TypeFile && int64(len(e.Data)) == size {
			prev = e.Data
		}
	}
	if len(prev) == 0 {
		return io.ReadAll(r)
	}

	if b.buf == nil {
		b.buf = make([]byte, compareChunk)
	}
	for off := 0; off < len(prev); {
		n, err := io.ReadFull(r, b.buf[:min(len(b.buf), len(prev)-off)])
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(b.buf[:n], prev[off:off+n]) {
			data := make([]byte, 0, size)
			data = append(data, prev[:off]...)
			data = append(data, b.buf[:n]...)
			rest, err := io.ReadAll(r)
			if err != nil {
				return nil, err
			}
			return append(data, rest...), nil
		}
		off += n
	}
	return prev, nil
}

// Freezes the builder into a new immutable [Snapshot].
//
// The builder remains usable; later changes do not affect the returned
// snapshot.
func (b *Builder) Freeze() *Snapshot {
	s := &Snapshot{
		entries: maps.Clone(b.entries),
		paths:   slices.Sorted(maps.Keys(b.entries)),
		config:  b.config.Clone(),
	}
	s.digest = s.computeDigest()
	return s
}

// Stores e, replacing whatever lived at its path.
//
// A directory replacing a directory keeps its children. Any other
// replacement removes the old subtree first.
func (b *Builder) put(e *Entry) {
	if old, ok := b.entries[e.Path]; ok && !(old.Type == TypeDir && e.Type == TypeDir) {
		b.removeTree(e.Path)
	}
	b.entries[e.Path] = e
}

// Makes sure every ancestor of p exists as a directory.
//
// Non-directory entries in the way are replaced.
func (b *Builder) ensureParents(p string) error {
	dir := path.Dir(p)
	if dir == "." {
		return nil
	}
	if e, ok := b.entries[dir]; ok && e.Type == TypeDir {
		return nil
	}
	if err := b.ensureParents(dir); err != nil {
		return err
	}
	b.put(&Entry{Path: dir, Type: TypeDir, Mode: defaultDirMode})
	return nil
}

// Deletes p and all entries below it.
func (b *Builder) removeTree(p string) {
	if p == "" {
		clear(b.entries)
		return
	}
	prefix := p + "/"
	for k := range b.entries {
		if k == p || strings.HasPrefix(k, prefix) {
			delete(b.entries, k)
		}
	}
}

// Reports whether p equals dir or lies below it.
func within(p, dir string) bool {
	return dir == "" || p == dir || strings.HasPrefix(p, dir+"/")
}
