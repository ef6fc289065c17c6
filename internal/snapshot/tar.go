package snapshot

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"
)

// Timestamp written for every archive entry so identical content produces
// byte-identical archives.
var NormalizedTime = time.Date(1980, time.January, 1, 0, 0, 1, 0, time.UTC)

// Creates a snapshot from a tar stream holding a complete filesystem.
func FromTar(r io.Reader, cfg Config) (*Snapshot, error) {
	return FromTarSharing(r, cfg, nil)
}

// Creates a snapshot from a tar stream like [FromTar].
//
// Files whose content equals the file at the same path in prev share its
// storage instead of holding a second copy. prev may be nil.
func FromTarSharing(r io.Reader, cfg Config, prev *Snapshot) (*Snapshot, error) {
	b := NewBuilder(nil)
	b.shared = prev
	if err := b.Apply(r, ""); err != nil {
		return nil, err
	}
	b.SetConfig(cfg)
	return b.Freeze(), nil
}

// Writes the whole filesystem as a canonical tar stream.
//
// Entries appear in lexical path order with [NormalizedTime] timestamps and
// numeric ownership only.
func (s *Snapshot) WriteTar(w io.Writer) error {
	tw := tar.NewWriter(w)
	for _, p := range s.paths {
		if err := writeEntry(tw, s.entries[p], p, true); err != nil {
			return fmt.Errorf("%w: %w", ErrArchive, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrArchive, err)
	}
	return nil
}

// Returns the canonical tar rendering as a byte slice.
func (s *Snapshot) Tar() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.WriteTar(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Writes the subtree at src as a tar stream with its root renamed to name.
//
// A symlink at src is followed. When src is a directory its children are
// written below name; an empty name places them at the archive root. A file
// source always needs a name. Entries are owned by root, as files copied
// into another stage are; mode bits are kept.
func (s *Snapshot) Archive(w io.Writer, src, name string) error {
	root, err := s.resolve(src)
	if err != nil {
		return err
	}
	name, err = cleanPath(name)
	if err != nil {
		return err
	}

	e, isEntry := s.entries[root]
	if root != "" && !isEntry {
		return fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	if root != "" && e.Type != TypeDir && name == "" {
		return fmt.Errorf("%w: file source %q needs a destination name", ErrInvalidPath, src)
	}

	tw := tar.NewWriter(w)
	for _, p := range s.paths {
		if !within(p, root) {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		target := path.Join(name, rel)
		if target == "" || target == "." {
			continue
		}
		if err := writeEntry(tw, s.entries[p], target, false); err != nil {
			return fmt.Errorf("%w: %w", ErrArchive, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrArchive, err)
	}
	return nil
}

// Writes the entries stored at paths to tw, skipping paths that do not
// exist. Entries are written as stored: symlinks are not followed and
// ownership is kept. The caller closes tw.
func (s *Snapshot) WriteEntries(tw *tar.Writer, paths ...string) error {
	for _, p := range paths {
		clean, err := cleanPath(p)
		if err != nil {
			return err
		}
		e, ok := s.entries[clean]
		if !ok {
			continue
		}
		if err := writeEntry(tw, e, clean, true); err != nil {
			return fmt.Errorf("%w: %w", ErrArchive, err)
		}
	}
	return nil
}

// Reports whether p resolves to a directory, following symlinks.
func (s *Snapshot) IsDir(p string) bool {
	clean, err := s.resolve(p)
	if err != nil {
		return false
	}
	if clean == "" {
		return true
	}
	e, ok := s.entries[clean]
	return ok && e.Type == TypeDir
}

// Resolves p to the path of a non-symlink entry.
//
// Symlinks in the final component are followed; relative targets are
// resolved against the link's directory. Missing paths resolve to
// themselves.
func (s *Snapshot) resolve(p string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	for range maxSymlinkDepth {
		e, ok := s.entries[clean]
		if !ok || e.Type != TypeSymlink {
			return clean, nil
		}
		target := e.Linkname
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(clean), target)
		}
		if clean, err = cleanPath(target); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: too many levels of symbolic links: %s", ErrInvalidPath, p)
}

// Writes one entry under the given archive name. Without keepOwner the
// entry is written as owned by root.
func writeEntry(tw *tar.Writer, e *Entry, name string, keepOwner bool) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    tarMode(e.Mode),
		ModTime: NormalizedTime,
		Format:  tar.FormatPAX,
	}
	if keepOwner {
		hdr.Uid, hdr.Gid = e.Uid, e.Gid
	}

	switch e.Type {
	case TypeDir:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case TypeSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.Linkname
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = int64(len(e.Data))
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if e.Type == TypeFile {
		if _, err := tw.Write(e.Data); err != nil {
			return err
		}
	}
	return nil
}

// Encodes entry mode bits the way tar headers store them.
func tarMode(m fs.FileMode) int64 {
	mode := int64(m.Perm())
	if m&fs.ModeSetuid != 0 {
		mode |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		mode |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		mode |= 0o1000
	}
	return mode
}
