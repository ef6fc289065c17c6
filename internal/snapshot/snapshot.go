package snapshot

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Type of a filesystem entry.
type EntryType byte

const (
	TypeDir EntryType = iota
	TypeFile
	TypeSymlink
)

// A single filesystem entry. Entries are shared between snapshots and must
// not be modified once added to a builder.
type Entry struct {
	Path     string      // Clean relative path without leading slash.
	Type     EntryType   // Entry type.
	Mode     fs.FileMode // Permission bits plus setuid, setgid and sticky.
	Uid      int         // Numeric owner.
	Gid      int         // Numeric group.
	Linkname string      // Symlink target.
	Data     []byte      // File content.
}

// Mode bits an entry keeps.
const modeMask = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// Image configuration carried alongside the filesystem.
type Config struct {
	Env        []string          `json:"env,omitempty"`        // "KEY=VALUE" pairs in definition order.
	Workdir    string            `json:"workdir,omitempty"`    // Working directory.
	Entrypoint []string          `json:"entrypoint,omitempty"` // Image entrypoint.
	Cmd        []string          `json:"cmd,omitempty"`        // Default command.
	Labels     map[string]string `json:"labels,omitempty"`     // Image labels.
}

// Returns a deep copy of the config.
func (c Config) Clone() Config {
	return Config{
		Env:        slices.Clone(c.Env),
		Workdir:    c.Workdir,
		Entrypoint: slices.Clone(c.Entrypoint),
		Cmd:        slices.Clone(c.Cmd),
		Labels:     maps.Clone(c.Labels),
	}
}

// Returns the value of an environment variable.
func (c Config) Getenv(key string) (string, bool) {
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// Sets an environment variable, replacing an existing definition in place
// or appending a new one.
func (c *Config) Setenv(key, value string) {
	entry := key + "=" + value
	for i, kv := range c.Env {
		if k, _, ok := strings.Cut(kv, "="); ok && k == key {
			c.Env[i] = entry
			return
		}
	}
	c.Env = append(c.Env, entry)
}

// An immutable filesystem state.
type Snapshot struct {
	entries map[string]*Entry // Entries by path.
	paths   []string          // Sorted entry paths.
	config  Config            // Image configuration.
	digest  digest.Digest     // Content digest.
}

// Returns a snapshot with no files and an empty configuration.
func Empty() *Snapshot {
	return NewBuilder(nil).Freeze()
}

// Content digest of the filesystem and configuration.
func (s *Snapshot) Digest() digest.Digest {
	return s.digest
}

// Returns a copy of the image configuration.
func (s *Snapshot) Config() Config {
	return s.config.Clone()
}

// Sorted paths of all entries.
func (s *Snapshot) Paths() []string {
	return slices.Clone(s.paths)
}

// Number of entries.
func (s *Snapshot) Len() int {
	return len(s.paths)
}

// Returns the entry at p. Leading slashes are ignored.
func (s *Snapshot) Lookup(p string) (Entry, bool) {
	clean, err := cleanPath(p)
	if err != nil {
		return Entry{}, false
	}
	e, ok := s.entries[clean]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Returns the content of the regular file at p.
func (s *Snapshot) ReadFile(p string) ([]byte, error) {
	e, ok := s.Lookup(p)
	if !ok || e.Type != TypeFile {
		return nil, ErrNotFound
	}
	return slices.Clone(e.Data), nil
}

// Returns the paths matching pattern, in lexical order.
//
// Each path component is matched with [path.Match] syntax, so "*" never
// crosses a slash. A pattern without metacharacters matches itself when the
// path exists, following a symlink in the final component. The returned
// paths are relative; a pattern naming the root returns "".
func (s *Snapshot) Glob(pattern string) ([]string, error) {
	clean, err := cleanPath(pattern)
	if err != nil {
		return nil, err
	}

	if !strings.ContainsAny(clean, `*?[\`) {
		target, err := s.resolve(clean)
		if err != nil {
			return nil, err
		}
		if _, ok := s.entries[target]; !ok && target != "" {
			return nil, nil
		}
		return []string{clean}, nil
	}

	if _, err := path.Match(clean, ""); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPath, pattern, err)
	}
	var matches []string
	for _, p := range s.paths {
		ok, err := path.Match(clean, p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPath, pattern, err)
		}
		if ok {
			matches = append(matches, p)
		}
	}
	return matches, nil
}

// Computes the digest from the canonical tar and the JSON configuration.
func (s *Snapshot) computeDigest() digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()

	// Neither write can fail; the hash accepts everything.
	_ = s.WriteTar(h)
	h.Write([]byte{0})
	cfg, _ := json.Marshal(s.config)
	h.Write(cfg)

	return d.Digest()
}

// Cleans a path into the canonical relative form used as entry key.
//
// The root itself maps to "". Paths that climb above the root are rejected.
func cleanPath(p string) (string, error) {
	p = strings.TrimLeft(p, "/")
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidPath
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}
