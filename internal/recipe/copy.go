package recipe

import (
	"fmt"
	"strings"
)

// A parsed copy operation.
type CopySpec struct {
	From string // Source stage or image; empty for the build context.
	Src  string // Source path.
	Dest string // Destination path, possibly relative to the working directory.
}

// Reports whether the copy reads from the host build context.
func (c CopySpec) FromHost() bool {
	return c.From == ""
}

// Parses the step's copy string.
//
// The string has the format "src dest" for host copies, or "stage:src dest"
// for cross-stage copies. A non-empty From field takes precedence over the
// prefix form.
func (s Step) CopySpec() (CopySpec, error) {
	parts := strings.Fields(s.Copy)
	if len(parts) != 2 {
		return CopySpec{}, fmt.Errorf("%w: expected source and destination, got %q", ErrInvalidCopy, s.Copy)
	}

	spec := CopySpec{From: s.From, Src: parts[0], Dest: parts[1]}
	if spec.From == "" {
		if stage, path, ok := parseStageCopy(spec.Src); ok {
			spec.From, spec.Src = stage, path
		}
	}
	return spec, nil
}

// Parses a cross-stage copy source of the form "stage:path".
//
// Returns false for regular host paths, including paths whose colon follows
// a path separator (e.g. "/foo:bar").
func parseStageCopy(src string) (stage, path string, ok bool) {
	i := strings.IndexByte(src, ':')
	if i < 1 {
		return "", "", false
	}
	if strings.ContainsRune(src[:i], '/') {
		return "", "", false
	}
	return src[:i], src[i+1:], true
}
