package recipe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loads a recipe from a file, choosing the front end from the file name.
//
// Files named "Dockerfile", "Containerfile" or with a ".dockerfile" suffix
// are parsed as Dockerfiles; everything else is decoded as YAML.
func Load(path string) (*Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecipe, err)
	}
	defer f.Close()

	if IsDockerfile(path) {
		return LoadDockerfile(f)
	}
	return LoadYAML(f)
}

// Reports whether path names a Dockerfile.
func IsDockerfile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	return base == "dockerfile" ||
		base == "containerfile" ||
		strings.HasPrefix(base, "dockerfile.") ||
		strings.HasSuffix(base, ".dockerfile")
}

// Decodes a YAML recipe.
//
// Unknown fields are rejected so that typos surface as errors rather than
// silently ignored instructions.
func LoadYAML(r io.Reader) (*Recipe, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var rcp Recipe
	if err := dec.Decode(&rcp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecipe, err)
	}

	if err := rcp.Validate(); err != nil {
		return nil, err
	}
	return &rcp, nil
}
