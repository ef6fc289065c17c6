package build

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/stagehand/internal/recipe"
)

// Version of the cache key layout. Bumping it invalidates every stored
// snapshot.
const keyVersion = 2

// Everything that determines a stage's resulting snapshot.
type keyInput struct {
	Version  int                   `json:"version"`
	Base     digest.Digest         `json:"base"`
	Platform string                `json:"platform"`
	Stage    recipe.Stage          `json:"stage"`
	Args     map[string]string     `json:"args,omitempty"`
	Sources  map[int]digest.Digest `json:"sources,omitempty"`
}

// Computes the cache key of a stage execution.
//
// The key covers the base snapshot digest, the stage declaration (steps and
// image metadata), the resolved build arguments and the digest of every
// copy source, keyed by step index. JSON object keys are sorted, so the
// result is stable.
func cacheKey(base digest.Digest, platform string, st recipe.Stage, args map[string]string, sources map[int]digest.Digest) (digest.Digest, error) {
	st.Name = ""
	data, err := json.Marshal(keyInput{
		Version:  keyVersion,
		Base:     base,
		Platform: platform,
		Stage:    st,
		Args:     args,
		Sources:  sources,
	})
	if err != nil {
		return "", err
	}
	return digest.FromBytes(data), nil
}
