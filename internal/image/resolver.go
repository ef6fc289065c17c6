package image

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/cruciblehq/stagehand/internal/recipe"
	"github.com/cruciblehq/stagehand/internal/snapshot"
)

// Resolves image references against their registries.
type RemoteResolver struct {
	opts []remote.Option // Extra options for every pull.
}

// Creates a new [RemoteResolver].
//
// Credentials come from the default keychain (docker config, credential
// helpers). Additional options are applied after the defaults.
func NewRemoteResolver(opts ...remote.Option) *RemoteResolver {
	return &RemoteResolver{opts: opts}
}

// Pulls ref for the given platform and flattens it into a snapshot.
//
// "scratch" resolves to the empty snapshot without contacting a registry.
func (r *RemoteResolver) Resolve(ctx context.Context, ref, platform string) (*snapshot.Snapshot, error) {
	if ref == recipe.Scratch {
		return snapshot.Empty(), nil
	}

	named, err := name.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResolve, err)
	}

	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	}
	if platform != "" {
		p, err := v1.ParsePlatform(platform)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrResolve, err)
		}
		opts = append(opts, remote.WithPlatform(*p))
	}
	opts = append(opts, r.opts...)

	img, err := remote.Image(named, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResolve, ref, err)
	}

	return FromImage(img)
}

// Flattens an image into a snapshot.
//
// Layers are applied in order with whiteouts processed. The image config
// seeds the snapshot configuration.
func FromImage(img v1.Image) (*snapshot.Snapshot, error) {
	cf, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResolve, err)
	}

	rc := mutate.Extract(img)
	defer rc.Close()

	snap, err := snapshot.FromTar(rc, snapshot.Config{
		Env:        cf.Config.Env,
		Workdir:    cf.Config.WorkingDir,
		Entrypoint: cf.Config.Entrypoint,
		Cmd:        cf.Config.Cmd,
		Labels:     cf.Config.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResolve, err)
	}
	return snap, nil
}
