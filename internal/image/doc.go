// Package image converts between snapshots and OCI images.
//
// [RemoteResolver] pulls external base images from a registry and flattens
// them into snapshots, carrying over the image's environment, working
// directory, entrypoint, command and labels. [Write] goes the other way: it
// packs a snapshot into a single-layer image and writes it as a docker
// archive (loadable with "docker load") or as a tarred OCI image layout.
// Outputs are written to a pending file and renamed into place once
// complete, so a partially written image is never visible.
package image
