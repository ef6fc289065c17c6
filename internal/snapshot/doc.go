// Package snapshot implements immutable, content-addressed filesystem state.
//
// A [Snapshot] is a sorted tree of directories, regular files and symlinks,
// together with the image configuration accumulated while building it
// (environment, working directory, entrypoint, command, labels). Its
// [Snapshot.Digest] covers both and is computed from a canonical tar
// rendering with normalized timestamps and ownership, so equal content
// always yields an equal digest regardless of how it was produced.
//
// Snapshots are never mutated. A [Builder] starts from an existing snapshot,
// applies tar streams or individual files, and freezes the result into a new
// snapshot. Entries are shared between snapshots, so deriving a snapshot only
// costs the entries that changed.
//
// A [Store] caches snapshots by an arbitrary key (the orchestrator uses the
// stage input hash). [MemoryStore] keeps them for the lifetime of the
// process; [DiskStore] persists them under a directory, writing atomically.
package snapshot
