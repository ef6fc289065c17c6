package snapshot

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

func sampleSnapshot() *Snapshot {
	b := NewBuilder(nil)
	b.WriteFile("opt/tool/bin/tool", []byte("binary"), 0o755)
	b.Symlink("/opt/tool/bin/tool", "usr/local/bin/tool")
	b.SetConfig(Config{
		Env:     []string{"PATH=/usr/local/bin:/bin"},
		Workdir: "/opt/tool",
		Cmd:     []string{"tool"},
		Labels:  map[string]string{"stage": "builder"},
	})
	return b.Freeze()
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	key := digest.FromString("key")

	if _, ok, _ := store.Get(key); ok {
		t.Fatal("Get() hit on empty store")
	}

	snap := sampleSnapshot()
	if err := store.Put(key, snap); err != nil {
		t.Fatal(err)
	}
	got, ok, err := store.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got != snap {
		t.Error("Get() returned a different snapshot")
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestDiskStoreRoundTrip(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := digest.FromString("stage-input")

	if _, ok, err := store.Get(key); ok || err != nil {
		t.Fatalf("Get() on empty store = %v, %v", ok, err)
	}

	snap := sampleSnapshot()
	if err := store.Put(key, snap); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok, err := store.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.Digest() != snap.Digest() {
		t.Errorf("digest = %s, want %s", got.Digest(), snap.Digest())
	}
	if got.Config().Workdir != "/opt/tool" {
		t.Errorf("Workdir = %q", got.Config().Workdir)
	}
}

func TestDiskStoreCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	key := digest.FromString("stage-input")
	if err := store.Put(key, sampleSnapshot()); err != nil {
		t.Fatal(err)
	}

	// Replace the archive with different valid content.
	other := NewBuilder(nil)
	other.WriteFile("tampered", []byte("x"), 0o644)
	data, _ := other.Freeze().Tar()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	tarPath := filepath.Join(dir, "sha256", key.Encoded()+".tar.zst")
	if err := os.WriteFile(tarPath, enc.EncodeAll(data, nil), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := store.Get(key); ok || err != nil {
		t.Fatalf("Get() on corrupt entry = %v, %v; want miss", ok, err)
	}
}

func TestDiskStoreCompressesArchive(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	b := NewBuilder(nil)
	b.WriteFile("usr/lib/libbig.so", bytes.Repeat([]byte("0123456789abcdef"), 1<<16), 0o755)
	snap := b.Freeze()
	key := digest.FromString("big-stage")
	if err := store.Put(key, snap); err != nil {
		t.Fatal(err)
	}

	raw, err := snap.Tar()
	if err != nil {
		t.Fatal(err)
	}
	stored, err := os.ReadFile(filepath.Join(dir, "sha256", key.Encoded()+".tar.zst"))
	if err != nil {
		t.Fatal(err)
	}
	if len(stored)*10 > len(raw) {
		t.Errorf("stored archive is %d bytes, raw tar %d", len(stored), len(raw))
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(stored, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, raw) {
		t.Error("stored archive does not decompress to the canonical tar")
	}
}

func TestDiskStoreInvalidKey(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Get("not-a-digest"); err == nil {
		t.Fatal("Get() accepted an invalid key")
	}
}
