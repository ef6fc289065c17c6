package snapshot

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// Builds a tar stream from name/content pairs. Names ending in "/" are
// directories; content starting with "->" becomes a symlink.
func tarOf(t *testing.T, pairs ...string) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for i := 0; i < len(pairs); i += 2 {
		name, body := pairs[i], pairs[i+1]
		hdr := &tar.Header{Name: name, Mode: 0o644}
		switch {
		case name[len(name)-1] == '/':
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		case len(body) > 2 && body[:2] == "->":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = body[2:]
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			tw.Write([]byte(body))
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

// Lists the entry names of a tar stream.
func tarNames(t *testing.T, data []byte) []string {
	t.Helper()
	var names []string
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
	}
}

func TestFromTar(t *testing.T) {
	snap, err := FromTar(tarOf(t,
		"etc/", "",
		"etc/hosts", "localhost",
		"usr/bin/tool", "#!/bin/sh",
		"usr/bin/alias", "->tool",
	), Config{Workdir: "/app"})
	if err != nil {
		t.Fatalf("FromTar() error = %v", err)
	}

	want := []string{"etc", "etc/hosts", "usr", "usr/bin", "usr/bin/alias", "usr/bin/tool"}
	if diff := cmp.Diff(want, snap.Paths()); diff != "" {
		t.Errorf("Paths() mismatch (-want +got):\n%s", diff)
	}

	data, err := snap.ReadFile("/etc/hosts")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "localhost" {
		t.Errorf("ReadFile() = %q, want %q", data, "localhost")
	}

	link, ok := snap.Lookup("usr/bin/alias")
	if !ok || link.Type != TypeSymlink || link.Linkname != "tool" {
		t.Errorf("Lookup(alias) = %+v, %v", link, ok)
	}

	if snap.Config().Workdir != "/app" {
		t.Errorf("Workdir = %q, want %q", snap.Config().Workdir, "/app")
	}
}

func TestApplyRejectsEscape(t *testing.T) {
	b := NewBuilder(nil)
	err := b.Apply(tarOf(t, "../evil", "x"), "")
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("Apply() error = %v, want ErrInvalidPath", err)
	}

	err = b.Apply(tarOf(t, "../../evil", "x"), "/opt/app")
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("Apply() into dir error = %v, want ErrInvalidPath", err)
	}
}

func TestApplyHardLink(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Name: "a", Typeflag: tar.TypeReg, Mode: 0o600, Size: 3})
	tw.Write([]byte("abc"))
	tw.WriteHeader(&tar.Header{Name: "b", Typeflag: tar.TypeLink, Linkname: "a"})
	tw.WriteHeader(&tar.Header{Name: "null", Typeflag: tar.TypeChar})
	tw.Close()

	b := NewBuilder(nil)
	if err := b.Apply(&buf, ""); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	snap := b.Freeze()

	data, err := snap.ReadFile("b")
	if err != nil || string(data) != "abc" {
		t.Errorf("ReadFile(b) = %q, %v", data, err)
	}
	if _, ok := snap.Lookup("null"); ok {
		t.Error("device node should be skipped")
	}
}

func TestBuilderDoesNotMutateBase(t *testing.T) {
	b := NewBuilder(nil)
	b.WriteFile("app/main", []byte("v1"), 0o755)
	base := b.Freeze()
	baseDigest := base.Digest()

	derived := NewBuilder(base)
	derived.WriteFile("app/main", []byte("v2"), 0o755)
	derived.WriteFile("app/extra", []byte("x"), 0o644)
	cfg := derived.Config()
	cfg.Setenv("MODE", "dev")
	derived.SetConfig(cfg)
	next := derived.Freeze()

	data, _ := base.ReadFile("app/main")
	if string(data) != "v1" {
		t.Errorf("base content changed to %q", data)
	}
	if base.Len() != 2 {
		t.Errorf("base Len() = %d, want 2", base.Len())
	}
	if _, ok := base.Config().Getenv("MODE"); ok {
		t.Error("base config changed")
	}
	if base.Digest() != baseDigest {
		t.Error("base digest changed")
	}
	if next.Digest() == base.Digest() {
		t.Error("derived snapshot has the base digest")
	}
}

func TestReplaceTypes(t *testing.T) {
	b := NewBuilder(nil)
	b.WriteFile("data/a/file", []byte("x"), 0o644)
	b.WriteFile("data/b", []byte("y"), 0o644)

	// A file replaces a directory and its subtree.
	b.WriteFile("data/a", []byte("flat"), 0o644)
	// A directory replaces a file.
	b.MkdirAll("data/b/nested", 0o700)

	snap := b.Freeze()
	want := []string{"data", "data/a", "data/b", "data/b/nested"}
	if diff := cmp.Diff(want, snap.Paths()); diff != "" {
		t.Errorf("Paths() mismatch (-want +got):\n%s", diff)
	}
}

func TestRemove(t *testing.T) {
	b := NewBuilder(nil)
	b.WriteFile("a/b/c", nil, 0o644)
	b.WriteFile("a/bc", nil, 0o644)
	if err := b.Remove("/a/b"); err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "a/bc"}
	if diff := cmp.Diff(want, b.Freeze().Paths()); diff != "" {
		t.Errorf("Paths() mismatch (-want +got):\n%s", diff)
	}
}

func TestDigestDeterministic(t *testing.T) {
	build := func(order []string) *Snapshot {
		b := NewBuilder(nil)
		for _, p := range order {
			b.WriteFile(p, []byte(p), 0o644)
		}
		b.SetConfig(Config{Env: []string{"A=1"}, Workdir: "/w"})
		return b.Freeze()
	}

	s1 := build([]string{"x/1", "y/2", "z"})
	s2 := build([]string{"z", "y/2", "x/1"})
	if s1.Digest() != s2.Digest() {
		t.Errorf("digests differ for equal content: %s != %s", s1.Digest(), s2.Digest())
	}

	t1, _ := s1.Tar()
	t2, _ := s2.Tar()
	if !bytes.Equal(t1, t2) {
		t.Error("canonical archives differ for equal content")
	}

	b := NewBuilder(s1)
	b.SetConfig(Config{Env: []string{"A=2"}, Workdir: "/w"})
	if b.Freeze().Digest() == s1.Digest() {
		t.Error("config change did not change the digest")
	}
}

func TestEmpty(t *testing.T) {
	if Empty().Len() != 0 {
		t.Fatal("Empty() has entries")
	}
	if Empty().Digest() != Empty().Digest() {
		t.Fatal("Empty() digest is not stable")
	}
}

func TestArchive(t *testing.T) {
	b := NewBuilder(nil)
	b.WriteFile("build/out/app", []byte("bin"), 0o755)
	b.WriteFile("build/out/lib/x.so", []byte("so"), 0o644)
	b.Symlink("build/out", "current")
	snap := b.Freeze()

	tests := []struct {
		name string
		src  string
		dest string
		want []string
	}{
		{"dir renamed", "/build/out", "dist", []string{"dist/", "dist/app", "dist/lib/", "dist/lib/x.so"}},
		{"dir contents", "/build/out", "", []string{"app", "lib/", "lib/x.so"}},
		{"file renamed", "build/out/app", "tool", []string{"tool"}},
		{"through symlink", "current", "dist", []string{"dist/", "dist/app", "dist/lib/", "dist/lib/x.so"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := snap.Archive(&buf, tt.src, tt.dest); err != nil {
				t.Fatalf("Archive() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, tarNames(t, buf.Bytes())); diff != "" {
				t.Errorf("names mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestArchiveErrors(t *testing.T) {
	b := NewBuilder(nil)
	b.WriteFile("file", []byte("x"), 0o644)
	b.Symlink("loop", "loop")
	snap := b.Freeze()

	if err := snap.Archive(io.Discard, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing source error = %v, want ErrNotFound", err)
	}
	if err := snap.Archive(io.Discard, "file", ""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("unnamed file error = %v, want ErrInvalidPath", err)
	}
	if err := snap.Archive(io.Discard, "loop", "x"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("symlink loop error = %v, want ErrInvalidPath", err)
	}
}

// Builds a tar stream from explicit headers; regular files get the given
// content.
func tarOfHeaders(t *testing.T, hdrs ...*tar.Header) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, hdr := range hdrs {
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			tw.Write(make([]byte, hdr.Size))
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

type owned struct {
	Mode     int64
	Uid, Gid int
}

// Reads mode and ownership of every entry of a tar stream.
func tarOwnership(t *testing.T, data []byte) map[string]owned {
	t.Helper()
	out := make(map[string]owned)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out[hdr.Name] = owned{Mode: hdr.Mode, Uid: hdr.Uid, Gid: hdr.Gid}
	}
}

func baseImageTar(t *testing.T) io.Reader {
	return tarOfHeaders(t,
		&tar.Header{Name: "tmp/", Typeflag: tar.TypeDir, Mode: 0o1777},
		&tar.Header{Name: "usr/bin/sudo", Typeflag: tar.TypeReg, Mode: 0o4755, Size: 3},
		&tar.Header{Name: "usr/bin/crontab", Typeflag: tar.TypeReg, Mode: 0o2755, Gid: 101, Size: 1},
		&tar.Header{Name: "home/app/", Typeflag: tar.TypeDir, Mode: 0o750, Uid: 1000, Gid: 1000},
		&tar.Header{Name: "home/app/.profile", Typeflag: tar.TypeReg, Mode: 0o644, Uid: 1000, Gid: 1000, Size: 2},
	)
}

func TestTarKeepsOwnershipAndSpecialBits(t *testing.T) {
	snap, err := FromTar(baseImageTar(t), Config{})
	if err != nil {
		t.Fatal(err)
	}

	if e, _ := snap.Lookup("tmp"); e.Mode != fs.ModeSticky|0o777 {
		t.Errorf("tmp mode = %v, want sticky 0777", e.Mode)
	}
	if e, _ := snap.Lookup("home/app"); e.Uid != 1000 || e.Gid != 1000 {
		t.Errorf("home/app owner = %d:%d, want 1000:1000", e.Uid, e.Gid)
	}

	data, err := snap.Tar()
	if err != nil {
		t.Fatal(err)
	}
	got := tarOwnership(t, data)
	want := map[string]owned{
		"home/":             {Mode: 0o755},
		"home/app/":         {Mode: 0o750, Uid: 1000, Gid: 1000},
		"home/app/.profile": {Mode: 0o644, Uid: 1000, Gid: 1000},
		"tmp/":              {Mode: 0o1777},
		"usr/":              {Mode: 0o755},
		"usr/bin/":          {Mode: 0o755},
		"usr/bin/crontab":   {Mode: 0o2755, Gid: 101},
		"usr/bin/sudo":      {Mode: 0o4755},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ownership mismatch (-want +got):\n%s", diff)
	}

	again, err := FromTar(bytes.NewReader(data), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if again.Digest() != snap.Digest() {
		t.Error("round trip changed the digest")
	}
}

func TestDigestCoversOwnership(t *testing.T) {
	file := func(uid int, mode int64) *Snapshot {
		snap, err := FromTar(tarOfHeaders(t,
			&tar.Header{Name: "bin/tool", Typeflag: tar.TypeReg, Mode: mode, Uid: uid, Size: 1},
		), Config{})
		if err != nil {
			t.Fatal(err)
		}
		return snap
	}

	base := file(0, 0o755)
	if file(1000, 0o755).Digest() == base.Digest() {
		t.Error("owner change kept the digest")
	}
	if file(0, 0o4755).Digest() == base.Digest() {
		t.Error("setuid change kept the digest")
	}
}

func TestArchiveResetsOwner(t *testing.T) {
	snap, err := FromTar(baseImageTar(t), Config{})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := snap.Archive(&buf, "home/app", "app"); err != nil {
		t.Fatal(err)
	}
	want := map[string]owned{
		"app/":         {Mode: 0o750},
		"app/.profile": {Mode: 0o644},
	}
	if diff := cmp.Diff(want, tarOwnership(t, buf.Bytes())); diff != "" {
		t.Errorf("ownership mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := snap.Archive(&buf, "usr/bin/sudo", "sudo"); err != nil {
		t.Fatal(err)
	}
	if got := tarOwnership(t, buf.Bytes())["sudo"]; got.Mode != 0o4755 {
		t.Errorf("sudo mode = %o, want 4755", got.Mode)
	}
}

func TestGlob(t *testing.T) {
	b := NewBuilder(nil)
	b.WriteFile("app/dist/pkg-1.2.3-py3-none-any.whl", []byte("w1"), 0o644)
	b.WriteFile("app/dist/extra-0.1-py3-none-any.whl", []byte("w2"), 0o644)
	b.WriteFile("app/dist/pkg-1.2.3.tar.gz", []byte("sdist"), 0o644)
	b.WriteFile("app/dist/nested/deep.whl", []byte("deep"), 0o644)
	b.Symlink("app/dist", "latest")
	snap := b.Freeze()

	tests := []struct {
		pattern string
		want    []string
	}{
		{"/app/dist/*.whl", []string{"app/dist/extra-0.1-py3-none-any.whl", "app/dist/pkg-1.2.3-py3-none-any.whl"}},
		{"app/dist/pkg-?.?.?.tar.gz", []string{"app/dist/pkg-1.2.3.tar.gz"}},
		{"app/*/nested/deep.whl", []string{"app/dist/nested/deep.whl"}},
		{"app/dist/[e]*", []string{"app/dist/extra-0.1-py3-none-any.whl"}},
		{"/app/dist", []string{"app/dist"}},
		{"latest", []string{"latest"}},
		{"/", []string{""}},
		{"app/dist/*.rpm", nil},
		{"missing", nil},
	}
	for _, tt := range tests {
		got, err := snap.Glob(tt.pattern)
		if err != nil {
			t.Errorf("Glob(%q) error = %v", tt.pattern, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("Glob(%q) mismatch (-want +got):\n%s", tt.pattern, diff)
		}
	}

	if _, err := snap.Glob("app/[dist"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("malformed pattern error = %v, want ErrInvalidPath", err)
	}
	if _, err := snap.Glob("../etc/*"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("escaping pattern error = %v, want ErrInvalidPath", err)
	}
}

func TestConfigEnv(t *testing.T) {
	var cfg Config
	cfg.Setenv("PATH", "/bin")
	cfg.Setenv("HOME", "/root")
	cfg.Setenv("PATH", "/usr/bin:/bin")

	want := []string{"PATH=/usr/bin:/bin", "HOME=/root"}
	if diff := cmp.Diff(want, cfg.Env); diff != "" {
		t.Errorf("Env mismatch (-want +got):\n%s", diff)
	}
	if v, ok := cfg.Getenv("HOME"); !ok || v != "/root" {
		t.Errorf("Getenv(HOME) = %q, %v", v, ok)
	}
}

func TestFromTarSharesUnchangedContent(t *testing.T) {
	lib := bytes.Repeat([]byte("shared object "), 8<<10)
	db := bytes.Repeat([]byte("row "), 32<<10)

	pb := NewBuilder(nil)
	pb.WriteFile("usr/lib/libfoo.so", lib, 0o755)
	pb.WriteFile("var/lib/app.db", db, 0o644)
	pb.WriteFile("etc/version", []byte("1.0"), 0o644)
	pb.WriteFile("etc/motd", []byte("hello"), 0o644)
	prev := pb.Freeze()

	// Same size as before but changed past the first compared chunk.
	changedDB := bytes.Clone(db)
	changedDB[len(changedDB)-2] = 'X'

	nb := NewBuilder(nil)
	nb.WriteFile("usr/lib/libfoo.so", lib, 0o755)
	nb.WriteFile("var/lib/app.db", changedDB, 0o644)
	nb.WriteFile("etc/version", []byte("1.1"), 0o644)
	nb.WriteFile("etc/motd", []byte("hello, world"), 0o644)
	nb.WriteFile("etc/new", []byte("n"), 0o644)
	data, err := nb.Freeze().Tar()
	if err != nil {
		t.Fatal(err)
	}

	got, err := FromTarSharing(bytes.NewReader(data), Config{}, prev)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := FromTar(bytes.NewReader(data), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Digest() != plain.Digest() {
		t.Errorf("digest = %s, want %s", got.Digest(), plain.Digest())
	}

	want := map[string]string{
		"usr/lib/libfoo.so": string(lib),
		"var/lib/app.db":    string(changedDB),
		"etc/version":       "1.1",
		"etc/motd":          "hello, world",
		"etc/new":           "n",
	}
	for p, content := range want {
		if data, _ := got.ReadFile(p); string(data) != content {
			t.Errorf("ReadFile(%q) differs from the archived content", p)
		}
	}

	sameStorage := func(p string) bool {
		a, b := got.entries[p].Data, prev.entries[p].Data
		return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
	}
	if !sameStorage("usr/lib/libfoo.so") {
		t.Error("unchanged file was copied")
	}
	for _, p := range []string{"var/lib/app.db", "etc/version", "etc/motd"} {
		if sameStorage(p) {
			t.Errorf("changed file %s shares storage with the previous snapshot", p)
		}
	}
}
