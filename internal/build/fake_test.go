package build

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cruciblehq/stagehand/internal/runtime"
	"github.com/cruciblehq/stagehand/internal/snapshot"
)

// Serves a fixed set of base images.
type fakeResolver struct {
	mu     sync.Mutex
	images map[string]*snapshot.Snapshot
	calls  map[string]int
}

func newFakeResolver() *fakeResolver {
	alpine := snapshot.NewBuilder(nil)
	alpine.WriteFile("etc/os-release", []byte("alpine"), 0o644)
	alpine.MkdirAll("tmp", 0o777)
	alpine.SetConfig(snapshot.Config{Env: []string{"PATH=/usr/bin:/bin"}})

	debian := snapshot.NewBuilder(nil)
	debian.WriteFile("etc/debian_version", []byte("12"), 0o644)
	debian.SetConfig(snapshot.Config{Env: []string{"PATH=/usr/bin:/bin"}, Workdir: "/root"})

	return &fakeResolver{
		images: map[string]*snapshot.Snapshot{
			"alpine": alpine.Freeze(),
			"debian": debian.Freeze(),
		},
		calls: make(map[string]int),
	}
}

func (r *fakeResolver) Resolve(ctx context.Context, ref, platform string) (*snapshot.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[ref]++
	img, ok := r.images[ref]
	if !ok {
		return nil, fmt.Errorf("image %s not found", ref)
	}
	return img, nil
}

func (r *fakeResolver) callCount(ref string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[ref]
}

// Opens in-memory workspaces that interpret a tiny command language:
//
//	write PATH WORDS...   write WORDS to PATH (relative to the workdir)
//	env PATH NAME         write the value of NAME to PATH
//	fail CODE             exit with CODE
//	block                 wait for cancellation
//	barrier               wait until every barrier participant arrived
//	true                  do nothing
type fakeWorker struct {
	mu      sync.Mutex
	opened  int
	runs    []string
	barrier sync.WaitGroup
	started chan struct{} // Closed by the first "block".
	once    sync.Once
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{started: make(chan struct{})}
}

func (w *fakeWorker) Open(ctx context.Context, base *snapshot.Snapshot, id, platform string) (Workspace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opened++
	return &fakeWorkspace{memWorkspace: newMemWorkspace(base), worker: w}, nil
}

func (w *fakeWorker) record(cmd string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runs = append(w.runs, cmd)
}

func (w *fakeWorker) commands() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.runs...)
}

func (w *fakeWorker) openCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opened
}

type fakeWorkspace struct {
	*memWorkspace
	worker *fakeWorker
}

func (f *fakeWorkspace) Exec(ctx context.Context, argv, env []string, workdir string) (*runtime.ExecResult, error) {
	cmd := argv[len(argv)-1]
	f.worker.record(cmd)
	fields := strings.Fields(cmd)

	switch fields[0] {
	case "write":
		if err := f.b.WriteFile(abs(fields[1], workdir), []byte(strings.Join(fields[2:], " ")), 0o644); err != nil {
			return nil, err
		}
	case "env":
		value := ""
		for _, kv := range env {
			if k, v, ok := strings.Cut(kv, "="); ok && k == fields[2] {
				value = v
			}
		}
		if err := f.b.WriteFile(abs(fields[1], workdir), []byte(value), 0o644); err != nil {
			return nil, err
		}
	case "fail":
		code, _ := strconv.Atoi(fields[1])
		return &runtime.ExecResult{ExitCode: code, Stderr: "boom"}, nil
	case "block":
		f.worker.once.Do(func() { close(f.worker.started) })
		<-ctx.Done()
		return nil, ctx.Err()
	case "barrier":
		f.worker.barrier.Done()
		arrived := make(chan struct{})
		go func() {
			f.worker.barrier.Wait()
			close(arrived)
		}()
		select {
		case <-arrived:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return &runtime.ExecResult{ExitCode: 1, Stderr: "barrier timeout"}, nil
		}
	}
	return &runtime.ExecResult{}, nil
}

func abs(p, workdir string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join("/", workdir, p)
}
