package build

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cruciblehq/stagehand/internal/recipe"
	"github.com/cruciblehq/stagehand/internal/snapshot"
)

func mustApply(t *testing.T, s *stepState, step recipe.Step) {
	t.Helper()
	if err := s.apply(step); err != nil {
		t.Fatalf("apply(%+v) error = %v", step, err)
	}
}

func mustResolve(t *testing.T, s *stepState, step recipe.Step) *stepState {
	t.Helper()
	resolved, err := s.resolve(step)
	if err != nil {
		t.Fatalf("resolve(%+v) error = %v", step, err)
	}
	return resolved
}

func TestNewStepState(t *testing.T) {
	s := newStepState()
	if s.shell != defaultShell {
		t.Fatalf("shell = %q, want %q", s.shell, defaultShell)
	}
	if s.workdir != "" {
		t.Fatalf("workdir = %q, want empty", s.workdir)
	}
	if len(s.env) != 0 {
		t.Fatalf("env = %v, want empty", s.env)
	}
}

func TestSeedStepState(t *testing.T) {
	s := seedStepState(snapshot.Config{
		Env:     []string{"PATH=/usr/bin", "LANG=C.UTF-8"},
		Workdir: "/srv",
	}, map[string]string{"VERSION": "1.0"})

	if s.workdir != "/srv" {
		t.Fatalf("workdir = %q, want /srv", s.workdir)
	}
	if s.env["PATH"] != "/usr/bin" || s.env["LANG"] != "C.UTF-8" {
		t.Fatalf("env = %v", s.env)
	}
	if _, ok := s.env["VERSION"]; ok {
		t.Fatal("build argument leaked into env")
	}
}

func TestApply(t *testing.T) {
	s := newStepState()

	mustApply(t, s, recipe.Step{Shell: "/bin/bash"})
	if s.shell != "/bin/bash" {
		t.Fatalf("shell = %q, want /bin/bash", s.shell)
	}

	mustApply(t, s, recipe.Step{Workdir: "/app"})
	if s.workdir != "/app" {
		t.Fatalf("workdir = %q, want /app", s.workdir)
	}
	if s.shell != "/bin/bash" {
		t.Fatalf("shell changed to %q after workdir apply", s.shell)
	}

	mustApply(t, s, recipe.Step{Env: map[string]string{"A": "1", "B": "2"}})
	if s.env["A"] != "1" || s.env["B"] != "2" {
		t.Fatalf("env = %v, want A=1 B=2", s.env)
	}

	mustApply(t, s, recipe.Step{Env: map[string]string{"A": "override"}})
	if s.env["A"] != "override" {
		t.Fatalf("env[A] = %q, want override", s.env["A"])
	}
	if s.env["B"] != "2" {
		t.Fatalf("env[B] = %q, want 2 (preserved)", s.env["B"])
	}
}

func TestApplyEmptyFieldsNoOp(t *testing.T) {
	s := newStepState()
	mustApply(t, s, recipe.Step{Shell: "/bin/zsh", Workdir: "/opt"})
	mustApply(t, s, recipe.Step{})
	if s.shell != "/bin/zsh" {
		t.Fatalf("shell = %q, want /bin/zsh", s.shell)
	}
	if s.workdir != "/opt" {
		t.Fatalf("workdir = %q, want /opt", s.workdir)
	}
}

func TestApplyExpands(t *testing.T) {
	s := seedStepState(snapshot.Config{Env: []string{"HOME=/root"}}, map[string]string{"VERSION": "2.1"})

	mustApply(t, s, recipe.Step{Env: map[string]string{"APP_VERSION": "v$VERSION", "CACHE": "${HOME}/.cache"}})
	mustApply(t, s, recipe.Step{Workdir: "/opt/app-${APP_VERSION}"})

	if s.env["APP_VERSION"] != "v2.1" {
		t.Errorf("APP_VERSION = %q, want v2.1", s.env["APP_VERSION"])
	}
	if s.env["CACHE"] != "/root/.cache" {
		t.Errorf("CACHE = %q, want /root/.cache", s.env["CACHE"])
	}
	if s.workdir != "/opt/app-v2.1" {
		t.Errorf("workdir = %q, want /opt/app-v2.1", s.workdir)
	}
}

func TestResolve(t *testing.T) {
	s := newStepState()
	mustApply(t, s, recipe.Step{
		Shell:   "/bin/bash",
		Workdir: "/app",
		Env:     map[string]string{"A": "1"},
	})

	resolved := mustResolve(t, s, recipe.Step{
		Shell:   "/bin/zsh",
		Workdir: "/tmp",
		Env:     map[string]string{"B": "2"},
	})

	if resolved.shell != "/bin/zsh" {
		t.Fatalf("resolved.shell = %q, want /bin/zsh", resolved.shell)
	}
	if resolved.workdir != "/tmp" {
		t.Fatalf("resolved.workdir = %q, want /tmp", resolved.workdir)
	}
	if resolved.env["A"] != "1" || resolved.env["B"] != "2" {
		t.Fatalf("resolved.env = %v, want A=1 B=2", resolved.env)
	}

	// Original state is unchanged.
	if s.shell != "/bin/bash" {
		t.Fatalf("original shell mutated to %q", s.shell)
	}
	if s.workdir != "/app" {
		t.Fatalf("original workdir mutated to %q", s.workdir)
	}
	if _, ok := s.env["B"]; ok {
		t.Fatal("original env mutated: B leaked in")
	}
}

func TestResolveInheritsState(t *testing.T) {
	s := newStepState()
	mustApply(t, s, recipe.Step{Shell: "/bin/bash", Workdir: "/app"})

	resolved := mustResolve(t, s, recipe.Step{})
	if resolved.shell != "/bin/bash" {
		t.Fatalf("shell = %q, want /bin/bash", resolved.shell)
	}
	if resolved.workdir != "/app" {
		t.Fatalf("workdir = %q, want /app", resolved.workdir)
	}
}

func TestResolveRelativeWorkdir(t *testing.T) {
	s := newStepState()
	mustApply(t, s, recipe.Step{Workdir: "/app"})

	resolved := mustResolve(t, s, recipe.Step{Workdir: "sub/../build"})
	if resolved.workdir != "/app/build" {
		t.Fatalf("workdir = %q, want /app/build", resolved.workdir)
	}
}

func TestResolveEnvOverride(t *testing.T) {
	s := newStepState()
	mustApply(t, s, recipe.Step{Env: map[string]string{"K": "base"}})

	resolved := mustResolve(t, s, recipe.Step{Env: map[string]string{"K": "override"}})
	if resolved.env["K"] != "override" {
		t.Fatalf("env[K] = %q, want override", resolved.env["K"])
	}
	if s.env["K"] != "base" {
		t.Fatalf("original env[K] mutated to %q", s.env["K"])
	}
}

func TestEnviron(t *testing.T) {
	s := newStepState()
	if len(s.environ()) != 0 {
		t.Fatal("empty state should produce no environ entries")
	}

	s.args = map[string]string{"VERSION": "1", "HOME": "/ignored"}
	mustApply(t, s, recipe.Step{Env: map[string]string{"PATH": "/usr/bin", "HOME": "/root"}})

	want := []string{"HOME=/root", "PATH=/usr/bin", "VERSION=1"}
	if diff := cmp.Diff(want, s.environ()); diff != "" {
		t.Fatalf("environ mismatch (-want +got):\n%s", diff)
	}
}

func TestArgv(t *testing.T) {
	tests := []struct {
		name  string
		shell string
		step  recipe.Step
		want  []string
	}{
		{"default shell", defaultShell, recipe.Step{Run: "make all"}, []string{"/bin/sh", "-c", "make all"}},
		{"custom shell", "/bin/bash", recipe.Step{Run: "echo $0"}, []string{"/bin/bash", "-c", "echo $0"}},
		{"shell with flags", "/bin/bash -o pipefail -c", recipe.Step{Run: "a | b"}, []string{"/bin/bash", "-o", "pipefail", "-c", "a | b"}},
		{"exec form", defaultShell, recipe.Step{Exec: []string{"/usr/bin/env", "true"}}, []string{"/usr/bin/env", "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStepState()
			s.shell = tt.shell
			if diff := cmp.Diff(tt.want, s.argv(tt.step)); diff != "" {
				t.Errorf("argv mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommit(t *testing.T) {
	s := seedStepState(snapshot.Config{Env: []string{"PATH=/bin", "LANG=C"}}, map[string]string{"SECRET": "x"})
	mustApply(t, s, recipe.Step{Env: map[string]string{"PATH": "/usr/local/bin:/bin", "Z": "1", "A": "2"}})
	mustApply(t, s, recipe.Step{Workdir: "/work"})

	cfg := snapshot.Config{Env: []string{"PATH=/bin", "LANG=C"}}
	s.commit(&cfg)

	want := []string{"PATH=/usr/local/bin:/bin", "LANG=C", "A=2", "Z=1"}
	if diff := cmp.Diff(want, cfg.Env); diff != "" {
		t.Errorf("Env mismatch (-want +got):\n%s", diff)
	}
	if cfg.Workdir != "/work" {
		t.Errorf("Workdir = %q, want /work", cfg.Workdir)
	}
}
