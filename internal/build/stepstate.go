package build

import (
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/cruciblehq/stagehand/internal/recipe"
	"github.com/cruciblehq/stagehand/internal/snapshot"
)

// Default shell used for run steps when no shell modifier has been set.
const defaultShell = "/bin/sh"

// Tracks accumulated modifiers during step execution.
//
// State flows linearly through the step list. Standalone modifiers update
// the state permanently via apply. Operations read the effective values for
// a single step via resolve without modifying the persistent state.
type stepState struct {
	shell   string
	workdir string
	env     map[string]string
	args    map[string]string // Resolved build arguments, read-only.
}

// Creates a new [stepState] with default values.
func newStepState() *stepState {
	return &stepState{
		shell: defaultShell,
		env:   make(map[string]string),
	}
}

// Creates a [stepState] seeded from a base image configuration.
//
// The environment and working directory carry over from the base; build
// arguments are available for substitution but never persisted.
func seedStepState(cfg snapshot.Config, args map[string]string) *stepState {
	s := newStepState()
	for _, kv := range cfg.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			s.env[k] = v
		}
	}
	s.workdir = cfg.Workdir
	s.args = args
	return s
}

// Persists modifier fields from a step into the state.
//
// Values are expanded against the build arguments and the environment
// defined so far. The state is mutated permanently, affecting all
// subsequent steps.
func (s *stepState) apply(step recipe.Step) error {
	resolved, err := s.resolve(step)
	if err != nil {
		return err
	}
	s.shell = resolved.shell
	s.workdir = resolved.workdir
	s.env = resolved.env
	return nil
}

// Returns a new [stepState] with step-level modifiers overlaid on the
// persistent state. The receiver is not modified.
//
// Step-level modifiers override the corresponding state values for this
// operation only. A relative workdir is joined with the current one.
func (s *stepState) resolve(step recipe.Step) (*stepState, error) {
	resolved := &stepState{
		shell:   s.shell,
		workdir: s.workdir,
		env:     make(map[string]string, len(s.env)+len(step.Env)),
		args:    s.args,
	}
	maps.Copy(resolved.env, s.env)

	// Expand in key order so the result does not depend on map iteration.
	vars := s.vars()
	for _, k := range slices.Sorted(maps.Keys(step.Env)) {
		v, err := recipe.Expand(step.Env[k], vars)
		if err != nil {
			return nil, err
		}
		resolved.env[k] = v
	}

	if step.Shell != "" {
		resolved.shell = step.Shell
	}
	if step.Workdir != "" {
		wd, err := recipe.Expand(step.Workdir, vars)
		if err != nil {
			return nil, err
		}
		if !path.IsAbs(wd) {
			wd = path.Join("/", s.workdir, wd)
		}
		resolved.workdir = path.Clean(wd)
	}

	return resolved, nil
}

// Returns the variables visible to substitution: build arguments overlaid
// by the environment.
func (s *stepState) vars() map[string]string {
	vars := make(map[string]string, len(s.args)+len(s.env))
	maps.Copy(vars, s.args)
	maps.Copy(vars, s.env)
	return vars
}

// Expands a word against the visible variables.
func (s *stepState) expand(word string) (string, error) {
	return recipe.Expand(word, s.vars())
}

// Formats the environment as a sorted list of "key=value" strings suitable
// for passing to container exec. Build arguments are included, with the
// environment taking precedence.
func (s *stepState) environ() []string {
	vars := s.vars()
	env := make([]string, 0, len(vars))
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// Returns the argument vector for a run step.
//
// Exec steps run verbatim. Shell commands are appended to the shell: a
// single-word shell gets "-c" inserted, a multi-word shell (e.g. "/bin/bash
// -o pipefail -c") is used as given.
func (s *stepState) argv(step recipe.Step) []string {
	if len(step.Exec) > 0 {
		return slices.Clone(step.Exec)
	}
	fields := strings.Fields(s.shell)
	if len(fields) == 1 {
		fields = append(fields, "-c")
	}
	return append(fields, step.Run)
}

// Writes the persistent environment and working directory into cfg.
//
// Existing variables keep their position; new ones are appended in key
// order.
func (s *stepState) commit(cfg *snapshot.Config) {
	for _, k := range slices.Sorted(maps.Keys(s.env)) {
		if v, ok := cfg.Getenv(k); !ok || v != s.env[k] {
			cfg.Setenv(k, s.env[k])
		}
	}
	cfg.Workdir = s.workdir
}
