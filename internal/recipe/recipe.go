package recipe

import (
	"fmt"
	"strconv"
	"strings"
)

// Base reference for stages that start from an empty filesystem.
const Scratch = "scratch"

// A complete build-graph description.
type Recipe struct {
	Args    []Arg    `yaml:"args,omitempty" json:"args,omitempty"`       // Declared build arguments.
	Stages  []Stage  `yaml:"stages" json:"stages"`                       // Stage declarations in source order.
	Targets []string `yaml:"targets,omitempty" json:"targets,omitempty"` // Default targets when the caller names none.
}

// A named node of the build graph.
type Stage struct {
	Name       string            `yaml:"name,omitempty" json:"name,omitempty"`             // Unique name. Anonymous stages are addressed by index.
	From       string            `yaml:"from" json:"from"`                                 // Base stage, external image reference or "scratch".
	Platform   string            `yaml:"platform,omitempty" json:"platform,omitempty"`     // Platform override (e.g. "linux/arm64").
	Steps      []Step            `yaml:"steps,omitempty" json:"steps,omitempty"`           // Ordered instructions.
	Entrypoint []string          `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"` // Image entrypoint when materialized.
	Cmd        []string          `yaml:"cmd,omitempty" json:"cmd,omitempty"`               // Image default command when materialized.
	Labels     map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`         // Image labels when materialized.
}

// A single instruction within a stage.
//
// Exactly one of Run, Exec or Copy makes the step an operation. Env, Workdir
// and Shell on an operation apply to that operation only; on a step without
// an operation they persist for the rest of the stage.
type Step struct {
	Run     string            `yaml:"run,omitempty" json:"run,omitempty"`         // Shell command.
	Exec    []string          `yaml:"exec,omitempty" json:"exec,omitempty"`       // Command executed without a shell.
	Copy    string            `yaml:"copy,omitempty" json:"copy,omitempty"`       // "src dest" or "stage:src dest".
	From    string            `yaml:"from,omitempty" json:"from,omitempty"`       // Copy source stage or image, alternative to the prefix form.
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`         // Environment variables.
	Workdir string            `yaml:"workdir,omitempty" json:"workdir,omitempty"` // Working directory.
	Shell   string            `yaml:"shell,omitempty" json:"shell,omitempty"`     // Shell used for Run.
	Line    int               `yaml:"-" json:"-"`                                 // Source line, for diagnostics.
}

// Classifies a step.
type Kind int

const (
	KindModifier Kind = iota // Standalone env/workdir/shell change.
	KindRun                  // Command execution.
	KindCopy                 // File import.
)

// Returns the kind of operation the step performs.
func (s Step) Kind() Kind {
	switch {
	case s.Run != "" || len(s.Exec) > 0:
		return KindRun
	case s.Copy != "":
		return KindCopy
	default:
		return KindModifier
	}
}

// Checks that the step describes exactly one thing to do.
func (s Step) Validate() error {
	ops := 0
	if s.Run != "" {
		ops++
	}
	if len(s.Exec) > 0 {
		ops++
	}
	if s.Copy != "" {
		ops++
	}
	if ops > 1 {
		return fmt.Errorf("%w: step combines run, exec and copy", ErrRecipe)
	}
	if s.From != "" && s.Copy == "" {
		return fmt.Errorf("%w: from is only valid on copy steps", ErrRecipe)
	}
	if ops == 0 && s.Env == nil && s.Workdir == "" && s.Shell == "" {
		return fmt.Errorf("%w: empty step", ErrRecipe)
	}
	return nil
}

// Returns a human-readable label for the stage at index, preferring its name.
func Label(name string, index int) string {
	if name != "" {
		return name
	}
	return "#" + strconv.Itoa(index)
}

// Checks the structural rules that do not depend on the graph.
//
// Stage names must be unique, must not look like an index and must not
// contain characters used by the copy syntax.
func (r *Recipe) Validate() error {
	if len(r.Stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrRecipe)
	}

	seen := make(map[string]int, len(r.Stages))
	for i, st := range r.Stages {
		if st.From == "" {
			return fmt.Errorf("%w: stage %s has no base", ErrRecipe, Label(st.Name, i))
		}
		if st.Name != "" {
			if _, err := strconv.Atoi(st.Name); err == nil {
				return fmt.Errorf("%w: stage name %q is numeric", ErrRecipe, st.Name)
			}
			if strings.ContainsAny(st.Name, ":/ \t") {
				return fmt.Errorf("%w: stage name %q contains a reserved character", ErrRecipe, st.Name)
			}
			if j, dup := seen[st.Name]; dup {
				return fmt.Errorf("%w: stage name %q declared at %d and %d", ErrRecipe, st.Name, j, i)
			}
			seen[st.Name] = i
		}
		for j, step := range st.Steps {
			if err := step.Validate(); err != nil {
				return fmt.Errorf("stage %s, step %d: %w", Label(st.Name, i), j+1, err)
			}
		}
	}

	seenArgs := make(map[string]bool, len(r.Args))
	for _, a := range r.Args {
		if a.Name == "" {
			return fmt.Errorf("%w: build argument without a name", ErrRecipe)
		}
		if seenArgs[a.Name] {
			return fmt.Errorf("%w: build argument %q declared twice", ErrRecipe, a.Name)
		}
		seenArgs[a.Name] = true
	}

	return nil
}
