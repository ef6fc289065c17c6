package recipe

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// Instructions that only carry metadata the orchestrator does not model.
var ignoredInstructions = map[string]bool{
	"expose":      true,
	"volume":      true,
	"stopsignal":  true,
	"healthcheck": true,
	"maintainer":  true,
}

// Parses a Dockerfile into a recipe.
//
// ARG declarations are collected into a single recipe-wide scope, in order of
// first appearance. FROM starts a new stage; "AS name" names it (names are
// case-insensitive and stored lowercased). RUN, ENV, WORKDIR, SHELL, COPY and
// ADD become steps; ENTRYPOINT, CMD and LABEL set the image configuration of
// the current stage. ADD is treated as COPY and only accepts local sources.
// Instructions that would need features the orchestrator does not provide
// are rejected with the offending line number.
func LoadDockerfile(r io.Reader) (*Recipe, error) {
	res, err := parser.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDockerfile, err)
	}

	d := &dockerfile{rcp: &Recipe{}, args: make(map[string]int)}
	for _, node := range res.AST.Children {
		if err := d.dispatch(node); err != nil {
			return nil, err
		}
	}

	if err := d.qualifyImages(); err != nil {
		return nil, err
	}
	if err := d.rcp.Validate(); err != nil {
		return nil, err
	}
	return d.rcp, nil
}

// Pins references that only bind to images.
//
// In a Dockerfile, FROM and --from see only the stages declared before them,
// so a name matching the current or a later stage means an image. Such
// references are rewritten to their fully qualified form so the graph does
// not bind them to the stage.
func (d *dockerfile) qualifyImages() error {
	for i := range d.rcp.Stages {
		st := &d.rcp.Stages[i]
		var err error
		if st.From, err = d.qualify(st.From, i); err != nil {
			return err
		}
		for j := range st.Steps {
			if st.Steps[j].From == "" {
				continue
			}
			if st.Steps[j].From, err = d.qualify(st.Steps[j].From, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// Qualifies ref when it names the stage at index i or a later one.
func (d *dockerfile) qualify(ref string, i int) (string, error) {
	if strings.Contains(ref, "$") {
		return ref, nil
	}
	for _, st := range d.rcp.Stages[i:] {
		if st.Name != "" && st.Name == ref {
			named, err := name.ParseReference(ref)
			if err != nil {
				return "", fmt.Errorf("%w: %w", ErrDockerfile, err)
			}
			return named.Name(), nil
		}
	}
	return ref, nil
}

// Accumulates state while walking the parsed Dockerfile.
type dockerfile struct {
	rcp  *Recipe
	cur  *Stage         // Stage receiving instructions; nil before the first FROM.
	args map[string]int // Index into rcp.Args by name.
}

// Handles a single top-level instruction.
func (d *dockerfile) dispatch(node *parser.Node) error {
	cmd := strings.ToLower(node.Value)
	words := nodeWords(node)
	line := node.StartLine

	if len(node.Heredocs) > 0 {
		return lineErr(line, "heredocs are not supported")
	}

	if cmd == "arg" {
		return d.arg(words, line)
	}
	if cmd == "from" {
		return d.from(node, words, line)
	}
	if d.cur == nil {
		return lineErr(line, "%s before FROM", strings.ToUpper(cmd))
	}

	switch cmd {
	case "run":
		return d.run(node, words, line)
	case "env":
		return d.env(words, line)
	case "workdir":
		if len(words) != 1 {
			return lineErr(line, "WORKDIR takes exactly one path")
		}
		d.step(Step{Workdir: words[0], Line: line})
	case "shell":
		if !isJSON(node) || len(words) == 0 {
			return lineErr(line, "SHELL requires a JSON array")
		}
		d.step(Step{Shell: strings.Join(words, " "), Line: line})
	case "copy", "add":
		return d.copy(node, cmd, words, line)
	case "entrypoint":
		d.cur.Entrypoint = commandWords(node, words)
	case "cmd":
		d.cur.Cmd = commandWords(node, words)
	case "label":
		if len(words)%2 != 0 {
			return lineErr(line, "malformed LABEL")
		}
		if d.cur.Labels == nil {
			d.cur.Labels = make(map[string]string)
		}
		for i := 0; i < len(words); i += 2 {
			d.cur.Labels[words[i]] = unquote(words[i+1])
		}
	default:
		if ignoredInstructions[cmd] {
			slog.Warn("ignoring instruction", "instruction", strings.ToUpper(cmd), "line", line)
			return nil
		}
		return lineErr(line, "unsupported instruction %s", strings.ToUpper(cmd))
	}
	return nil
}

// Declares build arguments. Redeclaring an argument inside a stage only
// fills in a default when the earlier declaration had none.
func (d *dockerfile) arg(words []string, line int) error {
	if len(words) == 0 {
		return lineErr(line, "ARG requires a name")
	}
	for _, w := range words {
		name, def, hasDef := strings.Cut(w, "=")
		if name == "" {
			return lineErr(line, "ARG requires a name")
		}
		if i, ok := d.args[name]; ok {
			if hasDef && d.rcp.Args[i].Default == nil {
				d.rcp.Args[i].Default = &def
			}
			continue
		}
		a := Arg{Name: name}
		if hasDef {
			a.Default = &def
		}
		d.args[name] = len(d.rcp.Args)
		d.rcp.Args = append(d.rcp.Args, a)
	}
	return nil
}

// Starts a new stage.
func (d *dockerfile) from(node *parser.Node, words []string, line int) error {
	st := Stage{}
	switch {
	case len(words) == 1:
		st.From = words[0]
	case len(words) == 3 && strings.EqualFold(words[1], "as"):
		st.From = words[0]
		st.Name = strings.ToLower(words[2])
	default:
		return lineErr(line, "FROM expects an image and an optional AS name")
	}

	if st.From != Scratch {
		if idx := d.stageIndex(st.From); idx >= 0 {
			st.From = d.rcp.Stages[idx].Name
		}
	}

	for _, flag := range node.Flags {
		key, value, _ := strings.Cut(strings.TrimPrefix(flag, "--"), "=")
		if key != "platform" {
			return lineErr(line, "unsupported FROM flag %s", flag)
		}
		st.Platform = value
	}

	d.rcp.Stages = append(d.rcp.Stages, st)
	d.cur = &d.rcp.Stages[len(d.rcp.Stages)-1]
	return nil
}

// Adds a RUN step. JSON form executes without a shell.
func (d *dockerfile) run(node *parser.Node, words []string, line int) error {
	if len(node.Flags) > 0 {
		return lineErr(line, "unsupported RUN flags %v", node.Flags)
	}
	if len(words) == 0 {
		return lineErr(line, "RUN requires a command")
	}
	if isJSON(node) {
		d.step(Step{Exec: words, Line: line})
		return nil
	}
	d.step(Step{Run: words[0], Line: line})
	return nil
}

// Adds an ENV step from alternating key/value words.
func (d *dockerfile) env(words []string, line int) error {
	if len(words) == 0 || len(words)%2 != 0 {
		return lineErr(line, "malformed ENV")
	}
	env := make(map[string]string, len(words)/2)
	for i := 0; i < len(words); i += 2 {
		env[words[i]] = words[i+1]
	}
	d.step(Step{Env: env, Line: line})
	return nil
}

// Adds one copy step per source.
func (d *dockerfile) copy(node *parser.Node, cmd string, words []string, line int) error {
	var from string
	for _, flag := range node.Flags {
		key, value, _ := strings.Cut(strings.TrimPrefix(flag, "--"), "=")
		switch key {
		case "from":
			if cmd == "add" {
				return lineErr(line, "ADD does not accept --from")
			}
			from = value
			if idx := d.stageIndex(value); idx >= 0 {
				from = d.rcp.Stages[idx].Name
			}
		case "chown", "chmod", "link":
			slog.Warn("ignoring copy flag", "flag", flag, "line", line)
		default:
			return lineErr(line, "unsupported %s flag %s", strings.ToUpper(cmd), flag)
		}
	}

	if len(words) < 2 {
		return lineErr(line, "%s requires a source and a destination", strings.ToUpper(cmd))
	}

	srcs, dest := words[:len(words)-1], words[len(words)-1]
	if len(srcs) > 1 && !strings.HasSuffix(dest, "/") {
		return lineErr(line, "destination must end with / when copying multiple sources")
	}

	for _, src := range srcs {
		if cmd == "add" && isRemote(src) {
			return lineErr(line, "ADD only supports local sources")
		}
		d.step(Step{Copy: src + " " + dest, From: from, Line: line})
	}
	return nil
}

// Appends a step to the current stage.
func (d *dockerfile) step(s Step) {
	d.cur.Steps = append(d.cur.Steps, s)
}

// Returns the index of an already declared stage matching ref, or -1.
func (d *dockerfile) stageIndex(ref string) int {
	for i, st := range d.rcp.Stages {
		if st.Name != "" && strings.EqualFold(st.Name, ref) {
			return i
		}
	}
	return -1
}

// Collects the argument words of an instruction node.
func nodeWords(node *parser.Node) []string {
	var words []string
	for n := node.Next; n != nil; n = n.Next {
		words = append(words, n.Value)
	}
	return words
}

// Returns an exec-form argv for ENTRYPOINT and CMD.
func commandWords(node *parser.Node, words []string) []string {
	if isJSON(node) || len(words) == 0 {
		return words
	}
	return []string{"/bin/sh", "-c", words[0]}
}

func isJSON(node *parser.Node) bool {
	return node.Attributes["json"]
}

func isRemote(src string) bool {
	return strings.HasPrefix(src, "http://") ||
		strings.HasPrefix(src, "https://") ||
		strings.HasPrefix(src, "git@")
}

// Strips one level of matching double quotes.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func lineErr(line int, format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrDockerfile, line, fmt.Sprintf(format, args...))
}
