package recipe

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/shell"
)

// Type of a build argument's value.
type ArgType string

const (
	ArgString ArgType = "string"
	ArgInt    ArgType = "int"
	ArgBool   ArgType = "bool"
)

// A build-time-only input.
type Arg struct {
	Name    string  `yaml:"name" json:"name"`                           // Argument name.
	Type    ArgType `yaml:"type,omitempty" json:"type,omitempty"`       // Value type, string when empty.
	Default *string `yaml:"default,omitempty" json:"default,omitempty"` // Default value, unset when nil.
}

// Lexer shared by all substitutions. The backslash matches the default
// Dockerfile escape token.
var lexer = shell.NewLex('\\')

// Substitutes $NAME, ${NAME} and the ${NAME:-word} family in word.
//
// Unset variables expand to the empty string. Quotes are processed the way
// a Dockerfile word is, so `"a b"` yields `a b`.
func Expand(word string, vars map[string]string) (string, error) {
	out, err := lexer.ProcessWordWithMap(word, vars)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidArg, word, err)
	}
	return out, nil
}

// Resolves declared arguments against caller overrides.
//
// Declarations are processed in order; each default may reference arguments
// declared before it. Overrides take precedence over defaults and are
// checked against the declared type. Overrides naming an undeclared argument
// are ignored with a warning. Arguments without a default or override are
// left out of the result and expand to the empty string.
func ResolveArgs(decls []Arg, overrides map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(decls))
	declared := make(map[string]bool, len(decls))

	for _, decl := range decls {
		declared[decl.Name] = true

		value, ok := overrides[decl.Name]
		if !ok {
			if decl.Default == nil {
				continue
			}
			expanded, err := Expand(*decl.Default, resolved)
			if err != nil {
				return nil, err
			}
			value = expanded
		}

		if err := decl.check(value); err != nil {
			return nil, err
		}
		resolved[decl.Name] = value
	}

	for name := range overrides {
		if !declared[name] {
			slog.Warn("build argument was not consumed", "arg", name)
		}
	}

	return resolved, nil
}

// Validates a value against the declared type.
func (a Arg) check(value string) error {
	switch a.Type {
	case "", ArgString:
		return nil
	case ArgInt:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("%w: %s=%q is not an int", ErrInvalidArg, a.Name, value)
		}
	case ArgBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%w: %s=%q is not a bool", ErrInvalidArg, a.Name, value)
		}
	default:
		return fmt.Errorf("%w: %s has unknown type %q", ErrInvalidArg, a.Name, a.Type)
	}
	return nil
}

// Parses "KEY=VALUE" pairs as given on the command line.
func ParseArgOverrides(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: expected KEY=VALUE, got %q", ErrInvalidArg, p)
		}
		out[k] = v
	}
	return out, nil
}
