package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph  = errors.New("invalid build graph")
	ErrCycle         = errors.New("dependency cycle")
	ErrUnknownTarget = errors.New("unknown target")
)

// Describes why a stage graph was rejected.
//
// Kind is [ErrInvalidGraph] or [ErrCycle]. For cycles, Cycle holds the
// witness path with its first stage repeated at the end.
type GraphError struct {
	Kind  error    // Error category.
	Stage string   // Offending stage label, when known.
	Cycle []string // Cycle witness.
	Msg   string   // Human-readable detail.
	Err   error    // Underlying cause, if any.
}

func (e *GraphError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if len(e.Cycle) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Cycle, " -> "))
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, ": stage %s", e.Stage)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *GraphError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Returns an invalid graph error for the given stage.
func invalidf(stage, format string, args ...any) *GraphError {
	return &GraphError{Kind: ErrInvalidGraph, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

// Reports a requested target that no stage declares.
type UnknownTargetError struct {
	Target string // Requested target.
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("%s %q", ErrUnknownTarget, e.Target)
}

func (e *UnknownTargetError) Unwrap() error {
	return ErrUnknownTarget
}
