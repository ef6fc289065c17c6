package build

import (
	"errors"
	"fmt"
)

var (
	ErrBuild               = errors.New("build failed")
	ErrFileSystemOperation = errors.New("file system operation failed")
	ErrCopy                = errors.New("copy failed")
	ErrCommandFailed       = errors.New("command failed")
	ErrBaseImage           = errors.New("base image resolution failed")
	ErrNoWorker            = errors.New("no sandbox available for run steps")
)

// Reports a failure while executing a stage.
//
// Index is the 1-based position of the failing step, or 0 when the stage
// failed before its first step (base resolution, workspace setup, commit).
// Stages that depend on a failed stage are skipped and carry the very same
// error value.
type StageExecutionError struct {
	Stage string // Stage label.
	Index int    // 1-based step index, 0 for stage-level failures.
	Err   error  // Underlying cause.
}

func (e *StageExecutionError) Error() string {
	if e.Index == 0 {
		return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s, step %d: %v", e.Stage, e.Index, e.Err)
}

func (e *StageExecutionError) Unwrap() []error {
	return []error{ErrBuild, e.Err}
}

// Reports a materialization request for a stage that has not finished.
type NotReadyError struct {
	Stage string // Stage label.
	State State  // State at the time of the request.
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("stage %s is not ready (%s)", e.Stage, e.State)
}

// Reports a command that exited with a nonzero status.
type ExitError struct {
	Code   int    // Exit status.
	Stderr string // Captured standard error.
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit code %d", ErrCommandFailed, e.Code)
	}
	return fmt.Sprintf("%s: exit code %d: %s", ErrCommandFailed, e.Code, e.Stderr)
}

func (e *ExitError) Unwrap() error {
	return ErrCommandFailed
}
