package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Identifies a request or response.
type Command string

const (
	CmdBuild    Command = "build"    // Build a recipe.
	CmdStages   Command = "stages"   // List the stages of a recipe.
	CmdStatus   Command = "status"   // Report daemon status.
	CmdShutdown Command = "shutdown" // Stop the daemon.
	CmdOK       Command = "ok"       // Successful response.
	CmdError    Command = "error"    // Failed response.
)

// Wire format of every message.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Builds a recipe through the daemon.
//
// Paths are interpreted by the daemon and must be absolute.
type BuildRequest struct {
	Recipe   string            `json:"recipe"`             // Recipe file.
	Context  string            `json:"context"`            // Build context directory.
	Targets  []string          `json:"targets,omitempty"`  // Stages to materialize.
	Args     map[string]string `json:"args,omitempty"`     // Build argument overrides.
	Output   string            `json:"output,omitempty"`   // Directory for written images.
	Format   string            `json:"format,omitempty"`   // Image format.
	Platform string            `json:"platform,omitempty"` // Default platform.
	Jobs     int               `json:"jobs,omitempty"`     // Concurrent stage limit.
	FailFast bool              `json:"failFast,omitempty"` // Cancel on the first failure.
	NoCache  bool              `json:"noCache,omitempty"`  // Ignore cached stages.
}

// Outcome of a build.
type BuildResult struct {
	Images []ImageResult `json:"images"`
	Stages []StageResult `json:"stages"`
}

// A materialized target.
type ImageResult struct {
	Stage  string `json:"stage"`
	Tag    string `json:"tag"`
	Path   string `json:"path,omitempty"`
	Digest string `json:"digest"`
}

// Final state of a stage.
type StageResult struct {
	Stage  string `json:"stage"`
	State  string `json:"state"`
	Digest string `json:"digest,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Lists the stages of a recipe in execution order.
type StagesRequest struct {
	Recipe string            `json:"recipe"`
	Args   map[string]string `json:"args,omitempty"`
}

// Stage labels in execution order.
type StagesResult struct {
	Stages []string `json:"stages"`
}

// Daemon status.
type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Builds  int    `json:"builds"`
}

// Describes a failed request.
//
// Stage and Step are set when a stage execution failed, Step being the
// 1-based instruction index or 0 for stage-level failures.
type ErrorResult struct {
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Step    int    `json:"step,omitempty"`
}

func (e *ErrorResult) Error() string {
	return e.Message
}

// Encodes a command and payload as a single-line JSON envelope.
//
// A nil payload is omitted. The result has no trailing newline.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

// Decodes an envelope, returning it together with its raw payload.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(bytes.TrimSpace(data), &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Command == "" {
		return nil, nil, fmt.Errorf("%w: missing command", ErrMalformed)
	}
	return &env, env.Payload, nil
}

// Decodes a payload into a value of type T.
//
// An empty payload yields the zero value.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	v := new(T)
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return v, nil
}
