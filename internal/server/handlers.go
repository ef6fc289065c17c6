package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cruciblehq/stagehand/internal"
	"github.com/cruciblehq/stagehand/internal/build"
	"github.com/cruciblehq/stagehand/internal/graph"
	"github.com/cruciblehq/stagehand/internal/image"
	"github.com/cruciblehq/stagehand/internal/protocol"
	"github.com/cruciblehq/stagehand/internal/recipe"
)

// Handles a build command.
//
// Loads the requested recipe and executes it. The build is cancelled when
// the client disconnects.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	s.mu.Lock()
	s.builds++
	s.mu.Unlock()

	result, err := Build(ctx, s.builder, req)
	if err != nil {
		s.respond(conn, protocol.CmdError, ErrorResultOf(err))
		return
	}

	s.respond(conn, protocol.CmdOK, result)
}

// Handles a stages command.
func (s *Server) handleStages(conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.StagesRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	result, err := Stages(req)
	if err != nil {
		s.respond(conn, protocol.CmdError, ErrorResultOf(err))
		return
	}

	s.respond(conn, protocol.CmdOK, result)
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	builds := s.builds
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Builds:  builds,
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}

// Executes a build request with the given builder.
//
// The recipe is loaded from req.Recipe and host sources are read from
// req.Context. When some targets fail, both the summary and the error are
// returned; the images of the other targets have still been written.
func Build(ctx context.Context, b *build.Builder, req *protocol.BuildRequest) (*protocol.BuildResult, error) {
	rcp, err := recipe.Load(req.Recipe)
	if err != nil {
		return nil, err
	}

	format, err := image.ParseFormat(req.Format)
	if err != nil {
		return nil, err
	}

	opts := build.Options{
		Targets:  req.Targets,
		Args:     req.Args,
		Context:  req.Context,
		Output:   req.Output,
		Format:   format,
		Platform: req.Platform,
		Jobs:     req.Jobs,
		FailFast: req.FailFast,
		NoCache:  req.NoCache,
		Resource: resourceName(req.Context),
	}

	result, err := b.Build(ctx, rcp, opts)
	if result == nil {
		return nil, err
	}
	return Summarize(result), err
}

// Lists the stages of the requested recipe in execution order.
func Stages(req *protocol.StagesRequest) (*protocol.StagesResult, error) {
	rcp, err := recipe.Load(req.Recipe)
	if err != nil {
		return nil, err
	}

	args, err := recipe.ResolveArgs(rcp.Args, req.Args)
	if err != nil {
		return nil, err
	}

	stages, err := graph.ListStages(rcp, args)
	if err != nil {
		return nil, err
	}
	return &protocol.StagesResult{Stages: stages}, nil
}

// Converts a build result to its wire form.
func Summarize(result *build.Result) *protocol.BuildResult {
	out := &protocol.BuildResult{
		Images: make([]protocol.ImageResult, 0, len(result.Images)),
		Stages: make([]protocol.StageResult, 0, len(result.Stages)),
	}

	for _, st := range result.Stages {
		sr := protocol.StageResult{
			Stage:  st.Stage,
			State:  st.State.String(),
			Digest: st.Digest.String(),
		}
		if st.Err != nil {
			sr.Error = st.Err.Error()
		}
		out.Stages = append(out.Stages, sr)

		if img, ok := result.Images[st.Stage]; ok {
			out.Images = append(out.Images, protocol.ImageResult{
				Stage:  img.Stage,
				Tag:    img.Tag,
				Path:   img.Path,
				Digest: img.Snapshot.Digest().String(),
			})
		}
	}

	return out
}

// Describes an error for the wire, naming the failing stage and step when
// there is one.
func ErrorResultOf(err error) *protocol.ErrorResult {
	res := &protocol.ErrorResult{Message: err.Error()}
	var sErr *build.StageExecutionError
	if errors.As(err, &sErr) {
		res.Stage = sErr.Stage
		res.Step = sErr.Index
	}
	return res
}

// Returns the name images of a build context are tagged with.
func resourceName(contextDir string) string {
	name := filepath.Base(filepath.Clean(contextDir))
	if name == "." || name == string(filepath.Separator) {
		return internal.Name
	}
	return name
}
