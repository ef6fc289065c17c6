package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cruciblehq/stagehand/internal/build"
	"github.com/cruciblehq/stagehand/internal/image"
	"github.com/cruciblehq/stagehand/internal/paths"
	"github.com/cruciblehq/stagehand/internal/protocol"
	"github.com/cruciblehq/stagehand/internal/runtime"
	"github.com/cruciblehq/stagehand/internal/snapshot"
)

const (

	// Default containerd socket address.
	DefaultContainerdAddress = "/run/containerd/containerd.sock"

	// Default containerd namespace for images and containers.
	DefaultContainerdNamespace = "stagehand"

	// Group name used to grant socket access. Members of this group can
	// connect to the daemon socket without owning the process.
	socketGroup = "stagehand"

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660
)

// Holds server configuration.
type Config struct {
	SocketPath          string // Override for the Unix socket path. Empty uses the default.
	ContainerdAddress   string // Containerd socket address. Empty uses [DefaultContainerdAddress].
	ContainerdNamespace string // Containerd namespace for images and containers. Empty uses [DefaultContainerdNamespace].
	CacheDir            string // Stage cache directory. Empty uses the XDG cache directory.
}

// Listens on a Unix domain socket and dispatches commands.
type Server struct {
	socketPath string           // Path to the Unix socket file.
	pidFile    string           // Path to the PID file.
	builder    *build.Builder   // Executes build requests.
	runtime    *runtime.Runtime // Containerd-backed sandbox runtime, nil when not connected.
	listener   net.Listener     // Listener for incoming connections.
	startedAt  time.Time        // Timestamp when the server started.

	ctx    context.Context         // Parent of every request context; cancelled by Stop.
	cancel context.CancelCauseFunc // Cancels ctx with [ErrShutdown].
	active sync.WaitGroup          // Connections being served.
	done   chan struct{}           // Closed once Stop has finished.

	mu       sync.Mutex            // Guards the fields below.
	builds   int                   // Total number of build commands processed.
	conns    map[net.Conn]struct{} // Open connections.
	stopping bool                  // Set by Stop; refuses new connections.
	stopOnce sync.Once
}

// Creates a new server instance.
//
// Connects to containerd and opens the stage cache. The socket is not
// opened until [Server.Start] is called.
func New(cfg Config) (*Server, error) {
	containerdAddress := cfg.ContainerdAddress
	if containerdAddress == "" {
		containerdAddress = DefaultContainerdAddress
	}

	containerdNamespace := cfg.ContainerdNamespace
	if containerdNamespace == "" {
		containerdNamespace = DefaultContainerdNamespace
	}

	store, err := snapshot.NewDiskStore(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}

	rt, err := runtime.New(containerdAddress, containerdNamespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}

	builder := build.New(image.NewRemoteResolver(), build.RuntimeWorker(rt), store)

	s := newServer(cfg.SocketPath, builder)
	s.runtime = rt
	return s, nil
}

// Creates a server that executes builds with the given builder.
func newServer(socketPath string, builder *build.Builder) *Server {
	if socketPath == "" {
		socketPath = paths.Socket()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Server{
		socketPath: socketPath,
		pidFile:    paths.PIDFile(),
		builder:    builder,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
		done:       make(chan struct{}),
	}
}

// Opens the Unix socket and begins accepting connections.
func (s *Server) Start() error {
	listener, err := listen(s.socketPath)
	if err != nil {
		return err
	}

	s.listener = listener
	s.startedAt = time.Now()

	if err := writePID(s.pidFile); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	slog.Info("server listening on socket", "path", s.socketPath)

	go s.accept()
	return nil
}

// Creates the Unix socket listener, removes any stale socket from a previous
// run, and applies permissions.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to listen on %s: %w", ErrServer, socketPath, err)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to owner and group. The daemon does not run as
// root; any user in the stagehand group can also connect.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return fmt.Errorf("%w: failed to chmod socket %s: %w", ErrServer, socketPath, err)
	}

	if g, err := user.LookupGroup(socketGroup); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			if err := os.Chown(socketPath, -1, gid); err != nil {
				slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
			}
		}
	} else {
		slog.Debug("socket group not found, socket accessible to owner only", "group", socketGroup)
	}

	return nil
}

// Shuts down the server and cleans up resources.
//
// In-flight builds are cancelled with [ErrShutdown] and open connections are
// closed. Stop returns once every connection handler has finished. Safe to
// call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		if s.listener != nil {
			s.listener.Close()
		}
		s.cancel(ErrShutdown)

		s.mu.Lock()
		s.stopping = true
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		s.active.Wait()

		if s.runtime != nil {
			s.runtime.Close()
		}

		os.Remove(s.socketPath)
		os.Remove(s.pidFile)

		close(s.done)
	})
	return nil
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Accepts connections in a loop until the server shuts down.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.done:
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		go func() {
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

// Registers an accepted connection. Returns false once Stop has begun.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[conn] = struct{}{}
	s.active.Add(1)
	return true
}

// Forgets a connection whose handler returned.
func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.active.Done()
}

// Processes a single connection.
//
// Reads one newline-delimited JSON message, dispatches the command, and
// writes the response. The connection is closed after one exchange.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	line, err := reader.ReadBytes('\n')
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			slog.Error("read error", "error", err)
		}
		return
	}

	env, payload, err := protocol.Decode(line)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	slog.Info("command received", "command", env.Command)

	ctx, cancel := contextWithDisconnect(s.ctx, reader)
	defer cancel()

	s.dispatch(ctx, conn, env.Command, payload)
}

// Routes a command to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, cmd protocol.Command, payload json.RawMessage) {
	switch cmd {
	case protocol.CmdBuild:
		s.handleBuild(ctx, conn, payload)
	case protocol.CmdStages:
		s.handleStages(conn, payload)
	case protocol.CmdStatus:
		s.handleStatus(conn)
	case protocol.CmdShutdown:
		s.handleShutdown(conn)
	default:
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{
			Message: fmt.Sprintf("unknown command: %s", cmd),
		})
	}
}

// Writes a JSON envelope response to the connection.
func (s *Server) respond(conn net.Conn, cmd protocol.Command, payload any) {
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		slog.Error("encode response failed", "error", err)
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}

// Writes the daemon PID to the PID file so the CLI can detect whether the
// daemon is already running and send it signals.
func writePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), paths.DefaultFileMode)
}

// Returns a derived context that is cancelled with [ErrDisconnected] when
// the remote end of the connection closes.
//
// Detection reads from r in a background goroutine, so no further request
// data may be expected on r while the context is live. Anything that does
// arrive is discarded and cancels the context. The returned function must
// always be called to release resources.
func contextWithDisconnect(parent context.Context, r io.Reader) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	go func() {
		buf := make([]byte, 1)
		r.Read(buf)
		cancel(ErrDisconnected)
	}()

	return ctx, func() { cancel(context.Canceled) }
}
