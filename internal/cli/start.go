package cli

import (
	"context"
	"log/slog"

	"github.com/cruciblehq/stagehand/internal/server"
)

// Represents the 'stagehand start' command.
type StartCmd struct {
	ContainerdFlags `embed:""`
}

// Executes the start command.
//
// Starts the daemon on a Unix domain socket and blocks until the context is
// cancelled (e.g. via SIGINT or SIGTERM) or a client requests shutdown.
func (c *StartCmd) Run(ctx context.Context) error {
	srv, err := server.New(server.Config{
		SocketPath:          RootCmd.Socket,
		ContainerdAddress:   c.ContainerdAddress,
		ContainerdNamespace: c.Namespace,
		CacheDir:            c.CacheDir,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("stagehand is running")

	stopped := make(chan struct{})
	go func() {
		srv.Wait()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return srv.Stop()
	case <-stopped:
		return nil
	}
}
