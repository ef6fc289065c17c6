package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/stagehand/internal/client"
)

// Represents the 'stagehand status' command.
type StatusCmd struct{}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	status, err := client.New(RootCmd.Socket).Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("version: %s\npid:     %d\nuptime:  %s\nbuilds:  %d\n",
		status.Version, status.Pid, status.Uptime, status.Builds)
	return nil
}

// Represents the 'stagehand stop' command.
type StopCmd struct{}

// Executes the stop command.
func (c *StopCmd) Run(ctx context.Context) error {
	return client.New(RootCmd.Socket).Shutdown(ctx)
}
