package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/cruciblehq/stagehand/internal/paths"
	"github.com/cruciblehq/stagehand/internal/protocol"
)

var (
	ErrUnavailable = errors.New("daemon is not running")
	ErrResponse    = errors.New("unexpected daemon response")
)

// Connects to the daemon socket.
type Client struct {
	socketPath string
}

// Creates a new [Client] for the socket at socketPath. An empty path uses
// the default socket.
func New(socketPath string) *Client {
	if socketPath == "" {
		socketPath = paths.Socket()
	}
	return &Client{socketPath: socketPath}
}

// Sends a build request and waits for the result.
//
// A failed build returns the daemon's [*protocol.ErrorResult].
func (c *Client) Build(ctx context.Context, req *protocol.BuildRequest) (*protocol.BuildResult, error) {
	return call[protocol.BuildResult](ctx, c, protocol.CmdBuild, req)
}

// Lists the stages of a recipe.
func (c *Client) Stages(ctx context.Context, req *protocol.StagesRequest) (*protocol.StagesResult, error) {
	return call[protocol.StagesResult](ctx, c, protocol.CmdStages, req)
}

// Queries the daemon status.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResult, error) {
	return call[protocol.StatusResult](ctx, c, protocol.CmdStatus, nil)
}

// Asks the daemon to shut down.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := call[struct{}](ctx, c, protocol.CmdShutdown, nil)
	return err
}

// Performs one request/response exchange and decodes the result into T.
func call[T any](ctx context.Context, c *Client, cmd protocol.Command, payload any) (*T, error) {
	env, data, err := c.exchange(ctx, cmd, payload)
	if err != nil {
		return nil, err
	}

	switch env.Command {
	case protocol.CmdOK:
		return protocol.DecodePayload[T](data)
	case protocol.CmdError:
		res, err := protocol.DecodePayload[protocol.ErrorResult](data)
		if err != nil {
			return nil, err
		}
		return nil, res
	default:
		return nil, fmt.Errorf("%w: %s", ErrResponse, env.Command)
	}
}

// Sends a request and reads the response envelope.
func (c *Client) exchange(ctx context.Context, cmd protocol.Command, payload any) (*protocol.Envelope, json.RawMessage, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer conn.Close()

	// Closing the connection is how the daemon learns about cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		return nil, nil, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, nil, c.failure(ctx, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, nil, c.failure(ctx, err)
	}
	return protocol.Decode(line)
}

// Returns the context's error when the connection failed because of it.
func (c *Client) failure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %w", ErrResponse, err)
}
