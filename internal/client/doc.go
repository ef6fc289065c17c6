// Package client talks to a running stagehand daemon.
//
// Each call dials the daemon's Unix socket, sends one request envelope and
// reads one response. Cancelling the context of a call closes the
// connection, which makes the daemon cancel the corresponding build.
package client
