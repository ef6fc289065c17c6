// Package server implements the stagehand daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands
// from the stagehand CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the server
// dispatches the command, and writes the result back before closing the
// connection. A client that disconnects while its build is running cancels
// that build.
//
// Builds are delegated to the build package. Run steps execute in
// containerd sandboxes from the runtime package, external bases are pulled
// from their registries, and stage results are cached on disk across
// builds.
//
// Example usage:
//
//	srv, err := server.New(server.Config{
//	    ContainerdAddress:   "/run/containerd/containerd.sock",
//	    ContainerdNamespace: "stagehand",
//	})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
