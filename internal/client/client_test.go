package client

import (
	"bufio"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/cruciblehq/stagehand/internal/protocol"
)

// Serves a single connection with a canned response line.
func serveOnce(t *testing.T, response string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := bufio.NewReader(conn).ReadBytes('\n'); err != nil {
			return
		}
		conn.Write([]byte(response + "\n"))
	}()

	return path
}

func TestStatus(t *testing.T) {
	path := serveOnce(t, `{"command":"ok","payload":{"running":true,"version":"1.0.0","pid":7,"uptime":"1s","builds":2}}`)

	status, err := New(path).Status(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	want := protocol.StatusResult{Running: true, Version: "1.0.0", Pid: 7, Uptime: "1s", Builds: 2}
	if *status != want {
		t.Errorf("Status() = %+v, want %+v", *status, want)
	}
}

func TestErrorResponse(t *testing.T) {
	path := serveOnce(t, `{"command":"error","payload":{"message":"stage a, step 2: boom","stage":"a","step":2}}`)

	_, err := New(path).Build(t.Context(), &protocol.BuildRequest{Recipe: "/r.yaml"})
	var res *protocol.ErrorResult
	if !errors.As(err, &res) {
		t.Fatalf("err = %v, want ErrorResult", err)
	}
	if res.Stage != "a" || res.Step != 2 {
		t.Errorf("ErrorResult = %+v", res)
	}
}

func TestUnexpectedResponse(t *testing.T) {
	path := serveOnce(t, `{"command":"build"}`)

	if _, err := New(path).Status(t.Context()); !errors.Is(err, ErrResponse) {
		t.Errorf("err = %v, want ErrResponse", err)
	}
}

func TestUnavailable(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.sock"))
	if _, err := c.Status(t.Context()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}
