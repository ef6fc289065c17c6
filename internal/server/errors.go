package server

import "errors"

var (
	ErrServer       = errors.New("server error")
	ErrShutdown     = errors.New("server shutting down")
	ErrDisconnected = errors.New("client disconnected")
)
