package protocol

import "errors"

var (
	ErrMalformed = errors.New("malformed message")
)
