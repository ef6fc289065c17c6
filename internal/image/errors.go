package image

import "errors"

var (
	ErrResolve = errors.New("image resolution failed")
	ErrWrite   = errors.New("image write failed")
	ErrFormat  = errors.New("unsupported image format")
)
