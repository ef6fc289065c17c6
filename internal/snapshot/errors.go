package snapshot

import "errors"

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrNotFound    = errors.New("path not found")
	ErrArchive     = errors.New("archive failed")
	ErrStore       = errors.New("snapshot store failed")
)
