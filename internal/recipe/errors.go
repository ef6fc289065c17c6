package recipe

import "errors"

var (
	ErrRecipe      = errors.New("invalid recipe")
	ErrDockerfile  = errors.New("invalid dockerfile")
	ErrInvalidArg  = errors.New("invalid build argument")
	ErrInvalidCopy = errors.New("invalid copy")
)
