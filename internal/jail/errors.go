package jail

import "errors"

var (
	ErrSpawn = errors.New("failed to spawn container")
	ErrInit  = errors.New("container init failed")
)
