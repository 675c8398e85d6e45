package image

import "errors"

var (
	ErrStore = errors.New("image store error")
)
