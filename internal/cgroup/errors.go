package cgroup

import "errors"

var (
	ErrCgroup = errors.New("cgroup error")
)
