package registry

import (
	"errors"
	"fmt"
)

var (
	ErrPull             = errors.New("pull failed")
	ErrImageNameMissing = errors.New("image name is not set")
	ErrAuth             = errors.New("registry authentication failed")
	ErrManifest         = errors.New("manifest unavailable")
	ErrBlob             = errors.New("blob download failed")
	ErrConfig           = errors.New("invalid registry configuration")
)

// Failure of a pull.
//
// Matches [ErrPull] as well as the cause, so callers can test for the pull
// as a whole or for the step that failed.
type PullError struct {
	Image string // Image being pulled, empty if none was given.
	Err   error  // Cause.
}

func (e *PullError) Error() string {
	if e.Image == "" {
		return fmt.Sprintf("%v: %v", ErrPull, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", ErrPull, e.Image, e.Err)
}

func (e *PullError) Unwrap() []error {
	return []error{ErrPull, e.Err}
}
