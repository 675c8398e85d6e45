package archive

import "errors"

var (
	ErrArchive          = errors.New("archive error")
	ErrBreakout         = errors.New("archive entry escapes the destination")
	ErrUnsupportedEntry = errors.New("unsupported archive entry")
)
