package archive

import (
	"bufio"
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Compression format of an archive stream.
type Compression int

const (
	Uncompressed Compression = iota
	Gzip
	Zstd
)

var (
	gzipMagic = []byte{0x1f, 0x8b, 0x08}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	}
	return "none"
}

// Detects the compression format from the first bytes of a stream.
func DetectCompression(header []byte) Compression {
	switch {
	case bytes.HasPrefix(header, gzipMagic):
		return Gzip
	case bytes.HasPrefix(header, zstdMagic):
		return Zstd
	}
	return Uncompressed
}

// Wraps r in a decompressor matching its leading magic bytes.
//
// Uncompressed input is passed through. The returned reader must be closed.
func Decompress(r io.Reader) (io.ReadCloser, Compression, error) {
	br := bufio.NewReader(r)

	// A short stream yields fewer bytes and io.EOF, which is fine here: tar
	// reports the truncation on the first read.
	header, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return nil, Uncompressed, errors.Wrapf(ErrArchive, "read header: %v", err)
	}

	switch c := DetectCompression(header); c {
	case Gzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, c, errors.Wrapf(ErrArchive, "open gzip stream: %v", err)
		}
		return gz, c, nil

	case Zstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, c, errors.Wrapf(ErrArchive, "open zstd stream: %v", err)
		}
		return zr.IOReadCloser(), c, nil
	}

	return io.NopCloser(br), Uncompressed, nil
}
