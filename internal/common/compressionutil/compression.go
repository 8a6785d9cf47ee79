// Package compression provides the archive and stream compression helpers used
// for docker build contexts and file transfer to scenario platforms.
package compression

import (
	"fmt"
	"io"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
)

// Supported stream formats
const (
	FormatNone  = "none"
	FormatGZIP  = "gzip"
	FormatBZIP2 = "bzip2"
	FormatXZ    = "xz"
)

// NewWriter wraps w so that everything written is compressed with format.
// Closing the returned writer flushes the compressor but never closes w.
func NewWriter(format string, w io.Writer) (io.WriteCloser, error) {
	switch format {
	case FormatNone, "":
		return nopWriteCloser{w}, nil
	case FormatGZIP:
		return newGZIPWriter(w), nil
	case FormatBZIP2:
		return newBZIP2Writer(w)
	case FormatXZ:
		return newXZWriter(w)
	default:
		return nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedCompression, format)
	}
}

// NewReader wraps r so that reads return decompressed data
func NewReader(format string, r io.Reader) (io.ReadCloser, error) {
	switch format {
	case FormatNone, "":
		return io.NopCloser(r), nil
	case FormatGZIP:
		return newGZIPReader(r)
	case FormatBZIP2:
		return newBZIP2Reader(r)
	case FormatXZ:
		return newXZReader(r)
	default:
		return nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedCompression, format)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
