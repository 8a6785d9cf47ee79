package compression

import (
	"compress/gzip"
	"io"
)

func newGZIPWriter(w io.Writer) io.WriteCloser {
	return gzip.NewWriter(w)
}

func newGZIPReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}
