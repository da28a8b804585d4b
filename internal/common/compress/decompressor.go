package compress

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/pkg/errors"
)

// Decompressor reverses a Compressor. Implementations need not be safe for concurrent use.
type Decompressor interface {
	Decompress(b []byte) ([]byte, error)
}

// NoOpDecompressor returns its input unchanged.
type NoOpDecompressor struct{}

func (c *NoOpDecompressor) Decompress(b []byte) ([]byte, error) {
	return b, nil
}

// ZlibDecompressor reads zlib streams, reusing its reader between calls.
type ZlibDecompressor struct {
	reader io.ReadCloser
	buffer bytes.Buffer
}

func NewZlibDecompressor() *ZlibDecompressor {
	return &ZlibDecompressor{}
}

// Decompress returns a newly allocated slice that stays valid after later calls.
func (d *ZlibDecompressor) Decompress(b []byte) ([]byte, error) {
	input := bytes.NewReader(b)
	if d.reader == nil {
		reader, err := zlib.NewReader(input)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		d.reader = reader
	} else if err := d.reader.(zlib.Resetter).Reset(input, nil); err != nil {
		return nil, errors.WithStack(err)
	}
	d.buffer.Reset()
	if _, err := io.Copy(&d.buffer, d.reader); err != nil {
		return nil, errors.WithStack(err)
	}
	out := make([]byte, d.buffer.Len())
	copy(out, d.buffer.Bytes())
	return out, nil
}
