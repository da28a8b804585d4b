package compress

import (
	"bytes"
	"compress/zlib"

	"github.com/pkg/errors"
)

// Compressor is a fast, single threaded compressor.
// This type allows us to reuse buffers etc for performance
type Compressor interface {
	// Compress compresses the byte array
	Compress(b []byte) ([]byte, error)
}

// NoOpCompressor is a Compressor that does nothing.  Useful for tests.
type NoOpCompressor struct{}

func (c *NoOpCompressor) Compress(b []byte) ([]byte, error) {
	return b, nil
}

// ZlibCompressor compresses to Zlib. Payloads smaller than minCompressSize are compressed at the
// fastest level since they gain little from anything else.
type ZlibCompressor struct {
	buffer          bytes.Buffer
	writer          *zlib.Writer
	fastWriter      *zlib.Writer
	minCompressSize int
}

func NewZlibCompressor(minCompressSize int) (*ZlibCompressor, error) {
	c := &ZlibCompressor{minCompressSize: minCompressSize}
	writer, err := zlib.NewWriterLevel(&c.buffer, zlib.BestCompression)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fastWriter, err := zlib.NewWriterLevel(&c.buffer, zlib.BestSpeed)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.writer = writer
	c.fastWriter = fastWriter
	return c, nil
}

func (c *ZlibCompressor) Compress(b []byte) ([]byte, error) {
	c.buffer.Reset()
	writer := c.writer
	if len(b) < c.minCompressSize {
		writer = c.fastWriter
	}
	writer.Reset(&c.buffer)
	if _, err := writer.Write(b); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := writer.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	out := make([]byte, c.buffer.Len())
	copy(out, c.buffer.Bytes())
	return out, nil
}
