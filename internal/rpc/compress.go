package rpc

import (
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"google.golang.org/grpc/encoding"
)

// CompressorName is the grpc-encoding advertised for compressed control calls.
const CompressorName = "gzip"

func init() {
	encoding.RegisterCompressor(newGzipCompressor())
}

// gzipCompressor implements grpc's encoding.Compressor with pooled klauspost gzip streams.
type gzipCompressor struct {
	writers sync.Pool
	readers sync.Pool
}

func newGzipCompressor() *gzipCompressor {
	c := &gzipCompressor{}
	c.writers.New = func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return &pooledWriter{Writer: w, pool: &c.writers}
	}
	return c
}

type pooledWriter struct {
	*gzip.Writer
	pool *sync.Pool
}

func (w *pooledWriter) Close() error {
	//1.- Flush the trailer, then hand the writer back for reuse.
	defer w.pool.Put(w)
	return w.Writer.Close()
}

type pooledReader struct {
	*gzip.Reader
	pool *sync.Pool
}

func (r *pooledReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if err == io.EOF {
		r.pool.Put(r)
	}
	return n, err
}

// Compress implements encoding.Compressor.
func (c *gzipCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	pw := c.writers.Get().(*pooledWriter)
	pw.Reset(w)
	return pw, nil
}

// Decompress implements encoding.Compressor.
func (c *gzipCompressor) Decompress(r io.Reader) (io.Reader, error) {
	if pr, ok := c.readers.Get().(*pooledReader); ok {
		if err := pr.Reset(r); err != nil {
			c.readers.Put(pr)
			return nil, err
		}
		return pr, nil
	}
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &pooledReader{Reader: gr, pool: &c.readers}, nil
}

// Name implements encoding.Compressor.
func (c *gzipCompressor) Name() string { return CompressorName }
