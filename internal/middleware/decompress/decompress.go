// Package decompress inflates request bodies sent with a Content-Encoding.
package decompress

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/wudi/eventrelay/internal/config"
	"github.com/wudi/eventrelay/internal/errors"
	"github.com/wudi/eventrelay/internal/logging"
	"go.uber.org/zap"
)

// defaultMaxDecompressedSize is the default zip bomb protection limit (50 MB).
const defaultMaxDecompressedSize int64 = 50 << 20

// validAlgorithms is the set of supported Content-Encoding values.
var validAlgorithms = map[string]bool{
	"gzip":    true,
	"deflate": true,
	"br":      true,
	"zstd":    true,
}

// Decompressor handles request body decompression.
type Decompressor struct {
	algorithms          map[string]bool
	maxDecompressedSize int64
	zstdPool            sync.Pool
}

// New creates a Decompressor from config.
func New(cfg config.DecompressionConfig) *Decompressor {
	d := &Decompressor{
		algorithms:          make(map[string]bool),
		maxDecompressedSize: cfg.MaxDecompressedSize,
	}

	if d.maxDecompressedSize <= 0 {
		d.maxDecompressedSize = defaultMaxDecompressedSize
	}

	if len(cfg.Algorithms) > 0 {
		for _, algo := range cfg.Algorithms {
			algo = strings.ToLower(algo)
			if validAlgorithms[algo] {
				d.algorithms[algo] = true
			}
		}
	} else {
		for algo := range validAlgorithms {
			d.algorithms[algo] = true
		}
	}

	d.zstdPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	return d
}

// ShouldDecompress checks if the request has a supported Content-Encoding.
func (d *Decompressor) ShouldDecompress(r *http.Request) (string, bool) {
	ce := r.Header.Get("Content-Encoding")
	if ce == "" {
		return "", false
	}
	ce = strings.TrimSpace(strings.ToLower(ce))
	if d.algorithms[ce] {
		return ce, true
	}
	return "", false
}

// Decompress wraps the request body with the appropriate decompressor,
// removes Content-Encoding, and invalidates Content-Length. Reading past the
// size limit fails with *http.MaxBytesError.
func (d *Decompressor) Decompress(r *http.Request, algo string) error {
	reader, err := d.newReader(r.Body, algo)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}

	r.Body = &decompressedBody{
		Reader: &limitedReader{r: reader, n: d.maxDecompressedSize, limit: d.maxDecompressedSize},
		closer: r.Body,
		pool:   d.getPoolReturn(reader, algo),
	}

	r.Header.Del("Content-Encoding")
	r.Header.Del("Content-Length")
	r.ContentLength = -1
	return nil
}

// newReader creates a decompression reader for the given algorithm.
func (d *Decompressor) newReader(r io.Reader, algo string) (io.Reader, error) {
	switch algo {
	case "gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return brotli.NewReader(r), nil
	case "zstd":
		dec := d.zstdPool.Get().(*zstd.Decoder)
		if err := dec.Reset(r); err != nil {
			d.zstdPool.Put(dec)
			return nil, err
		}
		return dec, nil
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", algo)
	}
}

// getPoolReturn returns a function that returns pooled resources, or nil.
func (d *Decompressor) getPoolReturn(reader io.Reader, algo string) func() {
	if algo == "zstd" {
		if dec, ok := reader.(*zstd.Decoder); ok {
			return func() { d.zstdPool.Put(dec) }
		}
	}
	return nil
}

// limitedReader fails once more than limit bytes have been produced.
type limitedReader struct {
	r     io.Reader
	n     int64
	limit int64
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	lr.n -= int64(n)
	if lr.n < 0 {
		return 0, &http.MaxBytesError{Limit: lr.limit}
	}
	return n, err
}

// decompressedBody wraps the decompressed reader with proper cleanup.
type decompressedBody struct {
	io.Reader
	closer io.Closer
	pool   func()
}

func (db *decompressedBody) Close() error {
	if db.pool != nil {
		db.pool()
	}
	return db.closer.Close()
}

// Middleware returns a middleware that decompresses request bodies with
// Content-Encoding. A body that cannot be decoded is a 400 with a Reason
// header.
func (d *Decompressor) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if algo, ok := d.ShouldDecompress(r); ok {
				if err := d.Decompress(r, algo); err != nil {
					logging.Debug("Request decompression failed",
						zap.String("encoding", algo),
						zap.Error(err),
					)
					errors.Wrap(err, http.StatusBadRequest, "request decompression failed").WriteReason(w)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
