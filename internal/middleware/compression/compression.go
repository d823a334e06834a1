package compression

import (
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/wudi/apron/internal/middleware"
)

// minSize is the smallest declared body worth compressing. Bodies with an
// unknown length are compressed when their type is compressible.
const minSize = 1024

// serverOrder is the preferred algorithm order when the client's qualities tie.
var serverOrder = []string{"br", "zstd", "gzip"}

var compressibleTypes = map[string]bool{
	"text/html":              true,
	"text/css":               true,
	"text/plain":             true,
	"text/javascript":        true,
	"text/xml":               true,
	"application/javascript": true,
	"application/json":       true,
	"application/xml":        true,
	"image/svg+xml":          true,
}

// encodingWriter is an io.Writer that must be closed to flush trailing bytes.
type encodingWriter interface {
	io.Writer
	Close() error
}

// Compressor negotiates and applies response compression for upstream
// responses that arrive uncompressed.
type Compressor struct {
	zstdPool sync.Pool
}

// New creates a Compressor.
func New() *Compressor {
	c := &Compressor{}
	c.zstdPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	return c
}

type encodingPref struct {
	encoding string
	quality  float64
}

// parseAcceptEncoding parses an Accept-Encoding header per RFC 9110 §12.5.3.
func parseAcceptEncoding(header string) []encodingPref {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			enc = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: enc, quality: q})
	}
	return prefs
}

// Negotiate selects the compression algorithm for a request, or "" when the
// client accepts none of the supported encodings.
func (c *Compressor) Negotiate(r *http.Request) string {
	prefs := parseAcceptEncoding(r.Header.Get("Accept-Encoding"))
	if len(prefs) == 0 {
		return ""
	}

	clientPrefs := make(map[string]float64, len(prefs))
	hasWildcard := false
	wildcardQ := 0.0
	for _, p := range prefs {
		if p.encoding == "*" {
			hasWildcard = true
			wildcardQ = p.quality
		} else {
			clientPrefs[p.encoding] = p.quality
		}
	}

	best := ""
	bestQ := -1.0
	for _, algo := range serverOrder {
		q, explicit := clientPrefs[algo]
		if !explicit {
			if !hasWildcard {
				continue
			}
			q = wildcardQ
		}
		if q <= 0 {
			continue
		}
		if q > bestQ {
			bestQ = q
			best = algo
		}
	}
	return best
}

func (c *Compressor) newEncodingWriter(w io.Writer, algo string) encodingWriter {
	switch algo {
	case "br":
		return brotli.NewWriterLevel(w, brotli.DefaultCompression)
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstdWriter{enc: enc, pool: &c.zstdPool}
	default:
		gz, _ := gzip.NewWriterLevel(w, gzip.DefaultCompression)
		return gz
	}
}

type pooledZstdWriter struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (pw *pooledZstdWriter) Write(p []byte) (int, error) {
	return pw.enc.Write(p)
}

func (pw *pooledZstdWriter) Close() error {
	err := pw.enc.Close()
	pw.pool.Put(pw.enc)
	return err
}

func compressibleType(contentType string) bool {
	if idx := strings.Index(contentType, ";"); idx != -1 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	return compressibleTypes[contentType]
}

// responseWriter compresses the body once the headers show it is worthwhile.
// The decision is deferred to the first WriteHeader so upstream headers
// (Content-Encoding, Content-Type, Content-Length) can be inspected.
type responseWriter struct {
	http.ResponseWriter
	compressor *Compressor
	algorithm  string

	decided     bool
	compressing bool
	enc         encodingWriter
}

func (w *responseWriter) WriteHeader(status int) {
	if !w.decided {
		w.decide(status)
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) decide(status int) {
	w.decided = true
	h := w.Header()

	if status == http.StatusNoContent || status == http.StatusNotModified {
		return
	}
	if h.Get("Content-Encoding") != "" {
		// Upstream already encoded the body; pass through untouched.
		return
	}
	if !compressibleType(h.Get("Content-Type")) {
		return
	}
	if cl := h.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n < minSize {
			return
		}
	}

	h.Set("Content-Encoding", w.algorithm)
	h.Del("Content-Length")
	h.Add("Vary", "Accept-Encoding")
	w.compressing = true
	w.enc = w.compressor.newEncodingWriter(w.ResponseWriter, w.algorithm)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.decided {
		w.decide(http.StatusOK)
	}
	if w.compressing {
		return w.enc.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// Flush flushes the encoder and the underlying writer.
func (w *responseWriter) Flush() {
	type flusher interface{ Flush() error }
	if w.compressing {
		if f, ok := w.enc.(flusher); ok {
			f.Flush()
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Close finishes the compressed stream.
func (w *responseWriter) Close() error {
	if w.compressing {
		return w.enc.Close()
	}
	return nil
}

// Middleware compresses eligible responses according to Accept-Encoding.
func (c *Compressor) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			algo := c.Negotiate(r)
			if algo == "" {
				next.ServeHTTP(w, r)
				return
			}

			cw := &responseWriter{ResponseWriter: w, compressor: c, algorithm: algo}
			defer cw.Close()
			next.ServeHTTP(cw, r)
		})
	}
}
