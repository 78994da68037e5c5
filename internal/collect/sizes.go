package collect

import (
	"bytes"
	"io"
	"mime"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

var compressibleTypes = map[string]struct{}{
	"text/css":                      {},
	"text/javascript":               {},
	"text/html":                     {},
	"text/xml":                      {},
	"text/plain":                    {},
	"application/javascript":        {},
	"application/x-font-woff":       {},
	"application/x-javascript":      {},
	"application/vnd.ms-fontobject": {},
	"application/x-font-opentype":   {},
	"application/x-font-truetype":   {},
	"application/x-font-ttf":        {},
	"application/xml":               {},
	"application/json":              {},
	"application/font-sfnt":         {},
	"font/eot":                      {},
	"font/opentype":                 {},
	"font/otf":                      {},
	"font/woff":                     {},
	"font/ttf":                      {},
	"image/svg+xml":                 {},
	"image/x-icon":                  {},
	"image/vnd.microsoft.icon":      {},
}

// compressible reports whether a response of this content type benefits from
// text compression. The header wins over the browser-sniffed MIME type.
func compressible(contentType, sniffed string) bool {
	raw := contentType
	if strings.TrimSpace(raw) == "" {
		raw = sniffed
	}
	media, _, err := mime.ParseMediaType(raw)
	if err != nil {
		media = strings.ToLower(strings.TrimSpace(raw))
	}
	_, ok := compressibleTypes[media]
	return ok
}

func gzipSize(body []byte) int {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return 0
	}
	if _, err := w.Write(body); err != nil {
		return 0
	}
	if err := w.Close(); err != nil {
		return 0
	}
	return buf.Len()
}

func brotliSize(body []byte) int {
	var counter countingWriter
	w := brotli.NewWriterLevel(&counter, brotli.DefaultCompression)
	if _, err := w.Write(body); err != nil {
		return 0
	}
	if err := w.Close(); err != nil {
		return 0
	}
	return int(counter)
}

type countingWriter int64

func (c *countingWriter) Write(p []byte) (int, error) {
	*c += countingWriter(len(p))
	return len(p), nil
}

var _ io.Writer = (*countingWriter)(nil)
