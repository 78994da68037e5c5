package fetcher

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenaudit/pkg/types"
)

func compressed(t *testing.T, encoding, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch encoding {
	case "gzip":
		w := gzip.NewWriter(&buf)
		_, err := w.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "br":
		w := brotli.NewWriter(&buf)
		_, err := w.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "zstd":
		w, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	default:
		buf.WriteString(body)
	}
	return buf.Bytes()
}

func TestFetchDecodesContentEncoding(t *testing.T) {
	for _, encoding := range []string{"", "gzip", "br", "zstd"} {
		t.Run("encoding="+encoding, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "value", r.Header.Get("X-Extra"))
				assert.Equal(t, "greenaudit-test", r.Header.Get("User-Agent"))
				assert.Contains(t, r.Header.Get("Accept-Encoding"), "zstd")
				if encoding != "" {
					w.Header().Set("Content-Encoding", encoding)
				}
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write(compressed(t, encoding, "User-agent: *\n"))
			}))
			defer srv.Close()

			f, err := NewHTTPFetcher(Options{UserAgent: "greenaudit-test", Headers: map[string]string{"X-Extra": "value"}})
			require.NoError(t, err)

			target, _ := url.Parse(srv.URL + "/robots.txt")
			page, err := f.Fetch(context.Background(), types.FetchRequest{URL: target})
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, page.StatusCode)
			assert.Equal(t, "User-agent: *\n", string(page.Body))
			assert.Equal(t, "text/plain", page.Header.Get("Content-Type"))
		})
	}
}

func TestFetchEnforcesBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(Options{MaxBodyBytes: 16})
	require.NoError(t, err)
	target, _ := url.Parse(srv.URL)
	_, err = f.Fetch(context.Background(), types.FetchRequest{URL: target})
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestFetchRequiresURL(t *testing.T) {
	f, err := NewHTTPFetcher(Options{})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), types.FetchRequest{})
	assert.Error(t, err)
}

func TestFetchRequestHeadersOverrideDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(Options{})
	require.NoError(t, err)
	target, _ := url.Parse(srv.URL + "/greencheck/example.org")
	page, err := f.Fetch(context.Background(), types.FetchRequest{URL: target, Headers: map[string]string{"Accept": "application/json"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, page.StatusCode)
	assert.Empty(t, page.Body)
}
