package types

import (
	"net/http"
	"net/url"
)

// FetchRequest models a plain HTTP retrieval issued outside the browser,
// such as robots.txt and green hosting lookups.
type FetchRequest struct {
	URL     *url.URL
	Headers map[string]string
}

// FetchResponse is a decoded response to a FetchRequest.
type FetchResponse struct {
	URL        *url.URL
	StatusCode int
	Header     http.Header
	Body       []byte
}
