package browser

import (
	"context"
	"errors"
	"time"
)

// ErrNavigationTimeout is returned when a page does not settle in time.
var ErrNavigationTimeout = errors.New("navigation timed out")

// Event is any observation emitted by a page during a navigation pass.
type Event interface {
	isEvent()
}

// RequestEvent is emitted when the page issues a request. RedirectFrom holds
// the URL that redirected to this request, if any.
type RequestEvent struct {
	RequestID    string
	URL          string
	Method       string
	ResourceType string
	Headers      map[string]string
	IsNavigation bool
	RedirectFrom string
	RedirectCode int
}

// ResponseEvent is emitted when response headers arrive.
type ResponseEvent struct {
	RequestID         string
	URL               string
	Status            int
	StatusText        string
	ResourceType      string
	MimeType          string
	Protocol          string
	RemoteAddress     string
	FromServiceWorker bool
	Headers           map[string]string
}

// LoadingFinishedEvent reports the wire size of a completed response.
type LoadingFinishedEvent struct {
	RequestID         string
	EncodedDataLength float64
}

// LoadingFailedEvent reports a request that never completed.
type LoadingFailedEvent struct {
	RequestID    string
	ResourceType string
	ErrorText    string
	Canceled     bool
}

// ConsoleEvent is a console API call made by page scripts.
type ConsoleEvent struct {
	Type string
	Text string
}

func (RequestEvent) isEvent()         {}
func (ResponseEvent) isEvent()        {}
func (LoadingFinishedEvent) isEvent() {}
func (LoadingFailedEvent) isEvent()   {}
func (ConsoleEvent) isEvent()         {}

// Cookie is a cookie visible to the page.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  float64
	Size     int
	HTTPOnly bool
	Secure   bool
	Session  bool
	SameSite string
}

// Viewport is the emulated screen size.
type Viewport struct {
	Width  int64
	Height int64
}

// Location is the emulated geolocation.
type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

// PageOptions configures a page before its first navigation.
type PageOptions struct {
	UserAgent         string
	Viewport          Viewport
	Location          *Location
	DisableScripts    bool
	DisableCache      bool
	NavigationTimeout time.Duration
}

// Page is a single browser tab bound to one target URL. Observers attached
// with Subscribe see every event of the current navigation pass, including
// those emitted before they subscribed.
type Page interface {
	// URL is the address the page navigates to.
	URL() string
	// Subscribe registers fn for page events and returns a function that
	// detaches it. fn must not block.
	Subscribe(fn func(Event)) (unsubscribe func())
	// Navigate loads the URL and waits for the network to go idle. Only the
	// first call navigates; later calls wait for and share its result.
	Navigate(ctx context.Context) error
	// Evaluate runs a script expression and decodes its result into out.
	Evaluate(ctx context.Context, expression string, out any) error
	// Content returns the serialized DOM.
	Content(ctx context.Context) (string, error)
	// Cookies returns the cookies set for the page.
	Cookies(ctx context.Context) ([]Cookie, error)
	// ResponseBody returns the decoded body of a finished request.
	ResponseBody(ctx context.Context, requestID string) ([]byte, error)
	// EncodedImageSize re-encodes an image response as WebP and reports the
	// original and encoded byte sizes.
	EncodedImageSize(ctx context.Context, requestID string) (original, encoded int64, err error)
	// Metrics returns browser runtime metrics keyed by name.
	Metrics(ctx context.Context) (map[string]float64, error)
	// Close releases the tab.
	Close() error
}

// Launcher creates pages on a browser it owns.
type Launcher interface {
	NewPage(ctx context.Context, url string, opts PageOptions) (Page, error)
	Close() error
}
