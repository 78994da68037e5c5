package types

// ByteSize is a byte count tagged with its unit for report output.
type ByteSize struct {
	Value float64 `json:"value"`
	Units string  `json:"units"`
}

// Bytes builds a ByteSize expressed in bytes.
func Bytes(v float64) ByteSize {
	return ByteSize{Value: v, Units: "bytes"}
}

// TransferRequest describes the request half of a network record.
type TransferRequest struct {
	RequestID    string            `json:"requestId"`
	URL          string            `json:"url"`
	Host         string            `json:"host"`
	ResourceType string            `json:"resourceType"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	Protocol     string            `json:"protocol,omitempty"`
}

// TransferResponse describes the response half of a network record.
type TransferResponse struct {
	URL                string            `json:"url"`
	Status             int               `json:"status"`
	RemoteAddress      string            `json:"remoteAddress,omitempty"`
	FromServiceWorker  bool              `json:"fromServiceWorker"`
	Headers            map[string]string `json:"headers"`
	MimeType           string            `json:"mimeType,omitempty"`
	UncompressedSize   ByteSize          `json:"uncompressedSize"`
	GzipSize           ByteSize          `json:"gzipSize"`
	BrotliSize         ByteSize          `json:"brotliSize"`
	WebPSavingsPercent float64           `json:"nonWebPImageEstimatedSavings,omitempty"`
}

// TransferRecord is one finished request observed during navigation.
type TransferRecord struct {
	Request        TransferRequest  `json:"request"`
	Response       TransferResponse `json:"response"`
	CompressedSize ByteSize         `json:"compressedSize"`
}

// TransferTrace is produced by the transfer collector.
type TransferTrace struct {
	Records []TransferRecord `json:"record"`
}

// Redirect is a 3xx response and its resolved target.
type Redirect struct {
	RequestID   string `json:"requestId"`
	URL         string `json:"url"`
	RedirectsTo string `json:"redirectsTo"`
}

// EnergySource reports whether the primary host runs on green energy.
type EnergySource struct {
	IsGreen  bool   `json:"isGreen"`
	HostedBy string `json:"hostedby,omitempty"`
}

// ServerInfo lists the hosts that count as first party for a run.
type ServerInfo struct {
	Hosts        []string      `json:"hosts"`
	EnergySource *EnergySource `json:"energySource,omitempty"`
}

// HasHost reports whether host is first party.
func (s ServerInfo) HasHost(host string) bool {
	for _, h := range s.Hosts {
		if h == host {
			return true
		}
	}
	return false
}

// RedirectTrace is produced by the redirect collector.
type RedirectTrace struct {
	Redirects []Redirect `json:"redirect"`
	Server    ServerInfo `json:"server"`
}

// ConsoleMessage is one console API call made by the page.
type ConsoleMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ConsoleTrace is produced by the console collector.
type ConsoleTrace struct {
	Messages []ConsoleMessage `json:"console"`
}

// FailedRequest is a response with status >= 400 or a transport failure.
type FailedRequest struct {
	RequestID   string `json:"requestId"`
	URL         string `json:"url"`
	Code        int    `json:"code"`
	FailureText string `json:"failureText,omitempty"`
}

// FailedTransferTrace is produced by the failed transfer collector.
type FailedTransferTrace struct {
	Failed []FailedRequest `json:"failed"`
}

// HTMLTrace holds the rendered document.
type HTMLTrace struct {
	HTML string `json:"html"`
}

// ResourceTiming mirrors the subset of PerformanceResourceTiming used by audits.
type ResourceTiming struct {
	Name          string  `json:"name"`
	EntryType     string  `json:"entryType"`
	InitiatorType string  `json:"initiatorType,omitempty"`
	Duration      float64 `json:"duration"`
	TransferSize  float64 `json:"transferSize"`
	EncodedBody   float64 `json:"encodedBodySize"`
	DecodedBody   float64 `json:"decodedBodySize"`
}

// PerformanceTrace is produced by the performance collector.
type PerformanceTrace struct {
	Entries []ResourceTiming   `json:"perf"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// TotalTransferSize sums transferSize over every timing entry.
func (p PerformanceTrace) TotalTransferSize() float64 {
	var total float64
	for _, e := range p.Entries {
		total += e.TransferSize
	}
	return total
}

// Cookie is a browser cookie present after navigation.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	Size     int     `json:"size"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session"`
	SameSite string  `json:"sameSite,omitempty"`
}

// CookieTrace is produced by the cookies collector.
type CookieTrace struct {
	Cookies []Cookie `json:"cookies"`
}

// RobotsRules holds allow/disallow paths for one user agent.
type RobotsRules struct {
	Allow    []string `json:"allow"`
	Disallow []string `json:"disallow"`
}

// RobotsTrace is a parsed robots.txt. The "*" agent is stored as "all".
type RobotsTrace struct {
	Agents   map[string]RobotsRules `json:"agents"`
	Sitemaps []string               `json:"sitemaps"`
	Host     string                 `json:"host,omitempty"`
}

// MetaTag holds the attributes of one <meta> element.
type MetaTag struct {
	Attr map[string]string `json:"attr"`
}

// MetaTagTrace is produced by the meta tags collector.
type MetaTagTrace struct {
	Tags []MetaTag `json:"metatag"`
}

// Asset is an inline or linked script or stylesheet.
type Asset struct {
	Src  string   `json:"src"`
	Attr []string `json:"attr,omitempty"`
	Size int      `json:"size"`
}

// AssetTrace is produced by the assets collector.
type AssetTrace struct {
	InlineStyles  []Asset `json:"styles"`
	InlineScripts []Asset `json:"scripts"`
	StyleHrefs    []Asset `json:"styleHrefs"`
	ScriptSrcs    []Asset `json:"scriptSrcs"`
}

// LazyMediaTrace lists media elements that defer loading.
type LazyMediaTrace struct {
	LazyImages []string `json:"lazyImages"`
	LazyVideos []string `json:"lazyVideos"`
	Images     []string `json:"images"`
	Videos     []string `json:"videos"`
}
