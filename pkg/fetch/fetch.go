package fetch

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Fetcher performs a network fetch for a request.
// The request context governs cancellation.
type Fetcher interface {
	Fetch(*http.Request) (*http.Response, error)
}

// Func adapts an ordinary function to the Fetcher interface.
type Func func(*http.Request) (*http.Response, error)

func (f Func) Fetch(r *http.Request) (*http.Response, error) {
	return f(r)
}

// Error is returned when the network could not produce a response.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Origin is a Fetcher that sends every request to a single origin server.
type Origin struct {
	url        url.URL
	hostHeader string
	client     *http.Client
}

// NewOrigin creates a fetcher for the given origin.
// If host is not empty, it is used as the Host header and for TLS negotiation,
// which is needed if e.g. the origin URL is just an IP address.
func NewOrigin(origin url.URL, host string) *Origin {
	client := &http.Client{}
	if host != "" {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: host,
			},
		}
	}
	return &Origin{
		url:        origin,
		hostHeader: host,
		client:     client,
	}
}

// URL returns the origin URL.
func (o *Origin) URL() url.URL {
	return o.url
}

// Fetch executes the request against the origin.
// The request is not modified; an outgoing copy is created.
func (o *Origin) Fetch(r *http.Request) (*http.Response, error) {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	req.URL.Scheme = o.url.Scheme
	req.URL.Host = o.url.Host
	req.URL.Fragment = ""
	req.URL.RawFragment = ""
	req.Host = o.hostHeader
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	if req.ContentLength == 0 {
		req.Body = nil
	}
	StripHopHeaders(req.Header)

	res, err := o.client.Do(req)
	if err != nil {
		return nil, &Error{URL: req.URL.String(), Err: err}
	}
	return res, nil
}

// StripHopHeaders removes connection-specific headers, as well as the default headers
// added by an upstream proxy. Some servers do not like the presence of these headers.
func StripHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range []string{
		"Connection",
		"Proxy-Connection",
		"Keep-Alive",
		"TE",
		"Transfer-Encoding",
		"Upgrade",
		"X-Forwarded-For",
		"X-Forwarded-Proto",
		"X-Forwarded-Host",
	} {
		h.Del(name)
	}
}
