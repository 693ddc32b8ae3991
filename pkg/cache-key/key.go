package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrMethodNotSupported is returned for requests that can not be stored or matched.
// Only GET requests take part in caching.
var ErrMethodNotSupported = errors.New("method not supported")

const (
	methodSeparator = ":"
	varySeparator   = "\t"
	varyLine        = "\n"
)

// Prefix returns the cache key for a request without the vary headers (i.e. a key prefix).
// The returned key is suitable for finding all stored response variants for a particular request.
// The URL fragment never takes part in the key.
func Prefix(r *http.Request) (string, error) {
	if r.Method != "" && r.Method != http.MethodGet {
		return "", ErrMethodNotSupported
	}
	return http.MethodGet + methodSeparator + RequestURL(r).String() + varySeparator, nil
}

// WithVary returns the full cache key (including vary headers) based on a previously generated
// cache key prefix and the request and response involved.
// Headers named by `Vary` that are absent in the request are keyed with an empty value,
// so a request lacking the header only matches a stored response that lacked it too.
// The boolean is false if the response varies on `*`, i.e. it can never be matched.
func WithVary(prefix string, req *http.Request, res *http.Response) (string, bool) {
	key := prefix
	for _, name := range VaryNames(res.Header) {
		if name == "*" {
			return "", false
		}
		key = key + varyLine + name + ": " + req.Header.Get(name)
	}
	return key, true
}

// VaryNames returns the lower-cased field names listed in the `Vary` header(s).
func VaryNames(header http.Header) []string {
	names := make([]string, 0)
	for _, hdr := range header.Values("Vary") {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				names = append(names, strings.ToLower(item))
			}
		}
	}
	return names
}

// RequestFromKey generates a caching-wise equal request to the request that resulted in the
// provided key. This means it takes vary headers into account.
// It returns an error if the key is malformed.
func RequestFromKey(key string) (*http.Request, error) {
	keyNoVary, _, found := strings.Cut(key, varySeparator)
	if !found {
		return nil, fmt.Errorf("malformed key: %q", key)
	}
	method, uri, found := strings.Cut(keyNoVary, methodSeparator)
	if !found {
		return nil, fmt.Errorf("malformed key: %q", key)
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header = VaryHeaders(key)
	return req, nil
}

// VaryHeaders creates a http.Header instance containing all the non-empty vary keys included in a key.
func VaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, varyLine)
	for i := 1; i < len(lines); i++ {
		entry := strings.SplitN(lines[i], ": ", 2)
		if len(entry) == 2 && entry[1] != "" {
			header.Add(entry[0], entry[1])
		}
	}
	return header
}

// RequestURL returns the absolute URL of the request without fragment.
// Server-side requests carry only the request URI, in which case the host is taken from the request.
func RequestURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	return &u
}
