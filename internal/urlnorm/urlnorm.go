// Package urlnorm canonicalizes listing URLs for de-duplication and checks that
// a URL points at an analyzable listing page.
package urlnorm

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrEmptyURL          = errors.New("urlnorm: url must not be empty")
	ErrMissingHost       = errors.New("urlnorm: url has no host")
	ErrUnsupportedScheme = errors.New("urlnorm: scheme must be http or https")
)

// Normalize returns the canonical form of rawURL: lowercase scheme, host and
// path, no default port, no query, no fragment and no trailing slash. The
// aggregator's "udbud" parameter is kept since it alone identifies the listing.
func Normalize(rawURL string) (string, error) {
	u, err := Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !isDefaultPort(u.Scheme, port) {
		host = net.JoinHostPort(host, port)
	}
	path := strings.TrimRight(strings.ToLower(u.EscapedPath()), "/")
	out := u.Scheme + "://" + host + path
	if Host(u) == AggregatorHost {
		if id := u.Query().Get("udbud"); id != "" {
			out += "?udbud=" + url.QueryEscape(id)
		}
	}
	return out, nil
}

// Parse parses rawURL and requires an http or https scheme and a host. The
// returned URL has a lowercase scheme.
func Parse(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrEmptyURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("urlnorm: parse %q: %w", rawURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, ErrMissingHost
	}
	return u, nil
}

// Host returns the lowercase host of u without port and without a leading "www.".
func Host(u *url.URL) string {
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}
