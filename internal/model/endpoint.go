package model

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint errors.
var (
	// ErrEmptyURL is returned when the target URL is empty.
	ErrEmptyURL = errors.New("target URL cannot be empty")

	// ErrUnsupportedScheme is returned when the URL scheme is neither http nor https.
	ErrUnsupportedScheme = errors.New("unsupported URL scheme: expected http or https")

	// ErrMissingHost is returned when the URL has no host component.
	ErrMissingHost = errors.New("target URL has no host")

	// ErrInvalidPort is returned when the URL carries a port outside 1-65535.
	ErrInvalidPort = errors.New("invalid port in target URL")
)

// Default ports by scheme.
const (
	// DefaultHTTPPort is used for plain http destinations without an explicit port.
	DefaultHTTPPort uint16 = 80

	// DefaultHTTPSPort is used for https destinations without an explicit port.
	DefaultHTTPSPort uint16 = 443
)

// Endpoint is the destination of a fetch, derived once from the target URL.
type Endpoint struct {
	// Host is the hostname or onion address without port.
	Host string `json:"host"`

	// Port is the TCP port. Zero means "not given in the URL"; use ResolvedPort.
	Port uint16 `json:"port,omitempty"`

	// Secure is true when the scheme requires TLS (https).
	Secure bool `json:"secure"`

	// Path is the request-target sent in the request line. Defaults to "/".
	Path string `json:"path"`
}

// ParseEndpoint derives an Endpoint from a URL.
// A URL without a scheme is treated as http, which is the common case for
// onion services (e.g. "example.onion/page").
func ParseEndpoint(rawURL string) (Endpoint, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return Endpoint{}, ErrEmptyURL
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to parse target URL: %w", err)
	}

	var secure bool
	switch strings.ToLower(u.Scheme) {
	case "http":
	case "https":
		secure = true
	default:
		return Endpoint{}, ErrUnsupportedScheme
	}

	host := u.Hostname()
	if host == "" {
		return Endpoint{}, ErrMissingHost
	}

	var port uint16
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return Endpoint{}, ErrInvalidPort
		}
		port = uint16(n)
	}

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	return Endpoint{
		Host:   strings.ToLower(host),
		Port:   port,
		Secure: secure,
		Path:   path,
	}, nil
}

// ResolvedPort returns the explicit port, or 443 for secure and 80 otherwise.
func (e Endpoint) ResolvedPort() uint16 {
	if e.Port != 0 {
		return e.Port
	}
	if e.Secure {
		return DefaultHTTPSPort
	}
	return DefaultHTTPPort
}

// Address returns "host:port" with the resolved port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.ResolvedPort())))
}

// URL returns the canonical URL of the endpoint.
func (e Endpoint) URL() string {
	scheme := "http"
	if e.Secure {
		scheme = "https"
	}
	host := e.Host
	if e.Port != 0 {
		host = e.Address()
	}
	return scheme + "://" + host + e.Path
}
