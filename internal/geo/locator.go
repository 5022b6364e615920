package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultEndpoint is the ip-api.com JSON endpoint. The free tier is HTTP only.
const DefaultEndpoint = "http://ip-api.com/json/"

// DefaultTimeout bounds a single lookup.
const DefaultTimeout = 10 * time.Second

// ipAPIFields restricts the response to what we use, which keeps responses
// small and within the free tier's field set.
const ipAPIFields = "status,message,country,city,query"

// rateWindow is the ip-api.com quota window, assumed when a response
// exhausts the quota without an X-Ttl header.
const rateWindow = time.Minute

// maxResponseSize caps the response body read from the service.
const maxResponseSize = 64 * 1024

// Lookup errors.
var (
	// ErrInvalidAddress is returned when the input is not an IP address.
	ErrInvalidAddress = errors.New("not an IP address")

	// ErrNotFound is returned when the service has no location for the address
	// (private ranges, reserved ranges, unknown addresses).
	ErrNotFound = errors.New("location not found")

	// ErrRateLimited is returned when the service refuses further requests.
	ErrRateLimited = errors.New("geolocation rate limit exceeded")

	// ErrUnexpectedStatus is returned for non-200 responses other than 429.
	ErrUnexpectedStatus = errors.New("unexpected geolocation response status")
)

// Location is the lookup result.
type Location struct {
	IP      string
	City    string
	Country string
}

// Locator resolves an IP address to a location.
type Locator interface {
	Lookup(ctx context.Context, ip string) (Location, error)
}

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc func(ctx context.Context, ip string) (Location, error)

// Lookup implements Locator.
func (f LocatorFunc) Lookup(ctx context.Context, ip string) (Location, error) {
	return f(ctx, ip)
}

// IPAPI looks up addresses with the ip-api.com service. Once a response
// reports the quota as exhausted (X-Rl: 0), lookups fail with ErrRateLimited
// without a request until the window announced in X-Ttl has passed.
type IPAPI struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration
	now      func() time.Time

	mu             sync.Mutex
	exhaustedUntil time.Time
}

// IPAPIOption configures an IPAPI locator.
type IPAPIOption func(*IPAPI)

// WithHTTPClient sets the HTTP client used for lookups.
// Pass a Tor-routed client to keep lookups off the local network.
func WithHTTPClient(client *http.Client) IPAPIOption {
	return func(l *IPAPI) {
		if client != nil {
			l.client = client
		}
	}
}

// WithEndpoint overrides the service base URL. The address is appended to it.
func WithEndpoint(endpoint string) IPAPIOption {
	return func(l *IPAPI) {
		if endpoint != "" {
			if !strings.HasSuffix(endpoint, "/") {
				endpoint += "/"
			}
			l.endpoint = endpoint
		}
	}
}

// WithTimeout sets the per-lookup timeout.
func WithTimeout(timeout time.Duration) IPAPIOption {
	return func(l *IPAPI) {
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

// NewIPAPI creates an ip-api.com locator.
func NewIPAPI(opts ...IPAPIOption) *IPAPI {
	l := &IPAPI{
		client:   &http.Client{},
		endpoint: DefaultEndpoint,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ipAPIResponse is the subset of the ip-api.com response we decode.
type ipAPIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Country string `json:"country"`
	City    string `json:"city"`
	Query   string `json:"query"`
}

// Lookup implements Locator.
func (l *IPAPI) Lookup(ctx context.Context, ip string) (Location, error) {
	if net.ParseIP(ip) == nil {
		return Location{}, fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
	}

	if l.exhausted() {
		return Location{}, ErrRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	reqURL := l.endpoint + url.PathEscape(ip) + "?fields=" + ipAPIFields
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Location{}, fmt.Errorf("failed to build lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("geolocation request failed: %w", err)
	}
	defer resp.Body.Close()
	l.observeQuota(resp.Header)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Location{}, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return Location{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		return Location{}, fmt.Errorf("failed to decode geolocation response: %w", err)
	}

	if body.Status != "success" {
		if body.Message != "" {
			return Location{}, fmt.Errorf("%w: %s", ErrNotFound, body.Message)
		}
		return Location{}, ErrNotFound
	}

	queried := body.Query
	if queried == "" {
		queried = ip
	}

	return Location{
		IP:      queried,
		City:    body.City,
		Country: body.Country,
	}, nil
}

func (l *IPAPI) exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.exhaustedUntil)
}

// observeQuota records an exhausted quota from the X-Rl (requests left) and
// X-Ttl (seconds until reset) headers.
func (l *IPAPI) observeQuota(h http.Header) {
	left, err := strconv.Atoi(h.Get("X-Rl"))
	if err != nil || left > 0 {
		return
	}
	window := rateWindow
	if ttl, err := strconv.Atoi(h.Get("X-Ttl")); err == nil && ttl >= 0 {
		window = time.Duration(ttl) * time.Second
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.exhaustedUntil = l.now().Add(window)
}
