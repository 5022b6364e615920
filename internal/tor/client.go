package tor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// probeTimeout bounds the SOCKS5 probe against an external proxy.
const probeTimeout = 2 * time.Second

// SOCKS5 constants used by the probe.
const (
	socks5Version       = 0x05
	socks5AuthNone      = 0x00
	socks5CmdConnect    = 0x01
	socks5AddrTypeDomID = 0x03

	// probeOnion is a syntactically plausible address that no service owns.
	// Tor answers the CONNECT with a failure code, which is all the probe needs.
	probeOnion = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.onion"
)

// Client dials through a Tor SOCKS5 proxy.
type Client struct {
	proxyAddress string
	timeout      time.Duration
}

// NewClient creates a Client for the proxy at proxyAddress ("host:port").
// No connection is made until CheckConnection or DialIsolated is called.
func NewClient(proxyAddress string, timeout time.Duration) (*Client, error) {
	if !isValidProxyAddress(proxyAddress) {
		return nil, ErrInvalidProxyAddress
	}
	return &Client{proxyAddress: proxyAddress, timeout: timeout}, nil
}

func isValidProxyAddress(address string) bool {
	host, port, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 1 && n <= 65535
}

// ProxyAddress returns the configured proxy address.
func (c *Client) ProxyAddress() string {
	return c.proxyAddress
}

// CheckConnection performs a raw SOCKS5 handshake and CONNECT against the
// proxy. Any well-formed CONNECT reply, including a failure code, means Tor
// is answering.
func (c *Client) CheckConnection(ctx context.Context) ProxyStatus {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.proxyAddress)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ProxyStatusTimeout
		}
		return ProxyStatusCannotConnect
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return ProxyStatusCannotConnect
		}
	}

	// Greeting: version, one method, no auth.
	if _, err := conn.Write([]byte{socks5Version, 0x01, socks5AuthNone}); err != nil {
		return ProxyStatusCannotConnect
	}
	greeting := make([]byte, 2)
	if _, err := io.ReadFull(conn, greeting); err != nil {
		return readFailureStatus(err)
	}
	if greeting[0] != socks5Version || greeting[1] != socks5AuthNone {
		return ProxyStatusWrongType
	}

	req := []byte{socks5Version, socks5CmdConnect, 0x00, socks5AddrTypeDomID, byte(len(probeOnion))}
	req = append(req, probeOnion...)
	req = append(req, 0x00, 80)
	if _, err := conn.Write(req); err != nil {
		return ProxyStatusCannotConnect
	}

	// version, reply, reserved, address type
	reply := make([]byte, 4)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return readFailureStatus(err)
	}
	if reply[0] != socks5Version {
		return ProxyStatusWrongType
	}
	return ProxyStatusOK
}

func readFailureStatus(err error) ProxyStatus {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ProxyStatusTimeout
	}
	return ProxyStatusWrongType
}

// DialIsolated opens one TCP stream to address through Tor, authenticating
// to the SOCKS5 proxy as isolation. Tor's IsolateSOCKSAuth places streams
// with distinct credentials on distinct circuits, and the control port
// reports the username as the circuit's SOCKS_USERNAME. An empty isolation
// gets a fresh random tag.
func (c *Client) DialIsolated(ctx context.Context, address, isolation string) (net.Conn, error) {
	if isolation == "" {
		tag, err := NewIsolationTag()
		if err != nil {
			return nil, err
		}
		isolation = tag
	}
	return c.dial(ctx, &proxy.Auth{User: isolation, Password: isolation}, address)
}

func (c *Client) dial(ctx context.Context, auth *proxy.Auth, address string) (net.Conn, error) {
	forward := &net.Dialer{Timeout: c.timeout}
	dialer, err := proxy.SOCKS5("tcp", c.proxyAddress, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", address)
	}

	// proxy.Dialer without context support; the dial may finish after ctx is
	// done, in which case the late connection is closed.
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dialer.Dial("tcp", address)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// NewIsolationTag returns a random SOCKS5 username that no other stream uses.
func NewIsolationTag() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate isolation credential: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewHTTPClient returns an HTTP client whose connections go through Tor on a
// circuit separate from the fetch tunnel. Certificates are verified normally.
func (c *Client) NewHTTPClient() *http.Client {
	auth := &proxy.Auth{User: "onionfetch-aux", Password: "aux"}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return c.dial(ctx, auth, addr)
		},
		MaxIdleConns:        2,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     30 * time.Second,
		// Compressed sizes leak content over an anonymised link.
		DisableCompression: true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
