package tor

import "errors"

// Proxy errors.
var (
	// ErrProxyNotTor is returned when the configured address answers but does
	// not speak SOCKS5 the way Tor does.
	ErrProxyNotTor = errors.New("proxy is not a Tor SOCKS5 proxy")

	// ErrProxyCannotConnect is returned when no TCP connection to the proxy
	// can be made.
	ErrProxyCannotConnect = errors.New("cannot connect to Tor proxy")

	// ErrProxyTimeout is returned when the proxy probe times out.
	ErrProxyTimeout = errors.New("timeout connecting to Tor proxy")

	// ErrInvalidProxyAddress is returned when an address is not "host:port".
	ErrInvalidProxyAddress = errors.New("invalid proxy address format: expected host:port")
)

// Bootstrap and tunnel errors.
var (
	// ErrDaemonNotRunning is returned when the embedded daemon is used before
	// Start or after Stop.
	ErrDaemonNotRunning = errors.New("embedded Tor daemon is not running")

	// ErrAddressRejected is wrapped by every AddressPolicy refusal.
	ErrAddressRejected = errors.New("address rejected by policy")

	// ErrTunnel is wrapped by every failure to open a tunnel.
	ErrTunnel = errors.New("failed to open tunnel")
)

// Control port errors.
var (
	// ErrControlReply is returned when the control port answers with a
	// non-250 status.
	ErrControlReply = errors.New("control port returned an error")

	// ErrControlProtocol is returned when a control port reply cannot be parsed.
	ErrControlProtocol = errors.New("malformed control port reply")

	// ErrStreamNotFound is returned when no open stream matches a target.
	ErrStreamNotFound = errors.New("no stream found for target")

	// ErrCircuitNotFound is returned when a stream's circuit is not listed.
	ErrCircuitNotFound = errors.New("circuit not found")
)

// ProxyStatus is the result of probing a SOCKS5 proxy.
type ProxyStatus int

const (
	// ProxyStatusOK indicates the proxy is a working Tor SOCKS5 proxy.
	ProxyStatusOK ProxyStatus = iota

	// ProxyStatusWrongType indicates the peer answered but is not Tor.
	ProxyStatusWrongType

	// ProxyStatusCannotConnect indicates no connection could be made.
	ProxyStatusCannotConnect

	// ProxyStatusTimeout indicates the probe timed out.
	ProxyStatusTimeout
)

// String returns a human-readable description of the proxy status.
func (s ProxyStatus) String() string {
	switch s {
	case ProxyStatusOK:
		return "OK"
	case ProxyStatusWrongType:
		return "wrong type (not Tor)"
	case ProxyStatusCannotConnect:
		return "cannot connect"
	case ProxyStatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Err returns the error for this status, or nil if OK.
func (s ProxyStatus) Err() error {
	switch s {
	case ProxyStatusOK:
		return nil
	case ProxyStatusWrongType:
		return ErrProxyNotTor
	case ProxyStatusCannotConnect:
		return ErrProxyCannotConnect
	case ProxyStatusTimeout:
		return ErrProxyTimeout
	default:
		return errors.New("unknown proxy status")
	}
}
