package tor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nao1215/onionfetch/internal/model"
)

// DefaultConnectTimeout bounds one Connect call, including circuit
// construction and onion service rendezvous.
const DefaultConnectTimeout = 120 * time.Second

// Dialer opens tunnels through Tor. Streams dialed with distinct isolation
// tags never share a circuit.
type Dialer interface {
	DialIsolated(ctx context.Context, address, isolation string) (net.Conn, error)
}

// CircuitObserver reports the relays carrying an open stream, found by its
// target or by the isolation tag it was dialed with.
type CircuitObserver interface {
	CircuitPath(ctx context.Context, target, isolation string) ([]model.HopDescriptor, error)
	Close() error
}

// stopper is anything owning a process that must end with the client.
type stopper interface {
	Stop() error
}

// CircuitClient opens tunnels to destinations and reports their hop paths.
type CircuitClient struct {
	dialer         Dialer
	policy         AddressPolicy
	observer       CircuitObserver
	daemon         stopper
	connectTimeout time.Duration
	logger         *slog.Logger
}

// CircuitClientOption configures a CircuitClient.
type CircuitClientOption func(*CircuitClient)

// WithObserver sets the source of hop paths. Without one, Connect returns
// an empty path.
func WithObserver(o CircuitObserver) CircuitClientOption {
	return func(c *CircuitClient) {
		c.observer = o
	}
}

// WithConnectTimeout bounds each Connect call.
func WithConnectTimeout(d time.Duration) CircuitClientOption {
	return func(c *CircuitClient) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) CircuitClientOption {
	return func(c *CircuitClient) {
		c.logger = logger
	}
}

func withDaemon(d stopper) CircuitClientOption {
	return func(c *CircuitClient) {
		c.daemon = d
	}
}

// NewCircuitClient creates a client dialing through dialer under policy.
func NewCircuitClient(dialer Dialer, policy AddressPolicy, opts ...CircuitClientOption) *CircuitClient {
	c := &CircuitClient{
		dialer:         dialer,
		policy:         policy,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Connect opens exactly one tunnel to ep and returns it with the descriptors
// of the relays carrying it, nearest the client first. The caller owns the
// returned connection.
//
// A host refused by the policy yields an AddressRejected error; any failure
// to open the tunnel yields a TunnelError. Not being able to read the hop
// path is logged and leaves the path empty.
func (c *CircuitClient) Connect(ctx context.Context, ep model.Endpoint) (net.Conn, []model.HopDescriptor, error) {
	if err := c.policy.Check(ep.Host); err != nil {
		return nil, nil, model.NewKindError(model.KindAddressRejected, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	address := ep.Address()
	c.logger.Debug("opening tunnel", "address", address)

	isolation, err := NewIsolationTag()
	if err != nil {
		return nil, nil, model.NewKindError(model.KindTunnel, fmt.Errorf("%w to %s: %w", ErrTunnel, address, err))
	}
	conn, err := c.dialer.DialIsolated(ctx, address, isolation)
	if err != nil {
		return nil, nil, model.NewKindError(model.KindTunnel, fmt.Errorf("%w to %s: %w", ErrTunnel, address, err))
	}

	hops := []model.HopDescriptor{}
	if c.observer != nil {
		path, err := c.observer.CircuitPath(ctx, address, isolation)
		if err != nil {
			c.logger.Warn("could not read circuit path", "address", address, "error", err)
		} else {
			hops = path
		}
	}

	c.logger.Debug("tunnel open", "address", address, "hops", len(hops))
	return conn, hops, nil
}

// httpClientSource is a dialer that can also carry auxiliary HTTP traffic.
type httpClientSource interface {
	NewHTTPClient() *http.Client
}

// HTTPClient returns an HTTP client routed through the same Tor instance on
// a circuit separate from the fetch tunnel, or nil when the dialer cannot
// provide one.
func (c *CircuitClient) HTTPClient() *http.Client {
	src, ok := c.dialer.(httpClientSource)
	if !ok {
		return nil
	}
	return src.NewHTTPClient()
}

// Close releases the control connection and stops an embedded daemon.
func (c *CircuitClient) Close() error {
	var errs []error
	if c.observer != nil {
		if err := c.observer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close control connection: %w", err))
		}
	}
	if c.daemon != nil {
		if err := c.daemon.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop Tor daemon: %w", err))
		}
	}
	return errors.Join(errs...)
}
