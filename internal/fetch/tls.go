package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nao1215/onionfetch/internal/model"
)

// DefaultHandshakeTimeout bounds the TLS handshake.
// Handshakes cross three relays each way, so this is generous.
const DefaultHandshakeTimeout = 60 * time.Second

// ErrTLSHandshake is wrapped by every upgrade failure.
var ErrTLSHandshake = errors.New("TLS handshake failed")

// Upgrader wraps tunnel connections in TLS when the destination requires it.
type Upgrader struct {
	rootCAs *x509.CertPool
	timeout time.Duration
}

// UpgraderOption configures an Upgrader.
type UpgraderOption func(*Upgrader)

// WithRootCAs replaces the system trust store. Nil keeps the system store.
func WithRootCAs(pool *x509.CertPool) UpgraderOption {
	return func(u *Upgrader) {
		u.rootCAs = pool
	}
}

// WithHandshakeTimeout sets the handshake timeout.
func WithHandshakeTimeout(timeout time.Duration) UpgraderOption {
	return func(u *Upgrader) {
		if timeout > 0 {
			u.timeout = timeout
		}
	}
}

// NewUpgrader creates an Upgrader that verifies certificates against the
// platform trust store.
func NewUpgrader(opts ...UpgraderOption) *Upgrader {
	u := &Upgrader{timeout: DefaultHandshakeTimeout}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// MaybeWrap returns conn unchanged when secure is false. Otherwise it performs
// a TLS handshake against host over conn and returns the TLS connection,
// which takes ownership of conn. On failure conn is closed and the error is
// classified as a TLS handshake error.
func (u *Upgrader) MaybeWrap(ctx context.Context, conn net.Conn, host string, secure bool) (net.Conn, error) {
	if !secure {
		return conn, nil
	}

	cfg := &tls.Config{
		ServerName: host,
		RootCAs:    u.rootCAs,
		MinVersion: tls.VersionTLS12,
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, model.NewKindError(model.KindTLSHandshake,
			fmt.Errorf("%w with %s: %w", ErrTLSHandshake, host, err))
	}

	return tlsConn, nil
}
