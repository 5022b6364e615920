package tor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nao1215/tornago"
)

// DefaultStartupTimeout bounds how long the embedded daemon may take to
// finish directory bootstrapping.
const DefaultStartupTimeout = 3 * time.Minute

// cookieFile is the name Tor gives its control auth cookie in DataDirectory.
const cookieFile = "control_auth_cookie"

// EmbeddedTor runs a private Tor daemon through tornago for one onionfetch
// run. Both listeners bind to ephemeral local ports.
type EmbeddedTor struct {
	mu             sync.Mutex
	process        *tornago.TorProcess
	startupTimeout time.Duration
}

// EmbeddedTorOption configures an EmbeddedTor.
type EmbeddedTorOption func(*EmbeddedTor)

// WithStartupTimeout sets the bootstrap timeout.
func WithStartupTimeout(timeout time.Duration) EmbeddedTorOption {
	return func(e *EmbeddedTor) {
		if timeout > 0 {
			e.startupTimeout = timeout
		}
	}
}

// NewEmbeddedTor creates an unstarted daemon manager.
func NewEmbeddedTor(opts ...EmbeddedTorOption) *EmbeddedTor {
	e := &EmbeddedTor{startupTimeout: DefaultStartupTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the daemon and blocks until it has bootstrapped, the
// startup timeout passes, or ctx is done. A daemon that finishes starting
// after ctx is done is stopped in the background.
func (e *EmbeddedTor) Start(ctx context.Context) error {
	launchCfg, err := tornago.NewTorLaunchConfig(
		tornago.WithTorSocksAddr(":0"),
		tornago.WithTorControlAddr(":0"),
		tornago.WithTorStartupTimeout(e.startupTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create Tor launch config: %w", err)
	}

	type result struct {
		process *tornago.TorProcess
		err     error
	}
	done := make(chan result, 1)
	go func() {
		p, err := tornago.StartTorDaemon(launchCfg)
		done <- result{p, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("failed to start embedded Tor daemon: %w", r.err)
		}
		e.mu.Lock()
		e.process = r.process
		e.mu.Unlock()
		return nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil && r.process != nil {
				_ = r.process.Stop()
			}
		}()
		return ctx.Err()
	}
}

// Stop shuts the daemon down. It is safe to call more than once.
func (e *EmbeddedTor) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.process == nil {
		return nil
	}
	err := e.process.Stop()
	e.process = nil
	return err
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (e *EmbeddedTor) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.process != nil
}

// SocksAddr returns the SOCKS5 listener, or "" when not running.
func (e *EmbeddedTor) SocksAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.process == nil {
		return ""
	}
	return e.process.SocksAddr()
}

// ControlAddr returns the control port listener, or "" when not running.
func (e *EmbeddedTor) ControlAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.process == nil {
		return ""
	}
	return e.process.ControlAddr()
}

// ControlAuth returns cookie authentication when the daemon wrote a cookie,
// and null authentication otherwise.
func (e *EmbeddedTor) ControlAuth() ControlAuth {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.process == nil {
		return ControlAuth{}
	}
	path := filepath.Join(e.process.DataDir(), cookieFile)
	if _, err := os.Stat(path); err != nil {
		return ControlAuth{}
	}
	return ControlAuth{CookiePath: path}
}

// NewClient returns a SOCKS5 client for the running daemon.
func (e *EmbeddedTor) NewClient(timeout time.Duration) (*Client, error) {
	addr := e.SocksAddr()
	if addr == "" {
		return nil, ErrDaemonNotRunning
	}
	return NewClient(addr, timeout)
}
