package tor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nao1215/onionfetch/internal/model"
)

// FactoryConfig carries everything one bootstrap needs.
type FactoryConfig struct {
	// TargetHost is checked against the address policy before bootstrapping.
	TargetHost string
	// AllowOnionAddrs permits .onion destinations.
	AllowOnionAddrs bool

	// UseExternalTor selects an already running proxy over the embedded daemon.
	UseExternalTor bool
	// ProxyAddress is the external SOCKS5 proxy.
	ProxyAddress string
	// ControlAddress is the external control port. Empty disables hop paths.
	ControlAddress string
	// ControlAuth authenticates to ControlAddress.
	ControlAuth ControlAuth

	StartupTimeout time.Duration
	ConnectTimeout time.Duration
}

// daemon is the part of EmbeddedTor the factory depends on.
type daemon interface {
	SocksAddr() string
	ControlAddr() string
	ControlAuth() ControlAuth
	Stop() error
}

// Factory bootstraps one CircuitClient per run.
type Factory struct {
	cfg    FactoryConfig
	logger *slog.Logger

	startDaemon func(ctx context.Context, timeout time.Duration) (daemon, error)
	dialControl func(ctx context.Context, address string, auth ControlAuth) (CircuitObserver, error)
}

// NewFactory creates a Factory.
func NewFactory(cfg FactoryConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Factory{
		cfg:         cfg,
		logger:      logger,
		startDaemon: startEmbedded,
		dialControl: func(ctx context.Context, address string, auth ControlAuth) (CircuitObserver, error) {
			return DialControl(ctx, address, auth)
		},
	}
}

func startEmbedded(ctx context.Context, timeout time.Duration) (daemon, error) {
	e := NewEmbeddedTor(WithStartupTimeout(timeout))
	if err := e.Start(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Bootstrap validates the address policy, brings Tor up and returns a client
// ready to Connect. Policy failures are AddressRejected errors; every other
// failure is a BootstrapError. Nothing is shared between calls.
func (f *Factory) Bootstrap(ctx context.Context) (*CircuitClient, error) {
	policy, err := NewAddressPolicy(f.cfg.AllowOnionAddrs, f.cfg.TargetHost)
	if err != nil {
		return nil, model.NewKindError(model.KindAddressRejected, err)
	}

	if f.cfg.UseExternalTor {
		return f.bootstrapExternal(ctx, policy)
	}
	return f.bootstrapEmbedded(ctx, policy)
}

func (f *Factory) bootstrapExternal(ctx context.Context, policy AddressPolicy) (*CircuitClient, error) {
	client, err := NewClient(f.cfg.ProxyAddress, f.cfg.ConnectTimeout)
	if err != nil {
		return nil, bootstrapError(err)
	}

	f.logger.Debug("probing Tor proxy", "address", f.cfg.ProxyAddress)
	if status := client.CheckConnection(ctx); status != ProxyStatusOK {
		return nil, bootstrapError(fmt.Errorf("tor proxy at %s: %w", f.cfg.ProxyAddress, status.Err()))
	}

	opts := f.clientOptions()
	if f.cfg.ControlAddress == "" {
		f.logger.Warn("no control port configured, hop paths will be empty")
	} else {
		f.logger.Debug("connecting to control port", "address", f.cfg.ControlAddress, "auth", f.cfg.ControlAuth)
		obs, err := f.dialControl(ctx, f.cfg.ControlAddress, f.cfg.ControlAuth)
		if err != nil {
			f.logger.Warn("control port unavailable, hop paths will be empty",
				"address", f.cfg.ControlAddress, "error", err)
		} else {
			opts = append(opts, WithObserver(obs))
		}
	}
	return NewCircuitClient(client, policy, opts...), nil
}

func (f *Factory) bootstrapEmbedded(ctx context.Context, policy AddressPolicy) (*CircuitClient, error) {
	f.logger.Info("starting embedded Tor daemon", "timeout", f.cfg.StartupTimeout)
	start := time.Now()

	d, err := f.startDaemon(ctx, f.cfg.StartupTimeout)
	if err != nil {
		return nil, bootstrapError(err)
	}
	f.logger.Info("embedded Tor daemon ready",
		"socks", d.SocksAddr(),
		"elapsed", time.Since(start).Round(time.Second))

	client, err := NewClient(d.SocksAddr(), f.cfg.ConnectTimeout)
	if err != nil {
		_ = d.Stop()
		return nil, bootstrapError(err)
	}

	obs, err := f.dialControl(ctx, d.ControlAddr(), d.ControlAuth())
	if err != nil {
		_ = d.Stop()
		return nil, bootstrapError(err)
	}

	opts := append(f.clientOptions(), WithObserver(obs), withDaemon(d))
	return NewCircuitClient(client, policy, opts...), nil
}

func (f *Factory) clientOptions() []CircuitClientOption {
	return []CircuitClientOption{
		WithConnectTimeout(f.cfg.ConnectTimeout),
		WithLogger(f.logger),
	}
}

func bootstrapError(err error) error {
	return model.NewKindError(model.KindBootstrap, fmt.Errorf("tor bootstrap failed: %w", err))
}
