package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// AppName is used for XDG directory names.
const AppName = "onionfetch"

// Default configuration values.
const (
	// DefaultTorProxyAddress is the SOCKS port of a stock Tor daemon.
	DefaultTorProxyAddress = "127.0.0.1:9050"

	// DefaultTorStartupTimeout bounds embedded daemon bootstrapping, which
	// usually takes between one and three minutes.
	DefaultTorStartupTimeout = 3 * time.Minute

	// DefaultConnectTimeout bounds circuit construction and, for onion
	// services, rendezvous.
	DefaultConnectTimeout = 120 * time.Second

	// DefaultHandshakeTimeout bounds the TLS handshake over the tunnel.
	DefaultHandshakeTimeout = 60 * time.Second

	// DefaultBodyDeadline is how long body frames are consumed after the
	// first one arrives.
	DefaultBodyDeadline = 10 * time.Second

	// DefaultGeoEndpoint is the ip-api.com JSON endpoint.
	DefaultGeoEndpoint = "http://ip-api.com/json/"

	// DefaultGeoTimeout bounds a single relay lookup.
	DefaultGeoTimeout = 10 * time.Second

	// DefaultChannelCapacity is the number of undelivered events the
	// background worker may queue before it is suspended.
	DefaultChannelCapacity = 5

	// DefaultRenderInterval is the live view refresh period.
	DefaultRenderInterval = 250 * time.Millisecond

	// DefaultHistoryLimit is how many runs the history command lists.
	DefaultHistoryLimit = 20
)

// Config holds every option of a run.
type Config struct {
	// TargetURL is the destination, e.g. "http://<addr>.onion/".
	TargetURL string

	// UseExternalTor selects an already running Tor at TorProxyAddress
	// instead of starting an embedded daemon.
	UseExternalTor bool

	// TorProxyAddress is the external SOCKS5 proxy in "host:port" form.
	TorProxyAddress string

	// TorControlAddress is the external control port. Without it hop paths
	// cannot be observed in external mode.
	TorControlAddress string

	// TorControlPassword authenticates to TorControlAddress.
	TorControlPassword string

	// TorControlCookie is the path of the control_auth_cookie file.
	// It takes precedence over TorControlPassword.
	TorControlCookie string

	// TorStartupTimeout bounds embedded daemon bootstrapping.
	TorStartupTimeout time.Duration

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	BodyDeadline     time.Duration

	// AllowOnionAddrs permits .onion destinations.
	AllowOnionAddrs bool

	// GeoEndpoint is the base URL of the ip-api.com compatible service.
	GeoEndpoint string
	GeoTimeout  time.Duration
	// GeoViaTor sends relay lookups through Tor on a separate circuit.
	GeoViaTor bool

	// ChannelCapacity bounds the event channel between worker and view.
	ChannelCapacity int

	// DropOnSendFailure lets the worker discard events once the view has
	// gone away instead of failing.
	DropOnSendFailure bool

	// RenderInterval is the live view refresh period.
	RenderInterval time.Duration

	// Verbose enables debug logging.
	Verbose bool

	// JSONReport and MarkdownReport select the final report format.
	// They are mutually exclusive; neither means the plain text report.
	JSONReport     bool
	MarkdownReport bool

	// ShowBody includes the response body in the plain text report.
	ShowBody bool

	// ReportFile writes the final report to a file instead of stdout.
	ReportFile string

	// SaveHistory records the run in the SQLite history under HistoryDir.
	SaveHistory bool
	HistoryDir  string

	// ConfigFilePath is an explicit configuration file. Empty means search.
	ConfigFilePath string
}

// NewConfig returns a Config with default values.
func NewConfig() *Config {
	return &Config{
		TorProxyAddress:   DefaultTorProxyAddress,
		TorStartupTimeout: DefaultTorStartupTimeout,
		ConnectTimeout:    DefaultConnectTimeout,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		BodyDeadline:      DefaultBodyDeadline,
		AllowOnionAddrs:   true,
		GeoEndpoint:       DefaultGeoEndpoint,
		GeoTimeout:        DefaultGeoTimeout,
		ChannelCapacity:   DefaultChannelCapacity,
		RenderInterval:    DefaultRenderInterval,
		SaveHistory:       true,
		HistoryDir:        XDGDataDir(),
	}
}

// XDGDataDir returns the history directory,
// e.g. ~/.local/share/onionfetch on Linux.
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the per-user configuration directory,
// e.g. ~/.config/onionfetch on Linux.
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	if c.TargetURL == "" {
		return ErrNoTarget
	}
	if c.UseExternalTor && c.TorProxyAddress == "" {
		return ErrNoProxyAddress
	}
	if c.TorStartupTimeout <= 0 || c.ConnectTimeout <= 0 ||
		c.HandshakeTimeout <= 0 || c.GeoTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.BodyDeadline <= 0 {
		return ErrInvalidBodyDeadline
	}
	if c.ChannelCapacity < 1 {
		return ErrInvalidChannelCapacity
	}
	if c.RenderInterval <= 0 {
		return ErrInvalidRenderInterval
	}
	if c.JSONReport && c.MarkdownReport {
		return ErrConflictingReportFormats
	}
	if c.SaveHistory && c.HistoryDir == "" {
		return ErrNoHistoryDir
	}
	return nil
}
