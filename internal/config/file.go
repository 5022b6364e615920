package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File is the layout of a .onionfetch YAML file. Unset fields leave the
// corresponding Config value untouched.
type File struct {
	Target  string         `yaml:"target,omitempty"`
	Tor     TorSection     `yaml:"tor,omitempty"`
	Fetch   FetchSection   `yaml:"fetch,omitempty"`
	Geo     GeoSection     `yaml:"geo,omitempty"`
	UI      UISection      `yaml:"ui,omitempty"`
	Report  ReportSection  `yaml:"report,omitempty"`
	History HistorySection `yaml:"history,omitempty"`
}

// TorSection configures bootstrapping.
type TorSection struct {
	External        *bool         `yaml:"external,omitempty"`
	Proxy           string        `yaml:"proxy,omitempty"`
	Control         string        `yaml:"control,omitempty"`
	ControlPassword string        `yaml:"controlPassword,omitempty"`
	ControlCookie   string        `yaml:"controlCookie,omitempty"`
	StartupTimeout  time.Duration `yaml:"startupTimeout,omitempty"`
	AllowOnion      *bool         `yaml:"allowOnion,omitempty"`
}

// FetchSection configures the tunnel and the request.
type FetchSection struct {
	ConnectTimeout   time.Duration `yaml:"connectTimeout,omitempty"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout,omitempty"`
	BodyDeadline     time.Duration `yaml:"bodyDeadline,omitempty"`
}

// GeoSection configures relay geolocation.
type GeoSection struct {
	Endpoint string        `yaml:"endpoint,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	ViaTor   *bool         `yaml:"viaTor,omitempty"`
}

// UISection configures the live view and its event channel.
type UISection struct {
	ChannelCapacity   int           `yaml:"channelCapacity,omitempty"`
	DropOnSendFailure *bool         `yaml:"dropOnSendFailure,omitempty"`
	RenderInterval    time.Duration `yaml:"renderInterval,omitempty"`
}

// ReportSection configures the final report.
type ReportSection struct {
	// Format is "text", "json" or "markdown".
	Format   string `yaml:"format,omitempty"`
	ShowBody *bool  `yaml:"showBody,omitempty"`
	Output   string `yaml:"output,omitempty"`
}

// HistorySection configures the SQLite history.
type HistorySection struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Dir     string `yaml:"dir,omitempty"`
}

// Apply copies every set field of f onto cfg.
func (f *File) Apply(cfg *Config) error {
	setString(&cfg.TargetURL, f.Target)

	setBool(&cfg.UseExternalTor, f.Tor.External)
	setString(&cfg.TorProxyAddress, f.Tor.Proxy)
	setString(&cfg.TorControlAddress, f.Tor.Control)
	setString(&cfg.TorControlPassword, f.Tor.ControlPassword)
	setString(&cfg.TorControlCookie, expandHome(f.Tor.ControlCookie))
	setDuration(&cfg.TorStartupTimeout, f.Tor.StartupTimeout)
	setBool(&cfg.AllowOnionAddrs, f.Tor.AllowOnion)

	setDuration(&cfg.ConnectTimeout, f.Fetch.ConnectTimeout)
	setDuration(&cfg.HandshakeTimeout, f.Fetch.HandshakeTimeout)
	setDuration(&cfg.BodyDeadline, f.Fetch.BodyDeadline)

	setString(&cfg.GeoEndpoint, f.Geo.Endpoint)
	setDuration(&cfg.GeoTimeout, f.Geo.Timeout)
	setBool(&cfg.GeoViaTor, f.Geo.ViaTor)

	if f.UI.ChannelCapacity != 0 {
		cfg.ChannelCapacity = f.UI.ChannelCapacity
	}
	setBool(&cfg.DropOnSendFailure, f.UI.DropOnSendFailure)
	setDuration(&cfg.RenderInterval, f.UI.RenderInterval)

	switch strings.ToLower(f.Report.Format) {
	case "":
	case "text":
		cfg.JSONReport, cfg.MarkdownReport = false, false
	case "json":
		cfg.JSONReport, cfg.MarkdownReport = true, false
	case "markdown", "md":
		cfg.JSONReport, cfg.MarkdownReport = false, true
	default:
		return fmt.Errorf("%w: %q", ErrUnknownReportFormat, f.Report.Format)
	}
	setBool(&cfg.ShowBody, f.Report.ShowBody)
	setString(&cfg.ReportFile, expandHome(f.Report.Output))

	setBool(&cfg.SaveHistory, f.History.Enabled)
	setString(&cfg.HistoryDir, expandHome(f.History.Dir))
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
