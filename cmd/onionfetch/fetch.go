package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/onionfetch/internal/config"
	"github.com/nao1215/onionfetch/internal/fetch"
	"github.com/nao1215/onionfetch/internal/geo"
	"github.com/nao1215/onionfetch/internal/history"
	"github.com/nao1215/onionfetch/internal/inspect"
	applog "github.com/nao1215/onionfetch/internal/log"
	"github.com/nao1215/onionfetch/internal/model"
	"github.com/nao1215/onionfetch/internal/notify"
	"github.com/nao1215/onionfetch/internal/pipeline"
	"github.com/nao1215/onionfetch/internal/report"
	"github.com/nao1215/onionfetch/internal/tor"
	"github.com/nao1215/onionfetch/internal/ui"
)

// historySaveTimeout bounds recording a run after it ended.
const historySaveTimeout = 5 * time.Second

// NewFetchCmd creates the fetch command.
func NewFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch [url]",
		Short: "Fetch a URL through Tor and locate the relays of its circuit",
		Long: `Fetch opens one Tor circuit to the destination and sends a single
"GET" request over it. While the response arrives, the relays of the circuit
are located and shown next to the fetch progress.

The body is read for at most --body-deadline after its first bytes arrive;
a longer response is reported as truncated.

Examples:
  # Fetch through an embedded Tor daemon
  onionfetch fetch http://example.onion/

  # Use an already running Tor with its control port
  onionfetch fetch --external-tor 127.0.0.1:9050 --control 127.0.0.1:9051 https://example.com/

  # Write a Markdown report including the body
  onionfetch fetch --markdown --show-body -o report.md https://example.com/`,
		Args: cobra.MaximumNArgs(1),
		RunE: runFetchCmd,
	}

	f := cmd.Flags()

	// Tor connection flags
	f.StringP("external-tor", "e", "",
		"Use external Tor proxy at specified address (e.g., 127.0.0.1:9050)")
	f.String("control", "", "Control port of the external Tor (e.g., 127.0.0.1:9051)")
	f.String("control-password", "", "Control port password")
	f.String("control-cookie", "", "Control port authentication cookie file")
	f.DurationP("tor-timeout", "T", config.DefaultTorStartupTimeout,
		"Timeout for embedded Tor startup")
	f.Bool("no-onion", false, "Refuse .onion destinations")

	// Fetch flags
	f.DurationP("connect-timeout", "t", config.DefaultConnectTimeout,
		"Timeout for opening the tunnel")
	f.Duration("handshake-timeout", config.DefaultHandshakeTimeout,
		"Timeout for the TLS handshake")
	f.Duration("body-deadline", config.DefaultBodyDeadline,
		"How long the body is read after its first bytes")

	// Geolocation flags
	f.String("geo-endpoint", config.DefaultGeoEndpoint, "ip-api.com compatible endpoint")
	f.Duration("geo-timeout", config.DefaultGeoTimeout, "Timeout for one relay lookup")
	f.Bool("geo-via-tor", false, "Send relay lookups through Tor")

	// View flags
	f.Int("channel-capacity", config.DefaultChannelCapacity,
		"Events queued before the fetch waits for the view")
	f.Bool("drop-on-send-failure", false,
		"Discard events instead of failing when the view is gone")
	f.Duration("render-interval", config.DefaultRenderInterval, "Live view refresh period")

	// Configuration file
	f.StringP("config", "c", "",
		"Configuration file path (default: .onionfetch in current or home directory)")

	// Report flags
	f.BoolP("json", "j", false, "Output JSON report (mutually exclusive with --markdown)")
	f.BoolP("markdown", "m", false, "Output Markdown report (mutually exclusive with --json)")
	f.BoolP("show-body", "b", false, "Include the response body in the report")
	f.StringP("output", "o", "",
		"Write report to specified file path (creates directories if needed)")
	f.Bool("no-history", false, "Do not record this run in the history database")
	f.String("log-format", string(applog.FormatText), "Log format: text or json")

	return cmd
}

// runFetchCmd executes the fetch command.
func runFetchCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	format, err := cmd.Flags().GetString("log-format")
	if err != nil {
		return err
	}
	logger := applog.New(cmd.ErrOrStderr(), applog.Options{
		Verbose: cfg.Verbose,
		Format:  applog.Format(format),
	})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal, cancelling...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return runFetch(ctx, cfg, logger, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// getVerboseFlag retrieves the verbose flag from the command or its parent.
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		verbose, err = cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return false
		}
	}
	return verbose
}

// buildConfig layers defaults, the configuration file and the flags that
// were set explicitly, in that order.
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.NewConfig()
	flags := cmd.Flags()

	var err error
	cfg.ConfigFilePath, err = flags.GetString("config")
	if err != nil {
		return nil, err
	}

	// An explicit path must exist; a searched one is optional.
	configPath := config.FindConfigFile(cfg.ConfigFilePath)
	switch {
	case configPath != "":
		file, err := config.LoadConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
		if err := file.Apply(cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
		}
	case cfg.ConfigFilePath != "":
		return nil, fmt.Errorf("%w: %s", config.ErrConfigNotFound, cfg.ConfigFilePath)
	}

	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}

	if len(args) > 0 {
		cfg.TargetURL = args[0]
	}
	if getVerboseFlag(cmd) {
		cfg.Verbose = true
	}
	return cfg, nil
}

// applyFlags copies every changed flag onto cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	var errs []error

	str := func(name string, dst *string) {
		if flags.Changed(name) {
			v, err := flags.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	boolean := func(name string, dst *bool, invert bool) {
		if flags.Changed(name) {
			v, err := flags.GetBool(name)
			errs = append(errs, err)
			*dst = v != invert
		}
	}
	duration := func(name string, dst *time.Duration) {
		if flags.Changed(name) {
			v, err := flags.GetDuration(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	if flags.Changed("external-tor") {
		cfg.UseExternalTor = true
		str("external-tor", &cfg.TorProxyAddress)
	}
	str("control", &cfg.TorControlAddress)
	str("control-password", &cfg.TorControlPassword)
	str("control-cookie", &cfg.TorControlCookie)
	duration("tor-timeout", &cfg.TorStartupTimeout)
	boolean("no-onion", &cfg.AllowOnionAddrs, true)

	duration("connect-timeout", &cfg.ConnectTimeout)
	duration("handshake-timeout", &cfg.HandshakeTimeout)
	duration("body-deadline", &cfg.BodyDeadline)

	str("geo-endpoint", &cfg.GeoEndpoint)
	duration("geo-timeout", &cfg.GeoTimeout)
	boolean("geo-via-tor", &cfg.GeoViaTor, false)

	if flags.Changed("channel-capacity") {
		v, err := flags.GetInt("channel-capacity")
		errs = append(errs, err)
		cfg.ChannelCapacity = v
	}
	boolean("drop-on-send-failure", &cfg.DropOnSendFailure, false)
	duration("render-interval", &cfg.RenderInterval)

	// A format flag replaces the format from the file.
	if flags.Changed("json") || flags.Changed("markdown") {
		cfg.JSONReport, cfg.MarkdownReport = false, false
	}
	boolean("json", &cfg.JSONReport, false)
	boolean("markdown", &cfg.MarkdownReport, false)
	boolean("show-body", &cfg.ShowBody, false)
	str("output", &cfg.ReportFile)
	boolean("no-history", &cfg.SaveHistory, true)

	return errors.Join(errs...)
}

// runFetch performs one supervised run and writes its report.
func runFetch(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer) error {
	ep, err := model.ParseEndpoint(cfg.TargetURL)
	if err != nil {
		return fmt.Errorf("invalid target URL %q: %w", cfg.TargetURL, err)
	}

	logger.Info("starting fetch",
		"target", ep.URL(),
		"useExternalTor", cfg.UseExternalTor,
		"saveHistory", cfg.SaveHistory,
	)
	if !cfg.UseExternalTor {
		fmt.Fprintln(stderr, "Starting embedded Tor daemon...")
		fmt.Fprintf(stderr, "This may take 1-3 minutes while Tor bootstraps and connects to the network.\n\n")
	}

	runner, ch := newRunner(cfg, ep, logger)

	type result struct {
		report *model.FetchReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := runner.Run(ctx, ep, ch)
		done <- result{report: rep, err: err}
	}()

	loop := ui.NewLoop(ch, ui.NewLineRenderer(stderr),
		ui.WithInterval(cfg.RenderInterval),
		ui.WithLogger(logger),
	)
	_, loopErr := loop.Run(ctx)
	res := <-done

	if err := outputReport(cfg, res.report, stdout); err != nil {
		logger.Error("report failed", "error", err)
	}
	if cfg.SaveHistory {
		if err := saveHistory(cfg.HistoryDir, res.report, logger); err != nil {
			logger.Error("failed to save fetch history", "error", err)
		}
	}

	if res.err != nil {
		return fmt.Errorf("fetch failed: %w", res.err)
	}
	return loopErr
}

// newRunner wires the Tor factory, the relay locator and the fetch stages
// into a runner, with the event channel it publishes on.
func newRunner(cfg *config.Config, ep model.Endpoint, logger *slog.Logger) (*pipeline.Runner, *notify.Channel) {
	factory := tor.NewFactory(tor.FactoryConfig{
		TargetHost:      ep.Host,
		AllowOnionAddrs: cfg.AllowOnionAddrs,
		UseExternalTor:  cfg.UseExternalTor,
		ProxyAddress:    cfg.TorProxyAddress,
		ControlAddress:  cfg.TorControlAddress,
		ControlAuth: tor.ControlAuth{
			Password:   cfg.TorControlPassword,
			CookiePath: cfg.TorControlCookie,
		},
		StartupTimeout: cfg.TorStartupTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
	}, logger)

	geoOpts := []geo.IPAPIOption{
		geo.WithEndpoint(cfg.GeoEndpoint),
		geo.WithTimeout(cfg.GeoTimeout),
	}
	locator := newSwitchLocator(geo.NewIPAPI(geoOpts...))

	boot := pipeline.BootstrapFunc(func(ctx context.Context) (pipeline.Connector, error) {
		client, err := factory.Bootstrap(ctx)
		if err != nil {
			return nil, err
		}
		if cfg.GeoViaTor {
			if hc := client.HTTPClient(); hc != nil {
				locator.use(geo.NewIPAPI(append(geoOpts, geo.WithHTTPClient(hc))...))
				logger.Debug("relay lookups routed through Tor")
			} else {
				logger.Warn("Tor cannot carry relay lookups, querying directly")
			}
		}
		return client, nil
	})

	runner := pipeline.NewRunner(boot,
		inspect.New(locator, inspect.WithLogger(logger)),
		pipeline.WithUpgrader(fetch.NewUpgrader(fetch.WithHandshakeTimeout(cfg.HandshakeTimeout))),
		pipeline.WithRequesterOptions(fetch.WithBodyDeadline(cfg.BodyDeadline)),
		pipeline.WithRunnerLogger(logger),
	)

	policy := notify.SendFatal
	if cfg.DropOnSendFailure {
		policy = notify.SendDrop
	}
	return runner, notify.New(cfg.ChannelCapacity, notify.WithSendPolicy(policy))
}

// switchLocator forwards lookups to a locator that can be replaced once the
// Tor client is up.
type switchLocator struct {
	current atomic.Pointer[geo.Locator]
}

func newSwitchLocator(initial geo.Locator) *switchLocator {
	s := &switchLocator{}
	s.use(initial)
	return s
}

func (s *switchLocator) use(l geo.Locator) {
	s.current.Store(&l)
}

// Lookup implements geo.Locator.
func (s *switchLocator) Lookup(ctx context.Context, ip string) (geo.Location, error) {
	return (*s.current.Load()).Lookup(ctx, ip)
}

// outputReport writes the report in the configured format to the report
// file, or to stdout.
func outputReport(cfg *config.Config, rep *model.FetchReport, stdout io.Writer) error {
	if rep == nil {
		return nil
	}

	output := stdout
	if cfg.ReportFile != "" {
		dir := filepath.Dir(cfg.ReportFile)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}

		// The report names the destination, so only the owner may read it.
		f, err := os.OpenFile(cfg.ReportFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		output = f
	}

	var w report.Writer
	switch {
	case cfg.JSONReport:
		w = report.NewJSONWriter(output, report.WithPrettyPrint(), report.WithVersion(getVersion()))
	case cfg.MarkdownReport:
		w = report.NewMarkdownWriter(output, report.WithMarkdownBody(cfg.ShowBody))
	default:
		w = report.NewSimpleWriter(output,
			report.WithShowBody(cfg.ShowBody),
			report.WithVerbose(cfg.Verbose),
		)
	}
	_, err := w.Write(rep)
	return err
}

// saveHistory records rep in the history database under dir.
func saveHistory(dir string, rep *model.FetchReport, logger *slog.Logger) error {
	if rep == nil {
		return nil
	}

	store, err := history.Open(dir, history.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), historySaveTimeout)
	defer cancel()

	id, err := store.Record(ctx, rep)
	if err != nil {
		return err
	}
	logger.Debug("fetch recorded in history", "id", id, "path", store.Path())
	return nil
}
