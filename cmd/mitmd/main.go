/*
mitmd - a MITM HTTP/HTTPS forward proxy.

Usage:

	mitmd [flags]
	mitmd version
	mitmd generate-ca [--force]
	mitmd config dump [flags]
	mitmd config validate [flags]
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelproxy/mitmd/internal/config"
	"github.com/kestrelproxy/mitmd/internal/logging"
	"github.com/kestrelproxy/mitmd/internal/mitm"
	"github.com/kestrelproxy/mitmd/internal/probe"
	"github.com/kestrelproxy/mitmd/internal/proxy"
	"github.com/kestrelproxy/mitmd/internal/stats"
	"github.com/kestrelproxy/mitmd/internal/version"
)

const statusPath = "/_mitm/status"

var (
	flagListen      string
	flagLogDir      string
	flagVerbose     bool
	flagTrustBundle string
	flagConfigPath  string
	flagForceCA     bool
)

var rootCmd = &cobra.Command{
	Use:   "mitmd",
	Short: "mitmd - a MITM HTTP/HTTPS forward proxy",
	RunE:  runProxy,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

var generateCACmd = &cobra.Command{
	Use:   "generate-ca",
	Short: "Generate a CA certificate and private key for MITM interception",
	RunE:  runGenerateCA,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: mitmd.yml in current directory)")

	rootCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "listen address (host:port)")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")
	rootCmd.Flags().StringVar(&flagTrustBundle, "trust-bundle", "", "extra PEM file of trusted roots for upstream connections")

	generateCACmd.Flags().BoolVar(&flagForceCA, "force", false, "overwrite existing CA files")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(generateCACmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and merges configuration from file and CLI flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	overrides := config.CLIOverrides{}
	if cmd.Flags().Changed("listen") {
		overrides.Listen = &flagListen
	}
	if cmd.Flags().Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if cmd.Flags().Changed("verbose") {
		overrides.Verbose = &flagVerbose
	}
	if cmd.Flags().Changed("trust-bundle") {
		overrides.TrustBundle = &flagTrustBundle
	}
	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// statusAdapter bridges a proxy.Server and a stats.Collector into the
// probe.Stats interface the status endpoint serves.
type statusAdapter struct {
	srv       *proxy.Server
	collector *stats.Collector
}

func (a statusAdapter) ConnectionsTotal() int64  { return a.collector.Snapshot().ConnectionsTotal }
func (a statusAdapter) ConnectionsActive() int64 { return a.collector.Snapshot().ConnectionsActive }
func (a statusAdapter) BytesInbound() int64      { return a.collector.Snapshot().BytesInbound }
func (a statusAdapter) BytesOutbound() int64     { return a.collector.Snapshot().BytesOutbound }
func (a statusAdapter) CertsMinted() int64       { return a.collector.Snapshot().CertsMinted }
func (a statusAdapter) AcceptorCacheSize() int   { return a.srv.AcceptorCacheSize() }
func (a statusAdapter) Uptime() time.Duration    { return a.srv.Uptime() }

func runProxy(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logResult := logging.Setup(logging.Config{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
	})
	defer logResult.Cleanup()
	logger := logResult.Logger

	ca, err := mitm.LoadCA(cfg.CA.Cert, cfg.CA.Key)
	if err != nil {
		return fmt.Errorf("mitm: %w (run 'mitmd generate-ca' to create CA files)", err)
	}

	daysUntilExpiry := time.Until(ca.NotAfter).Hours() / 24
	if daysUntilExpiry < 30 {
		logger.Warn("mitm CA certificate expires soon",
			"expires", ca.NotAfter.Format("2006-01-02"),
			"days_remaining", int(daysUntilExpiry),
		)
	}

	collector := stats.NewCollector()

	acceptors, err := mitm.NewAcceptorMap(ca, cfg.MITM.TTI.Duration, cfg.MITM.LeafValidity.Duration)
	if err != nil {
		return fmt.Errorf("mitm: build acceptor map: %w", err)
	}
	acceptors.OnMint(func(host string) {
		logger.Debug("minted leaf certificate", "host", host)
		collector.CertMinted()
		collector.AcceptorCacheMiss()
	})
	acceptors.OnHit(func(host string) {
		collector.AcceptorCacheHit()
	})

	connector, err := mitm.NewConnector(cfg.Trust.Bundle)
	if err != nil {
		return fmt.Errorf("mitm: build upstream connector: %w", err)
	}

	statsDB, err := initStatsDB(&cfg, collector, logger)
	if err != nil {
		return err
	}
	if statsDB != nil {
		defer statsDB.Close() //nolint:errcheck // best-effort on shutdown (includes final flush)
		statsDB.Start()
	}

	srv := proxy.NewServer(proxy.Config{
		Acceptors:         acceptors,
		Connector:         connector,
		Logger:            logger,
		Stats:             collector,
		ConnectTimeout:    cfg.Timeouts.Connect.Duration,
		ReadHeaderTimeout: cfg.Timeouts.ReadHeader.Duration,
		StatusPath:        statusPath,
	})
	srv.SetStatusHandlerFunc(probe.Handler(statusAdapter{srv: srv, collector: collector}))

	stopEvict := startAcceptorEviction(acceptors, cfg.MITM.TTI.Duration, logger)
	defer stopEvict()

	return runServer(&cfg, srv, logger)
}

// initStatsDB opens the stats database if enabled. Returns (nil, nil)
// when stats are disabled in config.
func initStatsDB(cfg *config.Config, collector *stats.Collector, logger *slog.Logger) (*stats.DB, error) {
	if !cfg.Stats.Enabled {
		return nil, nil
	}

	db, err := stats.Open(cfg.Stats.DBPath, collector, logger, cfg.Stats.FlushInterval.Duration)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	logger.Info("stats database initialized",
		"path", cfg.Stats.DBPath,
		"flush_interval", cfg.Stats.FlushInterval.Duration,
	)
	return db, nil
}

// startAcceptorEviction runs a background sweep of the acceptor map's
// idle leaf-certificate cache, at the same cadence as the TTI itself.
// Returns a function that stops the sweep.
func startAcceptorEviction(acceptors *mitm.AcceptorMap, tti time.Duration, logger *slog.Logger) func() {
	if tti <= 0 {
		tti = time.Minute
	}
	ticker := time.NewTicker(tti)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := acceptors.Evict(time.Now()); n > 0 {
					logger.Debug("evicted idle acceptor entries", "count", n)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func runServer(cfg *config.Config, srv *proxy.Server, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy starting",
			"version", version.Full(),
			"addr", cfg.Listen,
			"log_dir", cfg.LogDir,
			"verbose", cfg.Verbose,
			"stats_enabled", cfg.Stats.Enabled,
		)
		errCh <- srv.Serve(cfg.Listen)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	logger.Info("proxy stopped")
	return nil
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	_, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fmt.Println("config: valid")
	return nil
}

func runGenerateCA(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := mitm.GenerateCA(cfg.CA.Cert, cfg.CA.Key, flagForceCA); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "CA certificate: %s\n", cfg.CA.Cert)
	fmt.Fprintf(os.Stderr, "CA private key: %s\n", cfg.CA.Key)
	fmt.Fprintln(os.Stderr, "Install the CA certificate on client devices to enable MITM interception.")
	return nil
}
