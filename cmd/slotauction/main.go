package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/eigerco/slotauction/internal/config"
	"github.com/eigerco/slotauction/internal/runtime"
	"github.com/eigerco/slotauction/pkg/db/pebble"
	"github.com/eigerco/slotauction/pkg/log"
)

const programName = "slotauction"

// version is set at build time with -ldflags "-X main.version=...".
var version = "devel"

var (
	globalFlags = struct {
		debug       bool
		metricsAddr string
	}{}
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Parachain slot auction and crowdloan simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().
		StringVar(&globalFlags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if globalFlags.metricsAddr != "" {
			cfg.MetricsAddr = globalFlags.metricsAddr
		}
		opts, err := cfg.LogOptions(globalFlags.debug)
		if err != nil {
			return err
		}
		opts.Output = cmd.ErrOrStderr()
		log.Init(opts)
		if _, err := maxprocs.Set(maxprocs.Logger(func(format string, v ...any) {
			log.Root.Debug().Msgf(format, v...)
		})); err != nil {
			return fmt.Errorf("set GOMAXPROCS: %w", err)
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(simulateCommand())
	rootCmd.AddCommand(leasesCommand())
	rootCmd.AddCommand(versionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", programName, version)
			return err
		},
	}
}

// openRuntime builds a runtime over the configured database, in memory when
// no path is set.
func openRuntime(cfg *config.Config, reg prometheus.Registerer) (*runtime.Runtime, error) {
	kv, err := pebble.NewKVStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	r, err := runtime.New(cfg, kv, reg)
	if err != nil {
		return nil, errors.Join(err, kv.Close())
	}
	return r, nil
}

// serveMetrics starts the metrics listener if an address is configured and
// returns a function stopping it.
func serveMetrics(cfg *config.Config, reg *prometheus.Registry) func() {
	if cfg.MetricsAddr == "" {
		return func() {}
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	log.Root.Info().Str("addr", cfg.MetricsAddr).Msg("serving prometheus metrics")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Root.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	return func() { _ = srv.Close() }
}
