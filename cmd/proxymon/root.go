package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/nikiz24/proxymon"
	"github.com/nikiz24/proxymon/internal/server"
)

const shutdownTimeout = 10 * time.Second

var version = "dev"

type rootFlags struct {
	configFile string
	addr       string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:   "proxymon",
		Short: "Proxy traffic health monitor",
		Long: `proxymon ingests request lifecycle events from a proxied client, classifies
failures, retries transient proxy errors with exponential backoff and reports
a health score over HTTP and Prometheus remote write.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "YAML file with monitor overrides (env PROXYMON_CONFIG)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error (env PROXYMON_LOG_LEVEL)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveDaemonConfig(cmd, flags)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	serve.Flags().StringVar(&flags.addr, "addr", "", "listen address (env PROXYMON_ADDR)")

	config := &cobra.Command{
		Use:   "config",
		Short: "Print the effective monitor configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveDaemonConfig(cmd, flags)
			if err != nil {
				return err
			}
			monCfg, err := buildMonitorConfig(cfg.ConfigFile)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(newEffectiveConfig(monCfg))
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serve, config, versionCmd)
	return root
}

// resolveDaemonConfig layers explicitly set flags over the environment.
func resolveDaemonConfig(cmd *cobra.Command, flags rootFlags) (daemonConfig, error) {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return daemonConfig{}, err
	}
	if f := cmd.Flags().Lookup("config"); f != nil && f.Changed {
		cfg.ConfigFile = flags.configFile
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.LogLevel = flags.logLevel
	}
	if f := cmd.Flags().Lookup("addr"); f != nil && f.Changed {
		cfg.Addr = flags.addr
	}
	return cfg, nil
}

func buildMonitorConfig(path string) (proxymon.Config, error) {
	overrides, err := loadOverrides(path)
	if err != nil {
		return proxymon.Config{}, err
	}
	return proxymon.BuildConfig(overrides)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func runServe(parent context.Context, cfg daemonConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	monCfg, err := buildMonitorConfig(cfg.ConfigFile)
	if err != nil {
		return err
	}
	monCfg.Logger = logger

	var opts []proxymon.Option
	if cfg.RetryWebhook != "" {
		hook := newRetryWebhook(cfg.RetryWebhook, cfg.RetryWebhookTimeout, logger)
		opts = append(opts, proxymon.WithRetryFunc(hook.Reissue))
	}

	mon, err := proxymon.New(monCfg, cfg.Metrics.exporterConfig(), opts...)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	defer mon.Stop()

	if err := mon.Start(); err != nil {
		return fmt.Errorf("failed to start exporter: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mon.PrometheusCollector(),
	)

	feed := proxymon.NewFeed(cfg.EventBuffer)
	handler := server.New(feed, mon, reg, logger)
	e := server.NewEcho(handler, server.Config{
		Addr:      cfg.Addr,
		BodyLimit: cfg.BodyLimit,
		RateLimit: server.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
	}, logger)

	logger.Info("starting proxymon",
		zap.String("version", version),
		zap.String("addr", cfg.Addr),
		zap.Bool("retry_webhook", cfg.RetryWebhook != ""))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := mon.Run(gctx, feed); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		feed.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		return err
	}
	return nil
}
