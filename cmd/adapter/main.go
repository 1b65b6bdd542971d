// Command adapter is the qqbroker process entrypoint: it loads
// configuration, wires the Broker, and runs until an interrupt or
// SIGTERM arrives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/qqbroker/adapter/internal/broker"
	"github.com/qqbroker/adapter/internal/config"
	"github.com/qqbroker/adapter/internal/logging"
	"github.com/qqbroker/adapter/internal/metrics"
)

func main() {
	var debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Str("upstream_url", cfg.UpstreamURL).
		Int("port", cfg.Port).
		Str("environment", cfg.Environment).
		Msg("starting qqbroker adapter")

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	b, err := broker.New(cfg, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct broker")
	}

	b.Stream().SetMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	b.Stream().SetHealthFunc(func() map[string]any {
		return map[string]any{"upstream": b.UpstreamState()}
	})
	b.Stream().SetSystemSnapshotFunc(func() any {
		return b.Metrics().Snapshot()
	})

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	// Run blocks until ctx is cancelled (by the signal handler above)
	// and then performs its own bounded shutdown before returning.
	if err := b.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("broker exited with error")
		os.Exit(1)
	}

	logger.Info().Msg("qqbroker adapter stopped")
}
