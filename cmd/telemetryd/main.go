package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telemetry-go/pkg/config"
	"telemetry-go/pkg/exposition"
	"telemetry-go/pkg/metrics"
)

func main() {
	// Setup structured logging
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Command-line flags
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Msg("Starting telemetryd...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && cfg.Logging.Level != "" && !*debug {
		zerolog.SetGlobalLevel(lvl)
	}

	policy, err := metrics.ParseGaugePolicy(cfg.GaugePolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("Error in gauge policy configuration")
	}

	registry := metrics.NewRegistry(metrics.Options{
		Alpha:       cfg.SketchAccuracy,
		GaugePolicy: policy,
		Logger:      log.Logger,
	})
	registry.MustRegister("telemetry_uptime_seconds", metrics.KindGauge,
		"Seconds since the daemon started.", "seconds")
	registry.MustRegister("telemetry_goroutines", metrics.KindGauge,
		"Goroutines currently live in the daemon.", "")

	aggregator := metrics.NewAggregator(registry, cfg.AggregationInterval, cfg.StalenessThreshold, log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP re-reads the config file for the settings that can change at
	// runtime (currently the log level).
	reloader := config.NewReloader(*configPath, log.Logger)
	reloader.Register(logLevel{})
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			reloader.PerformReload()
		}
	}()

	go aggregator.Run(ctx)
	go selfInstrument(ctx, registry, cfg.AggregationInterval)

	server := exposition.NewServer(cfg, aggregator, log.Logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("Scrape server failed")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Scrape server shutdown failed")
	}
	log.Info().Msg("telemetryd stopped")
}

// logLevel applies the logging section of a reloaded configuration.
type logLevel struct{}

func (logLevel) Reconfigure(cfg *config.Config) error {
	if cfg.Logging.Level == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// selfInstrument keeps a few daemon health gauges up to date from its own
// worker recorder.
func selfInstrument(ctx context.Context, registry *metrics.Registry, interval time.Duration) {
	rec := registry.Recorder()
	defer rec.Close()

	uptime, err := rec.Gauge("telemetry_uptime_seconds", nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve uptime gauge")
		return
	}
	goroutines, err := rec.Gauge("telemetry_goroutines", nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve goroutine gauge")
		return
	}

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			uptime.Set(time.Since(start).Seconds())
			goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
