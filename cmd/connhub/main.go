package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adred-codev/connhub/internal/events"
	"github.com/adred-codev/connhub/internal/hub"
	"github.com/adred-codev/connhub/internal/monitoring"
	"github.com/adred-codev/connhub/internal/server"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := hub.LoadConfig(nil)
	if err != nil {
		bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler, err := monitoring.NewProcessSampler(logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Process sampler unavailable, /health omits process stats")
		sampler = nil
	} else {
		go sampler.Run(ctx, cfg.MetricsInterval)
	}

	gw := hub.NewGateway(*cfg, logger, nil)
	gw.Start(ctx)

	var bridge *events.Bridge
	if cfg.NATSURL != "" {
		bridge, err = events.New(cfg.NATSURL, cfg.NATSSubjectPrefix, gw.Router(), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect event bridge")
		}
		if err := bridge.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start event bridge")
		}
	} else {
		logger.Info().Msg("NATS_URL not set, event bridge disabled")
	}

	srv := server.New(*cfg, logger, gw, sampler)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Stop accepting connections and taking events, then drain the hub.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown error")
	}
	if bridge != nil {
		bridge.Close()
	}
	gw.Shutdown()

	logger.Info().Msg("Shutdown complete")
}
