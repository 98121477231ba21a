// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/rcd/internal/api"
	"github.com/ManuGH/rcd/internal/buffer"
	"github.com/ManuGH/rcd/internal/config"
	"github.com/ManuGH/rcd/internal/diagnostics"
	"github.com/ManuGH/rcd/internal/domain/rc/manager"
	"github.com/ManuGH/rcd/internal/domain/rc/store"
	"github.com/ManuGH/rcd/internal/log"
	"github.com/ManuGH/rcd/internal/relay"
	"github.com/ManuGH/rcd/internal/telemetry"
	"github.com/ManuGH/rcd/internal/transport"
	"github.com/ManuGH/rcd/internal/transport/ws"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rcd: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "rcd",
	})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Msg("daemon stopped")
}

func run(ctx context.Context, cfg config.Config, configPath string) error {
	logger := log.WithComponent("daemon")
	logger.Info().
		Str("version", version).
		Str("store", cfg.Store.Backend).
		Str("bus", cfg.Bus.Backend).
		Str("listen", cfg.Listen).
		Msg("starting rcd")

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "rcd",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("tracing initialization failed, continuing without traces")
	} else {
		defer func() {
			if err := tracing.Shutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("tracing shutdown error")
			}
		}()
		if cfg.Telemetry.Enabled {
			logger.Info().
				Str("exporter", cfg.Telemetry.Exporter).
				Str("endpoint", cfg.Telemetry.Endpoint).
				Float64("sampling_rate", cfg.Telemetry.SamplingRate).
				Msg("tracing initialized")
		}
	}

	st, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	bus, err := openBus(cfg.Bus)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer func() { _ = bus.Close() }()

	diag := diagnostics.NewRegistry()
	relays := relay.NewSupervisor(relay.Options{
		ControlEventsPerSecond: cfg.Relay.ControlEventsPerSecond,
		ControlBurst:           cfg.Relay.ControlBurst,
		Buffer: buffer.Config{
			MaxBytes:      cfg.Relay.MaxBufferBytes,
			MaxFrames:     cfg.Relay.MaxBufferFrames,
			DropThreshold: cfg.Relay.DropThreshold,
		},
	})

	orch := manager.New(st, bus, relays, diag, manager.Config{
		TimeoutWindow: cfg.Session.TimeoutWindow,
	})
	defer orch.Shutdown()

	holder := config.NewHolder(cfg, configPath)
	holder.OnReload(func(next config.Config) {
		orch.SetTimeoutWindow(next.Session.TimeoutWindow)
	})
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable")
	}

	wsHandler := ws.NewHandler(orch, relays, bus, ws.Options{
		DeviceToken:       cfg.Secure.DeviceToken,
		RequireEncryption: cfg.Secure.RequireEncryption,
	})
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(orch, relays, diag, wsHandler).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sweeper := &manager.Sweeper{
			Orch: orch,
			Conf: manager.SweeperConfig{
				Interval:         cfg.Session.SweepInterval,
				SessionRetention: cfg.Session.SessionRetention,
			},
		}
		sweeper.Run(gctx)
		return nil
	})

	if cfg.Diagnostics.ReportPath != "" {
		g.Go(func() error {
			reporter := diagnostics.NewReporter(diag, cfg.Diagnostics.ReportPath, cfg.Diagnostics.ReportInterval)
			reporter.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openBus(cfg config.BusConfig) (transport.Bus, error) {
	switch cfg.Backend {
	case "", "memory":
		return transport.NewMemoryBus(), nil
	case "redis":
		return transport.NewRedisBus(transport.RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}
