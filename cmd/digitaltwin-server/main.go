package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"digitaltwin-server/internal/broadcast"
	"digitaltwin-server/internal/config"
	"digitaltwin-server/internal/logging"
	"digitaltwin-server/internal/metrics"
	"digitaltwin-server/internal/physics"
	"digitaltwin-server/internal/server"
	"digitaltwin-server/internal/session"
	"digitaltwin-server/internal/tick"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "digitaltwin-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	mx := metrics.New()

	engine := physics.New(physics.Config{HistoryCapacity: cfg.HistoryCapacity})
	engine.SetRPMTarget(cfg.RPMDefaultTarget)

	pool := broadcast.NewPool(cfg.PoolSlots, cfg.PoolSlotBytes)
	sessions := session.NewSet(mx)

	sessCfg := session.Config{
		OutboundQueue: cfg.SessionOutboundQueue,
		InboundRateHz: cfg.SessionInboundRateHz,
		InboundBurst:  cfg.SessionInboundBurst,
		WriteTimeout:  cfg.SessionWriteTimeout,
	}

	wsServer := server.New(cfg.ListenAddr, engine, sessions, logger, mx, sessCfg)
	if err := wsServer.Start(); err != nil {
		return fmt.Errorf("start websocket listener: %w", err)
	}

	metricsSrv := server.NewMetricsServer(cfg.MetricsAddr, sessions, mx)

	driver := tick.New(engine, pool, sessions, logger, mx, cfg.TickPeriod())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go mx.SampleProcess(ctx, cfg.MetricsSampleInterval)

	metricsErrCh := make(chan error, 1)
	go func() {
		metricsErrCh <- metricsSrv.Run(ctx, logger)
	}()

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("metrics_addr", cfg.MetricsAddr).
		Float64("tick_hz", cfg.TickHz).
		Msg("digitaltwin-server starting")

	driver.Run(ctx)

	logger.Info().Msg("shutdown signal received, draining sessions")
	sessions.CloseAll()
	wsServer.Stop()

	if err := <-metricsErrCh; err != nil {
		logger.Error().Err(err).Msg("metrics server exited with error")
	}

	return nil
}
