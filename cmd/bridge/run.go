package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/homeiac/claude-mqtt-bridge/internal/bridge"
	"github.com/homeiac/claude-mqtt-bridge/internal/config"
	"github.com/homeiac/claude-mqtt-bridge/internal/metrics"
	"github.com/homeiac/claude-mqtt-bridge/internal/telemetry"
	xlog "github.com/homeiac/claude-mqtt-bridge/log"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bridge and block until terminated",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	log := xlog.WithZero(xlog.ZeroOptions{PrettyPrint: true})

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		log.Info("mqtt bridge disabled (MQTT_ENABLED=false), exiting")
		return nil
	}

	m, err := metrics.New()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err.Error()).Warning("metrics server stopped")
		}
	}()
	defer func() { _ = srv.Close() }()

	tel, err := telemetry.Setup(cfg.OTELTracesExporter, cfg.SentryDSN, telemetry.WithLogger(log))
	if err != nil {
		return err
	}
	defer tel.Flush(context.Background())

	b, err := bridge.New(cfg, bridge.WithLogger(log), bridge.WithMetrics(m), bridge.WithTelemetry(tel))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.WithField("signal", sig.String()).Info("received shutdown signal")
			cancel()
		case <-runCtx.Done():
		}
	}()

	return b.Run(runCtx)
}
