package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/health-cache/server"
	"github.com/wolfeidau/health-cache/telemetry"
)

// ServeCmd runs the development origin until interrupted.
type ServeCmd struct {
	Address string `help:"Address to listen on." placeholder:"HOST:PORT"`
	Root    string `help:"App shell directory." type:"path" placeholder:"DIR"`
}

func (c *ServeCmd) Run(ctx context.Context, app *App) error {
	cfg := app.cfg.Server
	if c.Address != "" {
		cfg.Address = c.Address
	}
	if c.Root != "" {
		cfg.Root = c.Root
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "health-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     app.cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: app.cfg.Metrics.Prometheus,
		FlushInterval:    app.cfg.Metrics.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			app.logger.Warn("shutting down metrics", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address: cfg.Address,
		Root:    cfg.Root,
		Logger:  app.logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
