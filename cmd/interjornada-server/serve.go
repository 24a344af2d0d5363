package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/interjornada/server/internal/httpapi"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/service"
	"github.com/BrandonDHaskell/interjornada/server/internal/platform/health"
	"github.com/BrandonDHaskell/interjornada/server/internal/platform/otel"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, session projection, reconciliation and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	shutdownTracing, err := otel.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	groups, err := a.startupGroups(ctx)
	if err != nil {
		return err
	}
	logger.Printf("groups: denial=%d default=%d exemption=%v", groups.Denial, groups.Default, groups.Exemption != nil)

	reconciler := a.reconciler(groups)
	if n, err := reconciler.SyncDirectory(ctx, a.gateway); err != nil {
		// The mirror from the last run is still usable.
		logger.Printf("directory sync failed: %v", err)
	} else {
		logger.Printf("directory sync: %d employees", n)
	}

	projector := a.projector(groups, reconciler)
	query := service.NewQueryService(a.events, a.sessions, a.employees, a.audit, projector, nil)

	worker := service.NewIngestionWorker(a.gateway, a.events, service.IngestConfig{
		PollInterval:    cfg.Ingest.PollInterval,
		RetryDelay:      cfg.Ingest.RetryDelay,
		BatchSize:       cfg.Ingest.BatchSize,
		ErrorCeiling:    cfg.Ingest.ErrorCeiling,
		ResetProbeEvery: cfg.Ingest.ResetProbeEvery,
	}, nil, a.alerter, logger)

	scheduler := service.NewScheduler(projector, reconciler, cfg.Schedule.SweepInterval, cfg.Schedule.ReconcileInterval, nil, logger)
	worker.OnIngested = func(int) { scheduler.Kick() }

	pruner := service.NewPruner(a.events, a.sessions, a.audit, service.PrunerConfig{
		RetentionDays: cfg.Schedule.RetentionDays,
		IntervalHours: cfg.Schedule.PruneIntervalHours,
	}, nil, logger)

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:    logger,
		Addr:      cfg.HTTPAddr,
		Query:     query,
		Projector: projector,
		Worker:    worker,
		Gateway:   a.gateway,
	})

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var healthDone chan error
	if cfg.GRPCHealthAddr != "" {
		hs, err := health.Listen(cfg.GRPCHealthAddr, logger)
		if err != nil {
			return err
		}
		healthDone = make(chan error, 1)
		go hs.Watch(ctx, worker, cfg.Ingest.PollInterval)
		go func() { healthDone <- hs.Serve(ctx) }()
	}

	worker.Start(ctx)
	scheduler.Start(ctx)
	pruner.Start(ctx)

	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	worker.Stop()
	scheduler.Stop()
	pruner.Stop()
	if healthDone != nil {
		if err := <-healthDone; err != nil {
			logger.Printf("health: %v", err)
		}
	}
	return nil
}
