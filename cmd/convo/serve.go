package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/convo/internal/httpapi"
	"github.com/rendis/convo/internal/loader"
	"github.com/rendis/convo/internal/scheduler"
	"github.com/rendis/convo/internal/streaming"
)

// newServeCmd creates the "serve" subcommand.
func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, keep run timers alive and optionally serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, c)
		},
	}
	cmd.Flags().String("graphs-dir", "", "Import every graph file in this directory on start (overrides graphs_dir)")
	cmd.Flags().Bool("events", false, "Print lifecycle events as JSON lines to stderr")
	cmd.Flags().String("listen", "", "Serve the HTTP API on this address, e.g. :4100 (overrides listen_addr)")
	return cmd
}

func runServe(cmd *cobra.Command, c *cli) error {
	cfg := c.cfg
	if dir, _ := cmd.Flags().GetString("graphs-dir"); dir != "" {
		cfg.GraphsDir = dir
	}
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		cfg.ListenAddr = addr
	}
	printEvents, _ := cmd.Flags().GetBool("events")
	logger := c.logger

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return exitError(exitRuntime, "initializing telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		obs.logSummary(shutdownCtx, logger)
		if err := obs.shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	a, err := newApp(ctx, cfg, logger, appOptions{out: cmd.OutOrStdout(), publishers: obs.publishers})
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.GraphsDir != "" {
		graphs, err := loader.LoadDir(cfg.GraphsDir)
		if err != nil {
			return err
		}
		for _, g := range graphs {
			if err := a.importGraph(ctx, g); err != nil {
				return err
			}
		}
		logger.InfoContext(ctx, "graphs imported", slog.String("dir", cfg.GraphsDir), slog.Int("count", len(graphs)))
	}

	armed, err := a.engine.RestoreTimers(ctx)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "timers restored", slog.Int("count", armed))

	if printEvents {
		events, cancel, err := a.hub.Subscribe(ctx, streaming.EventFilter{})
		if err != nil {
			return err
		}
		defer cancel()
		go streamEvents(ctx, events, cmd.ErrOrStderr())
	}

	sched, err := scheduler.New(a.engine, scheduler.Config{
		SweepSchedule: cfg.SweepSchedule,
		Triggers:      cfg.Triggers,
	}, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return exitError(exitRuntime, "starting scheduler: %v", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler stop", slog.String("error", err.Error()))
		}
	}()
	logger.InfoContext(ctx, "convo serving",
		slog.String("sweep", cfg.SweepSchedule),
		slog.Int("triggers", len(cfg.Triggers)),
		slog.String("listen", cfg.ListenAddr),
	)

	if cfg.ListenAddr == "" {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	}

	api := httpapi.NewServer(httpapi.Deps{
		Engine:    a.engine,
		Store:     a.store,
		Validator: a.validator,
		Hub:       a.hub,
		Triggers:  sched,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// streamEvents writes each lifecycle event as a JSON line until ctx ends.
func streamEvents(ctx context.Context, events <-chan streaming.LifecycleEvent, w io.Writer) {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			_ = enc.Encode(e)
		}
	}
}
