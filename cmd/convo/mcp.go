package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/convo/internal/scheduler"
	convomcp "github.com/rendis/convo/pkg/mcp"
)

// newMCPCmd creates the "mcp" subcommand.
func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve convo tools to an MCP client over stdio",
		Long: "Serve convo tools to an MCP client over stdin/stdout. Outbound messages go to\n" +
			"webhook_url when set, otherwise to stderr. Timers and the expiry sweep run while\n" +
			"the session is open.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := c.logger

			// stdout carries the protocol.
			a, err := newApp(ctx, c.cfg, logger, appOptions{out: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.close()

			srv := convomcp.NewConvoServer(convomcp.ConvoServerDeps{
				Engine:    a.engine,
				Store:     a.store,
				Validator: a.validator,
				Logger:    logger,
			})
			a.fanout.Add(srv.Notifier())

			if _, err := a.engine.RestoreTimers(ctx); err != nil {
				return err
			}
			sched, err := scheduler.New(a.engine, scheduler.Config{SweepSchedule: c.cfg.SweepSchedule}, logger)
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

			logger.InfoContext(ctx, "convo mcp serving on stdio")
			return srv.Serve(ctx)
		},
	}
}
