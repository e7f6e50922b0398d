package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/convo/internal/actions"
	"github.com/rendis/convo/internal/channel"
	"github.com/rendis/convo/internal/engine"
	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/internal/isolation"
	"github.com/rendis/convo/internal/lock"
	"github.com/rendis/convo/internal/nodes"
	"github.com/rendis/convo/internal/plugins"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/internal/validation"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	mutex     lock.Mutex
	actions   *actions.Registry
	nodes     *nodes.Registry
	plugins   *plugins.Manager
	hub       *streaming.MemoryHub
	fanout    *streaming.Fanout
	engine    *engine.Engine
	validator *validation.GraphValidator

	closers []func() error
}

// appOptions customize newApp for a command.
type appOptions struct {
	// out receives outbound messages when no webhook is configured.
	out io.Writer
	// publishers are added to the lifecycle fanout, e.g. telemetry handlers.
	publishers []streaming.Publisher
}

// newToolchain builds the action and node registries and the validator,
// without touching the database. The caller must call close.
func newToolchain(ctx context.Context, cfg Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := a.buildActions(ctx); err != nil {
		return nil, err
	}
	conds, err := expressions.NewConditions()
	if err != nil {
		return nil, err
	}
	a.nodes = nodes.NewRegistry()
	invoker := actions.NewInvoker(a.actions, actions.NewBreakers(actions.DefaultBreakerConfig()), logger)
	if err := nodes.RegisterBuiltins(a.nodes, nodes.Deps{
		Conditions: conds,
		JQ:         expressions.NewGoJQEngine(),
		Invoker:    invoker,
	}); err != nil {
		return nil, err
	}
	a.validator, err = validation.NewGraphValidator(
		validation.WithActions(a.actions),
		validation.WithKinds(a.nodes),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newApp builds the toolchain, opens the store and builds the engine. The
// caller must call close.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger, opts appOptions) (a *app, err error) {
	a, err = newToolchain(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	dsn, err := storeDSN(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.store, err = store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)
	if err := a.store.Migrate(ctx); err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		rm, err := lock.NewRedisMutexFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rm.Close)
		a.mutex = rm
	} else {
		a.mutex = lock.NewMemoryMutex()
	}

	a.hub = streaming.NewMemoryHub()
	a.fanout = streaming.NewFanout(logger, streaming.NewEventLogPublisher(a.store), a.hub)
	for _, p := range opts.publishers {
		a.fanout.Add(p)
	}

	a.engine, err = engine.New(engine.Deps{
		Store:      a.store,
		Mutex:      a.mutex,
		Dispatcher: nodes.NewEffectDispatcher(a.nodes, a.sender(opts.out), logger),
		Publisher:  a.fanout,
		Logger:     logger,
	}, engine.Config{
		MaxSteps:        cfg.MaxSteps,
		MaxInteractions: cfg.MaxInteractions,
		RunTTL:          cfg.RunTTL,
		LockTTL:         cfg.LockTTL,
		LockWait:        cfg.LockWait,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildActions registers http.request, script.run and, when MCP servers are
// configured, mcp.call plus any tools the servers export.
func (a *app) buildActions(ctx context.Context) error {
	a.actions = actions.NewRegistry()
	isolator := isolation.NewProcessIsolator(isolation.Limits{
		Timeout:        a.cfg.Script.Timeout,
		MaxOutputBytes: a.cfg.Script.MaxOutputBytes,
		Env:            a.cfg.Script.Env,
		Paths:          a.cfg.Script.Paths,
	})
	if err := actions.RegisterBuiltins(a.actions,
		actions.HTTPConfig{},
		actions.ScriptConfig{Isolator: isolator, Interpreters: actions.DefaultInterpreters()},
	); err != nil {
		return err
	}

	if len(a.cfg.MCPServers) == 0 {
		return nil
	}
	a.plugins = plugins.NewManager(a.logger)
	a.closers = append(a.closers, a.plugins.Close)
	for _, srv := range a.cfg.MCPServers {
		if err := a.plugins.Connect(ctx, srv); err != nil {
			return err
		}
		if srv.RegisterTools {
			n, err := a.plugins.RegisterTools(ctx, srv.Name, a.actions)
			if err != nil {
				return err
			}
			a.logger.InfoContext(ctx, "mcp tools registered", slog.String("server", srv.Name), slog.Int("tools", n))
		}
	}
	return a.actions.Register(plugins.NewCallAction(a.plugins))
}

func (a *app) sender(out io.Writer) channel.Sender {
	if a.cfg.WebhookURL != "" {
		return channel.NewWebhookSender(a.cfg.WebhookURL, &http.Client{Timeout: 10 * time.Second}, a.cfg.Headers)
	}
	if out == nil {
		out = os.Stdout
	}
	return channel.NewWriterSender(out)
}

// storeDSN turns a plain database path into a libSQL file URI and creates
// its directory. URIs are passed through.
func storeDSN(path string) (string, error) {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path, nil
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(clean), err)
	}
	return "file:" + clean, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	if a.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.engine.Shutdown(ctx); err != nil {
			a.logger.Warn("engine shutdown", slog.String("error", err.Error()))
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}
