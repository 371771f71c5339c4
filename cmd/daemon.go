package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendril-app/tendril/internal/bus"
	"github.com/tendril-app/tendril/internal/gateway"
	"github.com/tendril-app/tendril/internal/log"
	"github.com/tendril-app/tendril/internal/orchestrator"
	"github.com/tendril-app/tendril/internal/store/sqlite"
	"github.com/tendril-app/tendril/internal/stream"
	"github.com/tendril-app/tendril/internal/tracing"
	"github.com/tendril-app/tendril/internal/watcher"
	"github.com/tendril-app/tendril/internal/workflow"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestration daemon",
	Long: `Run the orchestration service as a daemon that exposes an HTTP API
for workflow management and live event streams.

The daemon owns the authoritative store: all workflow and task state
changes go through it, and committed changes are fanned out to SSE
subscribers. When an engine events URL is configured it also consumes
the execution engine's progress stream.

Example:
  tendril daemon                     # listen on the configured address
  tendril daemon --addr :8080        # override the listen address
  tendril daemon --engine-url http://localhost:9090/events`,
	RunE: runDaemon,
}

var (
	daemonAddr      string
	daemonEngineURL string
)

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonAddr, "addr", "", "Address to listen on (overrides config)")
	daemonCmd.Flags().StringVar(&daemonEngineURL, "engine-url", "", "Execution engine SSE endpoint (overrides config)")
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cleanup, err := log.Init(cfg.Log.Path)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	if debugFlag || cfg.Log.Debug || os.Getenv("TENDRIL_DEBUG") != "" {
		log.SetMinLevel(log.LevelDebug)
	} else {
		log.SetMinLevel(log.LevelInfo)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	log.Info(log.CatDB, "store opened", "path", cfg.DBPath)

	// bus.New falls back to in-process delivery when postgres is
	// unreachable, logging the degraded mode prominently.
	eventBus := bus.New(ctx, bus.Config{
		PostgresURL: cfg.Bus.PostgresURL,
		Channel:     cfg.Bus.Channel,
	})
	defer eventBus.Close()

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatConfig, "tracing shutdown failed", err)
		}
	}()

	svc := orchestrator.NewService(orchestrator.Config{
		Store:  st,
		Bus:    eventBus,
		Tracer: provider.Tracer(),
	})

	templates, err := loadTemplates(cfg.Templates.UserDir)
	if err != nil {
		return err
	}

	addr := daemonAddr
	if addr == "" {
		addr = cfg.Gateway.Addr()
	}
	handler := gateway.NewHandler(gateway.HandlerConfig{
		Service:   svc,
		Gateway:   gateway.New(st, eventBus),
		Templates: templates,
		Heartbeat: cfg.Gateway.HeartbeatInterval,
	})
	server, err := gateway.NewServer(gateway.ServerConfig{
		Addr:    addr,
		Handler: handler,
	})
	if err != nil {
		return fmt.Errorf("binding API server: %w", err)
	}

	if err := watchTemplates(ctx, cfg.Templates.UserDir, handler); err != nil {
		log.ErrorErr(log.CatConfig, "template hot-reload unavailable", err, "dir", cfg.Templates.UserDir)
	}

	engineURL := daemonEngineURL
	if engineURL == "" {
		engineURL = cfg.Engine.EventsURL
	}
	var engineStream *stream.Client
	if engineURL != "" {
		engineStream = stream.NewClient(stream.Config{
			Endpoint:    engineURL,
			BaseDelay:   cfg.Engine.BaseDelay,
			Multiplier:  cfg.Engine.Multiplier,
			MaxAttempts: cfg.Engine.MaxAttempts,
			Handler:     stream.NewDispatcher(svc),
			OnTerminalError: func(err error) {
				log.ErrorErr(log.CatStream, "engine stream gave up; task progress is no longer applied", err, "endpoint", engineURL)
			},
		})
		if err := engineStream.Start(ctx); err != nil {
			return fmt.Errorf("starting engine stream: %w", err)
		}
		defer engineStream.Close()
	}

	serverErr := make(chan error, 1)
	log.SafeGo("daemon.serve", func() {
		serverErr <- server.Start()
	})
	log.Info(log.CatGateway, "daemon ready", "port", server.Port(), "engineStream", engineURL != "")

	select {
	case <-ctx.Done():
		log.Info(log.CatGateway, "shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("API server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatGateway, "graceful shutdown failed", err)
	}
	return nil
}

// watchTemplates reloads templates into the handler whenever the user
// template directory changes. A missing directory disables hot-reload.
func watchTemplates(ctx context.Context, userDir string, handler *gateway.Handler) error {
	if _, err := os.Stat(userDir); err != nil {
		return nil
	}

	w, err := watcher.New(watcher.DefaultConfig(userDir))
	if err != nil {
		return err
	}
	onChange, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return err
	}

	log.SafeGo("daemon.templates", func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-onChange:
				if !ok {
					return
				}
				templates, err := loadTemplates(userDir)
				if err != nil {
					log.ErrorErr(log.CatConfig, "template reload failed", err, "dir", userDir)
					continue
				}
				handler.SetTemplates(templates)
				log.Info(log.CatConfig, "templates reloaded", "count", len(templates))
			}
		}
	})
	return nil
}

// loadTemplates merges built-in and user templates; a user template
// shadows a builtin with the same ID.
func loadTemplates(userDir string) ([]workflow.Template, error) {
	builtin, err := workflow.LoadBuiltinTemplates()
	if err != nil {
		return nil, fmt.Errorf("loading built-in templates: %w", err)
	}
	user, err := workflow.LoadUserTemplates(userDir)
	if err != nil {
		return nil, fmt.Errorf("loading user templates: %w", err)
	}

	shadowed := make(map[string]bool, len(user))
	for _, t := range user {
		shadowed[t.ID] = true
	}
	merged := make([]workflow.Template, 0, len(builtin)+len(user))
	for _, t := range builtin {
		if !shadowed[t.ID] {
			merged = append(merged, t)
		}
	}
	merged = append(merged, user...)
	return merged, nil
}
