package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/threadline-dev/threadline/internal/backend"
	"github.com/threadline-dev/threadline/internal/config"
	"github.com/threadline-dev/threadline/internal/gateway"
	"github.com/threadline-dev/threadline/internal/history"
	"github.com/threadline-dev/threadline/internal/httpapi"
	"github.com/threadline-dev/threadline/internal/logger"
	"github.com/threadline-dev/threadline/internal/session"
)

// reaperInterval is how often the registry sweeps idle and stuck sessions.
const reaperInterval = time.Minute

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Threadline daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
				cfg.Listen = addr
			}
			if db, _ := cmd.Flags().GetString("db"); db != "" {
				cfg.DBPath = db
			}
			if agent, _ := cmd.Flags().GetString("agent"); agent != "" {
				cfg.Agent.Command = agent
			}
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				cfg.Debug = true
			}

			return serve(cfg)
		},
	}

	cmd.Flags().String("listen", "", "TCP listen address (overrides config)")
	cmd.Flags().String("db", "", "History database path (overrides config)")
	cmd.Flags().String("agent", "", "Agent command to launch (overrides config)")
	cmd.Flags().Bool("debug", false, "Enable debug logging")

	return cmd
}

func serve(cfg config.Config) error {
	if err := logger.Init(logger.Config{
		LogDir: cfg.LogDir,
		Debug:  cfg.Debug,
		JSON:   cfg.LogDir != "",
	}); err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}

	if cfg.Agent.Command == "" {
		return errors.New("no agent configured: set agent.command in config or THREADLINE_AGENT")
	}

	store, err := history.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	agent, err := backend.Start(backend.Config{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		WorkDir: cfg.Agent.WorkDir,
		Env:     cfg.Agent.Env,
	}, logger.WithComponent("backend"))
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	defer agent.Close()

	hub := gateway.NewHub(logger.WithComponent("gateway"))
	registry := session.NewRegistry(store, agent, hub)
	hub.SetRegistry(registry)
	registry.SetTimeouts(cfg.IdleTimeout(), cfg.PermissionDeadline())
	registry.StartReaper(reaperInterval)
	defer registry.StopReaper()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	httpapi.NewServer(store, registry, cfg.APIKey, logger.WithComponent("api")).Register(mux)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("threadlined listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.CloseAll(ctx)
	hub.CloseAll()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
