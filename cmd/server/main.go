package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smilemakc/stepflow/internal/application/engine"
	"github.com/smilemakc/stepflow/internal/application/tracking"
	"github.com/smilemakc/stepflow/internal/config"
	mcpapi "github.com/smilemakc/stepflow/internal/infrastructure/api/mcp"
	"github.com/smilemakc/stepflow/internal/infrastructure/api/rest"
	"github.com/smilemakc/stepflow/internal/infrastructure/logger"
	"github.com/smilemakc/stepflow/internal/infrastructure/observer"
	"github.com/smilemakc/stepflow/internal/infrastructure/scheduler"
)

func main() {
	root := &cobra.Command{
		Use:   "stepflow",
		Short: "Workflow orchestration server for AI-agent clients",
	}

	var stdio bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the stepflow server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(stdio)
		},
	}
	serve.Flags().BoolVar(&stdio, "stdio", false, "serve MCP on stdio instead of HTTP")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(stdio bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("http_addr", cfg.HTTPAddr).
		Str("mcp_addr", cfg.MCPAddr).
		Bool("stdio", stdio).
		Msg("starting stepflow server")

	hub := observer.NewHub(log)
	go hub.Run()
	defer hub.Close()

	tracker := tracking.NewTracker(cfg.ErrorRingSize, cfg.GlobalRingSize, log)
	eng := engine.New(log, hub, tracker, engine.Options{
		InactivityTTL:   cfg.InactivityTTL,
		WorkflowTimeout: cfg.WorkflowTimeout,
	})

	sweeper, err := scheduler.New(eng, cfg.SweepInterval, log)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	mcpServer := mcpapi.NewServer(eng, log)
	if stdio {
		return mcpServer.ServeStdio()
	}

	restServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      rest.NewServer(eng, hub, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	mcpHTTP := &http.Server{
		Addr:    cfg.MCPAddr,
		Handler: mcpServer.HTTPServer(),
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", restServer.Addr).Msg("rest api listening")
		if err := restServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info().Str("addr", mcpHTTP.Addr).Msg("mcp transport listening")
		if err := mcpHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := restServer.Shutdown(ctx); err != nil {
		return err
	}
	return mcpHTTP.Shutdown(ctx)
}
