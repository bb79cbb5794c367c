package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ops-approvals/internal/handler"
)

const readinessInterval = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the gRPC health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a)
		},
	}
}

func runServe(parent context.Context, a *app) error {
	cfg, log := a.cfg, a.log

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("storage", cfg.Storage.Driver).
		Msg("Starting approvals service")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	var validator *handler.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		validator, err = handler.NewTokenValidator(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		log.Info().Msg("JWT authentication enabled")
	} else {
		log.Warn().Str("header", cfg.Auth.DevUserHeader).Msg("No auth public key configured, trusting caller headers")
	}

	router := handler.NewRouter(handler.NewHTTPHandler(eng.service, log), handler.RouterConfig{
		Validator:      validator,
		DevUserHeader:  cfg.Auth.DevUserHeader,
		RequestTimeout: cfg.Server.RequestTimeout,
		Gatherer:       eng.registry,
		Ready:          eng.ready,
	}, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	grpcServer := handler.NewGRPCServer(log.Logger)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener: %w", err)
	}

	errCh := make(chan error, 2)

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	go grpcServer.WatchReadiness(ctx, eng.ready, readinessInterval)

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case err = <-errCh:
		log.Error().Err(err).Msg("Server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		log.Error().Err(serr).Msg("HTTP server shutdown failed")
	}
	grpcServer.Shutdown()

	log.Info().Msg("Server stopped")
	return err
}
