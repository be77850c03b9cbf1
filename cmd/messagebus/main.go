package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/suokelife/messagebus/internal/application/messaging"
	"github.com/suokelife/messagebus/internal/bootstrap"
	"github.com/suokelife/messagebus/internal/controller"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "messagebus", "messagebus")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	router := controller.NewRouter(controller.RouterDeps{
		Ping:   app.Ping,
		Topics: app.Topics,
		TopicDefaults: messaging.TopicDefaults{
			PartitionCount:    app.Config.Topics.PartitionCount,
			ReplicationFactor: app.Config.Topics.ReplicationFactor,
		},
		Messages:  app.Messages,
		Publisher: app.Publisher,
		Manager:   app.Manager,
		Metrics:   app.Metrics,
		Logger:    app.Logger,
		Server:    app.Config.Server,
		JWTSecret: app.Config.Auth.JWTSecret,
	})

	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Admin API.
	g.Go(func() error {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 2. Retry scheduler loop.
	g.Go(func() error {
		return app.Manager.Run(gCtx)
	})

	// 3. Graceful shutdown once a signal arrives or a component fails.
	g.Go(func() error {
		<-gCtx.Done()
		app.Logger.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		app.Logger.Error().Err(err).Msg("Exited with error")
		app.Close()
		os.Exit(1)
	}

	stats := app.Manager.Stats()
	app.Logger.Info().
		Int("pending_retries", stats.RetryScheduler.Pending).
		Int("dead_letters", stats.DeadLetterStore.Total).
		Msg("Exited")
}
