package cmd

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
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/davidschrooten/elastic-scout/internal/api"
	"github.com/davidschrooten/elastic-scout/internal/backend"
	"github.com/davidschrooten/elastic-scout/internal/event"
	"github.com/davidschrooten/elastic-scout/internal/indexer"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the elastic-scout server",
	Long: `Start the HTTP search API. Indexes with a poll interval are kept in sync
in the background, and change events are consumed from Kafka when enabled.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server-specific flags
	serverCmd.Flags().String("host", "0.0.0.0", "Host to bind the server to")
	serverCmd.Flags().Int("port", 8080, "Port to bind the server to")

	// Bind flags to viper
	viper.BindPFlag("server.host", serverCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serverCmd.Flags().Lookup("port"))
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	logger := a.logger

	// Start polling
	if err := a.indexer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start indexer: %w", err)
	}

	// Start the change feed consumer
	consumerDone := make(chan struct{})
	if a.config.Kafka.Enabled {
		consumer := event.NewConsumer(a.config.Kafka, func(ctx context.Context, change indexer.Change) error {
			_, err := a.indexer.Apply(ctx, change)
			return err
		}, logger)

		go func() {
			defer close(consumerDone)
			if err := consumer.Start(ctx); err != nil {
				logger.Error("change consumer stopped", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
	}

	apiServer := api.NewServer(a.indexer, a.mongo, map[string]api.HealthCheck{
		"search":  func(ctx context.Context) error { return backend.Ping(ctx, a.client) },
		"mongodb": a.mongo.Ping,
	}, logger)

	// Setup HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error("server failed", zap.Error(err))
		cancel()
		<-consumerDone
		return err
	}

	logger.Info("shutting down server")

	// Cancel context to stop pollers and the consumer
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
		return err
	}
	<-consumerDone

	logger.Info("server exited")
	return nil
}
