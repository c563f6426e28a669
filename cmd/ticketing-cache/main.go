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
	"go.uber.org/zap"

	"github.com/kengibson1111/go-ticketing-cache/cache"
	"github.com/kengibson1111/go-ticketing-cache/internal"
	"github.com/kengibson1111/go-ticketing-cache/internal/logger"
)

// Set with -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ticketing-cache",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ticketing-cache version %s\n", version)
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the cache service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "ticketing-cache",
		Short: "Resilient cache, session and rate-limit service",
		Long: `ticketing-cache fronts a Redis store with a key-value cache, a session
store and a rate limiter. It keeps serving in a degraded mode while the store
is unreachable.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "", "path to the settings file")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("TICKETING_CACHE_CONFIG")
}

func run(ctx context.Context) error {
	settings, err := internal.LoadSettings(getConfigPath())
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(&settings.Logger)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting ticketing-cache",
		zap.String("version", version),
		zap.String("addr", settings.Server.Addr),
		zap.String("namespace", settings.Cache.Namespace()))

	conn, err := cache.NewConnectionManager(settings.Cache, log)
	if err != nil {
		return err
	}
	if !conn.Initialize(ctx) {
		log.Warn("store unavailable at startup, serving in fallback mode")
	}

	metrics := cache.NewMetricsCollector(settings.Cache.MetricsWindowSize, log)
	store := cache.NewKeyValueStore(conn, metrics, log)
	sessions := cache.NewSessionStore(store, log)
	limiter := cache.NewRateLimiter(conn, metrics, log)
	defer func() {
		limiter.Close()
		if err := conn.Disconnect(); err != nil {
			log.Warn("failed to close store connection", zap.Error(err))
		}
	}()

	router, err := newRouter(store, sessions, limiter, settings.Server)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              settings.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown server", zap.Error(err))
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
