package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabdocs/internal/api"
	"collabdocs/internal/config"
	"collabdocs/internal/db"
	"collabdocs/internal/logging"
	"collabdocs/internal/repository"
	"collabdocs/internal/services/collaboration"
	"collabdocs/internal/services/documents"
	"collabdocs/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logging.SetLogLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger := logging.New("server")

	jaegerShutdown, err := telemetry.InitJaeger("collabdocs", cfg.JaegerEndpoint)
	if err != nil {
		logger.Warnw("tracing disabled", "error", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			logger.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	repo, closeRepo, err := newRepository(cfg)
	if err != nil {
		logger.Fatalw("storage init failed", "storage", cfg.Storage, "error", err)
	}
	defer closeRepo()
	logger.Infow("storage ready", "backend", cfg.Storage)

	store := documents.NewStore(repo)
	hub := collaboration.NewHub()
	engine := collaboration.NewEngine(store, collaboration.NewRegistry(), hub)
	wsHandler := collaboration.NewWebSocketHandler(engine, cfg.SendBufferSize)

	handler := api.NewHandler(store, wsHandler)
	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infow("server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warnw("server forced to shut down", "error", err)
	}

	hub.Shutdown()
	logger.Info("shutdown complete")
}

// newRepository selects the persistence backend from configuration.
func newRepository(cfg *config.Config) (documents.Repository, func(), error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		database, err := db.NewGorm(cfg)
		if err != nil {
			return nil, nil, err
		}
		logger := logging.New("db")
		closeFn := func() {
			if err := database.Close(); err != nil {
				logger.Warnw("database close failed", "error", err)
			}
		}
		return repository.NewDocumentRepository(database.DB), closeFn, nil
	default:
		repo, err := repository.NewMemoryRepository()
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	}
}
