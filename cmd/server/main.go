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

	"golang.org/x/sync/errgroup"

	"coderoom/internal/auth"
	"coderoom/internal/config"
	"coderoom/internal/database"
	"coderoom/internal/handlers"
	"coderoom/internal/moderation"
	"coderoom/internal/services"
	"coderoom/internal/voice"
	"coderoom/internal/websocket"
	"coderoom/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Fatal("%v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	censor, err := moderation.NewCensor(cfg.Moderation.CensoredWords, cfg.Moderation.CensorChar)
	if err != nil {
		return fmt.Errorf("failed to build censor: %w", err)
	}

	// Initialize services
	authService := auth.NewService(db, cfg.JWT)
	roomService := services.NewRoomService(db, voice.NewTokenProvider(cfg.Voice), censor, cfg)
	matchmaker := services.NewMatchmaker(roomService)
	hub := websocket.NewHub()

	server := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           handlers.NewRouter(authService, roomService, matchmaker, hub),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server started on http://localhost%s (store: %s)", cfg.Server.Port, cfg.Database.Driver)
		logger.Info("WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return roomService.RunJanitor(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		roomService.Shutdown()
		hub.Shutdown()
		return err
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (database.Database, error) {
	switch cfg.Driver {
	case config.StoreDriverPostgres:
		db, err := database.NewPostgresDB(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return db, nil
	default:
		db, err := database.NewBadgerDB(cfg.BadgerPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return db, nil
	}
}
