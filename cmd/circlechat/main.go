package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/circlechat/internal/config"
	"github.com/zhouzirui/circlechat/internal/handler"
	"github.com/zhouzirui/circlechat/internal/handler/conversation"
	"github.com/zhouzirui/circlechat/internal/logging"
	"github.com/zhouzirui/circlechat/internal/metrics"
	"github.com/zhouzirui/circlechat/internal/rpc"
	"github.com/zhouzirui/circlechat/internal/scheduler"
	conversationService "github.com/zhouzirui/circlechat/internal/service/conversation"
	"github.com/zhouzirui/circlechat/internal/service/live"
	"github.com/zhouzirui/circlechat/internal/store/failed"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap, _ := zap.NewProduction()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		bootstrap.Info("no .env file loaded, using process environment", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		bootstrap.Fatal("failed to load configuration", zap.Error(err))
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		bootstrap.Fatal("failed to build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("circlechat stopped with error", zap.Error(err))
	}
	logger.Info("circlechat stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := failed.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close store", zap.Error(err))
		}
	}()

	m := metrics.New()
	client := rpc.New(rpc.Options{
		BaseURL:  cfg.API.BaseURL,
		Token:    cfg.API.Token,
		ClientID: cfg.API.ClientID,
		Timeout:  cfg.API.Timeout,
		Logger:   logger,
	})

	broker := conversation.NewBroker(logger)
	registry := conversationService.NewRegistry(conversationService.Deps{
		Backend:  client,
		Store:    store,
		Notifier: broker,
		Metrics:  m,
		Logger:   logger,
		UserID:   cfg.API.UserID,
		Live: live.Options{
			Scheme:           cfg.Live.Scheme,
			Path:             cfg.Live.Path,
			ClientID:         cfg.API.ClientID,
			Header:           client.AuthHeader(),
			InitialDelay:     cfg.Live.InitialDelay,
			MaxDelay:         cfg.Live.MaxDelay,
			PingInterval:     cfg.Live.PingInterval,
			ReadTimeout:      cfg.Live.ReadTimeout,
			HandshakeTimeout: cfg.Live.HandshakeTimeout,
			WriteTimeout:     cfg.Live.WriteTimeout,
		},
	})
	defer registry.CloseAll()

	sched, err := scheduler.New(logger)
	if err != nil {
		return err
	}
	if _, err := sched.AddMaintenance(cfg.Store.Maintenance, store); err != nil {
		return err
	}

	router := handler.NewRouter(handler.Deps{
		Registry:    registry,
		Broker:      broker,
		Metrics:     m,
		Logger:      logger,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("circlechat bridge listening", zap.String("addr", srv.Addr))
		return runServer(gCtx, srv)
	})
	g.Go(func() error {
		return sched.Run(gCtx)
	})
	return g.Wait()
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
