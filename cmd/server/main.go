package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/suyeshs/stonepot-sub001/internal/api"
	"github.com/suyeshs/stonepot-sub001/internal/config"
	"github.com/suyeshs/stonepot-sub001/internal/janitor"
	"github.com/suyeshs/stonepot-sub001/internal/logging"
	"github.com/suyeshs/stonepot-sub001/internal/metrics"
	"github.com/suyeshs/stonepot-sub001/internal/room"
	"github.com/suyeshs/stonepot-sub001/internal/store"
	"github.com/suyeshs/stonepot-sub001/internal/store/memory"
	"github.com/suyeshs/stonepot-sub001/internal/store/redis"
	"github.com/suyeshs/stonepot-sub001/internal/store/sqlite"
	"github.com/suyeshs/stonepot-sub001/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "stonepot-sync")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	registry := room.NewRegistry(st, room.Options{
		Calculator: cfg.Calculator(),
		Logger:     logger,
		Metrics:    m,
	})

	gateway := ws.NewGateway(registry, ws.Config{
		ConnectTimeout:    cfg.ConnectTimeout,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	}, logger, m)
	apiHandler := api.New(registry, st, gateway, cfg.PublicWSURL, logger)

	sweeper := janitor.New(registry, st, janitor.Config{
		Interval:           cfg.SweepInterval,
		IdleGrace:          cfg.IdleGrace,
		FinalizedRetention: cfg.FinalizedRetention,
	}, logger)
	sweeper.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.ServeWs)
	mux.HandleFunc("/ws/", gateway.ServeWs)
	mux.HandleFunc("/health", apiHandler.HealthHandler)
	mux.HandleFunc("/api/stats", apiHandler.StatsHandler)
	mux.HandleFunc("/api/rooms", apiHandler.RoomsRouter)
	mux.HandleFunc("/api/rooms/", apiHandler.RoomsRouter)
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Stonepot sync server starting",
		zap.String("addr", server.Addr),
		zap.String("store", cfg.Store),
		zap.String("public_ws_url", cfg.PublicWSURL),
		zap.Strings("endpoints", []string{
			"WebSocket: /ws?room={roomId}",
			"Health:    GET /health",
			"Stats:     GET /api/stats",
			"Rooms:     GET/POST /api/rooms",
			"Room:      GET/DELETE /api/rooms/{id}",
			"Voice:     POST /api/rooms/{id}/items",
			"Receipt:   GET /api/rooms/{id}/receipt.xlsx",
			"Metrics:   GET /metrics",
		}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		gateway.Shutdown()
		sweeper.Stop()
		registry.Shutdown(shutdownCtx)
		return err
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store {
	case "redis":
		st, err := redis.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("Using redis store", zap.String("addr", cfg.RedisAddr))
		return st, nil
	case "memory":
		logger.Warn("Using in-memory store; rooms do not survive restarts")
		return memory.New(), nil
	default:
		st, err := sqlite.New(cfg.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		logger.Info("Using sqlite store", zap.String("path", cfg.DBPath))
		return st, nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
