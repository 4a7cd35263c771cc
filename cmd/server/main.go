package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"clientportal/internal/chat"
	"clientportal/internal/config"
	"clientportal/internal/db"
	myMiddleware "clientportal/internal/middleware"
	"clientportal/internal/user"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config load failed")
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Platform layer: postgres, schema, redis.
	database, err := db.NewDatabase(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect failed")
	}
	if err := database.AutoMigrate(); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	logger.Info().Msg("postgres ready")

	var cache *chat.SummaryCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, summary cache disabled")
		} else {
			cache = chat.NewSummaryCache(rdb)
			logger.Info().Msg("redis ready")
		}
		cancel()
	}

	// Identity + chat wiring.
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)

	store := chat.NewPgStore(database.Conn, cache, logger)
	registry := chat.NewRegistry(store, logger, cfg.RoomIdleEvict)
	chatHandler := chat.NewHandler(registry, store, userService, logger)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(myMiddleware.Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.AllowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Public routes
	r.Get("/health", chatHandler.Health)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket upgrade: identity travels as query params, validated
	// before any session exists.
	r.Get("/ws/{roomID}", chatHandler.ServeWs)

	// REST API (requires a portal chat token)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Post("/api/conversations", chatHandler.StartConversation)
		r.Get("/api/conversations", chatHandler.ListConversations)
		r.Get("/api/rooms/{roomID}/messages", chatHandler.GetMessages)
		r.Post("/api/rooms/{roomID}/messages", chatHandler.PostMessage)
		r.Post("/api/rooms/{roomID}/relay", chatHandler.Relay)
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
