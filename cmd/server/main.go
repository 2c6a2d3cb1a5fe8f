package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alumni-chat/internal/chat"
	"alumni-chat/internal/config"
	"alumni-chat/internal/db"
	"alumni-chat/internal/logger"
	"alumni-chat/internal/metrics"
	myMiddleware "alumni-chat/internal/middleware"
	"alumni-chat/internal/presence"
	"alumni-chat/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & Flags
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	addr := flag.String("addr", cfg.Addr, "http service address")
	flag.Parse()

	log, err := logger.New(logger.Config{
		Environment: cfg.Environment,
		LogLevel:    cfg.LogLevel,
		ServiceName: "alumni-chat",
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	if cfg.InsecureSecret {
		log.Warn("JWT_SECRET not set, using the development secret")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage (Platform Layer)
	var (
		chatStore chat.Store
		userStore user.Store
	)
	if cfg.DatabaseDSN != "" {
		database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		defer database.Close()
		log.Info("connected to postgres")

		if err := database.AutoMigrate(ctx); err != nil {
			return err
		}
		log.Info("database schema initialized")

		chatStore = chat.NewRepository(database.Pool)
		userStore = user.NewRepository(database.Pool)
	} else {
		log.Warn("DB_DSN not set, keeping conversations in memory")
		chatStore = chat.NewMemoryStore()
		userStore = user.NewMemoryRepository()
	}

	// 3. Cross-instance relay (Platform Layer)
	relay, err := newRelay(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer relay.Close()

	// 4. Identity
	userService := user.NewService(userStore, cfg.JWTSecret)
	userHandler := user.NewHandler(userService, log)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Realtime messaging
	tracker := presence.NewTracker(cfg.PresenceShards, presence.WithEvents(1024))
	gateway := chat.NewGateway(userService, tracker, log, cfg.OutboundQueue)
	rooms := chat.NewRoomManager(chatStore, log, cfg.RoomShards)
	engine := chat.NewEngine(rooms, tracker, gateway, log, cfg.RoomShards)
	hub := chat.NewHub(chat.HubConfig{
		Store:    chatStore,
		Rooms:    rooms,
		Engine:   engine,
		Gateway:  gateway,
		Tracker:  tracker,
		Relay:    relay,
		Logger:   log,
		PageSize: cfg.HistoryPageSize,
	})

	checkOrigin := func(*http.Request) bool { return true }
	if !cfg.IsDevelopment() {
		checkOrigin = nil // same-origin only
	}
	chatHandler := chat.NewHandler(hub, gateway, log, checkOrigin)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// WebSocket authenticates before the upgrade itself.
	r.Get("/ws", chatHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Get("/api/conversations", chatHandler.ListConversations)
		r.Post("/api/conversations", chatHandler.StartConversation)
		r.Post("/api/conversations/groups", chatHandler.CreateGroup)
		r.Post("/api/conversations/content", chatHandler.StartContentConversation)
		r.Post("/api/conversations/{id}/join", chatHandler.JoinConversation)
		r.Post("/api/conversations/{id}/leave", chatHandler.LeaveConversation)
		r.Get("/api/conversations/{id}/messages", chatHandler.GetChatHistory)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The hub outlives the signal context so it can drain the presence
	// events produced while the gateway closes connections.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(hubCtx)
	})
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", *addr), zap.String("relay", cfg.Relay))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		gateway.Close()
		stopHub()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}

func newRelay(ctx context.Context, cfg config.Config, log *zap.Logger) (chat.Relay, error) {
	switch cfg.Relay {
	case config.RelayRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		return chat.NewRedisRelay(client, log), nil

	case config.RelayNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("alumni-chat"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		log.Info("connected to nats", zap.String("url", cfg.NATSURL))
		return chat.NewNATSRelay(nc, log), nil

	default:
		return chat.NewLocalRelay(1024), nil
	}
}
