package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pliu/dmrelay/internal/auth"
	"github.com/pliu/dmrelay/internal/config"
	"github.com/pliu/dmrelay/internal/events"
	"github.com/pliu/dmrelay/internal/handlers"
	"github.com/pliu/dmrelay/internal/logging"
	"github.com/pliu/dmrelay/internal/metrics"
	"github.com/pliu/dmrelay/internal/middleware"
	"github.com/pliu/dmrelay/internal/presence"
	"github.com/pliu/dmrelay/internal/relay"
	"github.com/pliu/dmrelay/internal/store/sqlstore"
	"github.com/pliu/dmrelay/internal/ws"
)

var configPath = flag.String("config", "", "path to a config file (yaml, json or toml)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(logging.Config{Development: cfg.Log.Development, Level: cfg.Log.Level})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("relay stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Database
	store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	instanceID := uuid.NewString()
	logger = logger.With(zap.String("instance", instanceID))

	var (
		dir presence.Directory
		bus relay.Bus
	)
	if cfg.RedisEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		dir = presence.NewRedisDirectory(rdb, cfg.Redis.Prefix, instanceID, cfg.PresenceTTL)
		bus = presence.NewRedisBus(rdb, cfg.Redis.Prefix, instanceID, logger)
		logger.Info("redis presence enabled", zap.String("addr", cfg.Redis.Addr))
	}

	registry := presence.NewRegistry(dir, logger)
	registry.OnChange = func(total int) { m.ActiveConnections.Set(float64(total)) }

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.KafkaEnabled() {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		logger.Info("kafka events enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	defer publisher.Close()

	svc := relay.New(store, registry, relay.Options{
		StorageTimeout: cfg.StorageTimeout,
		PushTimeout:    cfg.PushTimeout,
		Bus:            bus,
		Events:         publisher,
		Metrics:        m,
		Logger:         logger,
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	hub := ws.NewHub(svc, limiter, ws.Config{
		SendBuffer:     cfg.WS.SendBuffer,
		MaxMessageSize: cfg.WS.MaxMessageBytes,
		PongWait:       cfg.PongWait,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	}, logger)

	// Initialize Handlers
	chatHandler := &handlers.ChatHandler{Relay: svc, Limiter: limiter, Log: logger}
	healthHandler := &handlers.HealthHandler{Store: store}
	verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger, m))

	r.HandleFunc("/healthz", healthHandler.Healthz).Methods("GET")
	r.Handle("/metrics", m.Handler()).Methods("GET")

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(verifier))

	// WebSocket Endpoint
	api.HandleFunc("/ws", hub.ServeWs).Methods("GET")

	// API Endpoints
	api.HandleFunc("/chat/send", chatHandler.SendMessage).Methods("POST")
	api.HandleFunc("/chat/messages/{counterpartId}", chatHandler.GetMessages).Methods("GET")
	api.HandleFunc("/chat/delete/{messageId}", chatHandler.DeleteMessage).Methods("DELETE")
	api.HandleFunc("/chat/unread", chatHandler.GetUnreadCounts).Methods("GET")
	api.HandleFunc("/chat/unread/{counterpartId}/read", chatHandler.MarkRead).Methods("POST")
	api.HandleFunc("/chat/presence/{userId}", chatHandler.GetPresence).Methods("GET")

	go func() {
		if err := svc.RunBus(ctx, nil); err != nil {
			logger.Error("delivery bus stopped", zap.Error(err))
		}
	}()
	go registry.RunHeartbeat(ctx, cfg.PresenceTTL/3)
	go limiter.RunCleanup(ctx, 10*time.Minute)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	registry.CloseAll(shutdownCtx)
	return nil
}
