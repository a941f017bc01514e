package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/aigw/gateway/internal/apikey"
	"github.com/aigw/gateway/internal/cache"
	"github.com/aigw/gateway/internal/httpapi"
	"github.com/aigw/gateway/internal/jobs"
	"github.com/aigw/gateway/internal/logging"
	"github.com/aigw/gateway/internal/metrics"
	"github.com/aigw/gateway/internal/pricing"
	"github.com/aigw/gateway/internal/providers"
	"github.com/aigw/gateway/internal/queue"
	"github.com/aigw/gateway/internal/ratelimit"
	"github.com/aigw/gateway/internal/store"
	"github.com/aigw/gateway/internal/tracing"
)

// Queue names shared by the gateway (producer) and worker (consumer).
const (
	JobsQueue     = "jobs"
	WebhooksQueue = "webhooks"
)

type Server struct {
	cfg Config

	r *chi.Mux

	store  store.Store
	redis  *redis.Client
	logger *slog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key", "X-Provider", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	db, err := store.NewSQLite(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DatabaseURL))

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, err
	}
	rdb := redis.NewClient(redisOpts)

	brokerOpts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		db.Close()
		return nil, err
	}
	broker := redis.NewClient(brokerOpts)

	prices, err := pricing.LoadDefault(cfg.PricingPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := providers.NewRegistry(providers.RegistryConfig{
		OpenAIBaseURL:     cfg.OpenAIBaseURL,
		OpenAIAPIKey:      cfg.OpenAIAPIKey,
		OpenAITimeout:     cfg.OpenAITimeout(),
		OpenAIRetries:     cfg.OpenAIRetries,
		OpenAIHTTPReferer: cfg.OpenAIHTTPReferer,
		OpenAITitle:       cfg.OpenAITitle,
		Transport:         tracing.HTTPTransport(nil),
	})

	m := metrics.New()
	jobsQueue := queue.New(broker, JobsQueue)

	s := &Server{
		cfg:    cfg,
		r:      r,
		store:  db,
		redis:  rdb,
		logger: logger,
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Store:           db,
		Metrics:         m,
		Providers:       registry,
		Prices:          prices,
		Limiter:         ratelimit.New(rdb),
		Budget:          apikey.NewBudgetEnforcer(db),
		Auth:            apikey.NewAuthenticator(db),
		Jobs:            jobs.NewService(db, jobsQueue, logger),
		ModelsCache:     cache.NewModelsCache(rdb, cfg.ModelsCacheTTL()),
		Redis:           rdb,
		DefaultProvider: cfg.DefaultProvider,
		DefaultRPMLimit: cfg.DefaultRPMLimit,
		Logger:          logger,
	})

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) Logger() *slog.Logger { return s.logger }

func (s *Server) Close() error {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
