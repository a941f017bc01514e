package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/aigw/gateway/internal/jobs"
	"github.com/aigw/gateway/internal/logging"
	"github.com/aigw/gateway/internal/metrics"
	"github.com/aigw/gateway/internal/pricing"
	"github.com/aigw/gateway/internal/providers"
	"github.com/aigw/gateway/internal/queue"
	"github.com/aigw/gateway/internal/store"
	"github.com/aigw/gateway/internal/tracing"
	"github.com/aigw/gateway/internal/webhook"
)

const consumerPoll = 5 * time.Second

// Worker consumes the job and webhook queues. It shares the store and
// provider configuration with the gateway but runs as its own process.
type Worker struct {
	cfg Config

	store  store.Store
	broker *redis.Client

	runner    *jobs.Runner
	deliverer *webhook.Deliverer
	metrics   *metrics.Registry
	logger    *slog.Logger

	jobsQueue     *queue.Queue
	webhooksQueue *queue.Queue
}

func NewWorker(cfg Config) (*Worker, error) {
	logger := logging.Setup(cfg.LogLevel)

	db, err := store.NewSQLite(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

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
	webhooksQueue := queue.New(broker, WebhooksQueue)

	deliverer := webhook.NewDeliverer(db, webhooksQueue, cfg.WebhookTimeout(), m, logger)
	runner := jobs.NewRunner(db, jobsQueue, registry, prices, deliverer, m, logger)

	return &Worker{
		cfg:           cfg,
		store:         db,
		broker:        broker,
		runner:        runner,
		deliverer:     deliverer,
		metrics:       m,
		logger:        logger,
		jobsQueue:     jobsQueue,
		webhooksQueue: webhooksQueue,
	}, nil
}

// Run consumes both queues until the context is canceled, then drains. The
// metrics endpoint serves for the lifetime of the worker.
func (w *Worker) Run(ctx context.Context) error {
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", w.cfg.WorkerMetricsPort),
		Handler: w.metricsRouter(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("worker metrics server failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.jobsQueue.Consume(ctx, consumerPoll, func(ctx context.Context, msg []byte) {
				if err := w.runner.Handle(ctx, msg); err != nil {
					w.logger.Error("job task failed", "error", err)
				}
			})
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			w.webhooksQueue.Consume(ctx, consumerPoll, func(ctx context.Context, msg []byte) {
				if err := w.deliverer.Handle(ctx, msg); err != nil {
					w.logger.Error("webhook task failed", "error", err)
				}
			})
		}()
	}

	w.logger.Info("worker started",
		"concurrency", w.cfg.WorkerConcurrency, "metrics_port", w.cfg.WorkerMetricsPort)
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

func (w *Worker) metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", w.metrics.Handler())
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func (w *Worker) Close() error {
	if w.broker != nil {
		_ = w.broker.Close()
	}
	if w.store != nil {
		return w.store.Close()
	}
	return nil
}
