// Package httpapi is the gateway's HTTP surface: the OpenAI-compatible sync
// endpoints, the async jobs API, and the operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/aigw/gateway/internal/apierr"
	"github.com/aigw/gateway/internal/apikey"
	"github.com/aigw/gateway/internal/cache"
	"github.com/aigw/gateway/internal/jobs"
	"github.com/aigw/gateway/internal/metrics"
	"github.com/aigw/gateway/internal/pricing"
	"github.com/aigw/gateway/internal/providers"
	"github.com/aigw/gateway/internal/ratelimit"
	"github.com/aigw/gateway/internal/store"
)

// ProviderHeader overrides the default provider for a request when the body
// does not name one.
const ProviderHeader = "X-Provider"

// IdempotencyHeader carries the caller's idempotency key on job creation.
const IdempotencyHeader = "Idempotency-Key"

type Dependencies struct {
	Store           store.Store
	Metrics         *metrics.Registry
	Providers       *providers.Registry
	Prices          *pricing.Table
	Limiter         *ratelimit.Limiter
	Budget          *apikey.BudgetEnforcer
	Auth            *apikey.Authenticator
	Jobs            *jobs.Service
	ModelsCache     *cache.ModelsCache
	Redis           *redis.Client
	DefaultProvider string
	DefaultRPMLimit int
	Logger          *slog.Logger
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{"store": "ok", "redis": "ok"}
		healthy := true
		if err := d.Store.Ping(ctx); err != nil {
			checks["store"] = err.Error()
			healthy = false
		}
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	})

	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(apikey.Middleware(d.Auth, d.Logger))

		r.Post("/responses", ResponsesHandler(d))
		r.Post("/chat/completions", ChatCompletionsHandler(d))
		r.Get("/models", ModelsHandler(d))

		r.Post("/jobs", JobsCreateHandler(d))
		r.Get("/jobs/{id}", JobsGetHandler(d))
		r.Get("/jobs/{id}/attempts", JobAttemptsHandler(d))
		r.Get("/jobs/{id}/deliveries", JobDeliveriesHandler(d))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// resolveProvider picks the provider for a request: the body's provider
// field, then the X-Provider header, then the configured default.
func resolveProvider(d Dependencies, r *http.Request, body map[string]any) string {
	if p, ok := body["provider"].(string); ok && p != "" {
		return p
	}
	if p := r.Header.Get(ProviderHeader); p != "" {
		return p
	}
	return d.DefaultProvider
}

// gate runs the shared admission checks: rate limit first, then budget.
// Both failures map to 429 with distinct codes.
func gate(d Dependencies, r *http.Request, key *apikey.AuthedKey, endpoint string) *apierr.PublicError {
	limit := key.RPMLimit
	if limit == nil {
		limit = &d.DefaultRPMLimit
	}
	if err := d.Limiter.Allow(r.Context(), key.APIKeyID, endpoint, limit); err != nil {
		var rle *ratelimit.RateLimitedError
		if errors.As(err, &rle) {
			e := apierr.RateLimited
			return &e
		}
		d.Logger.Error("rate limiter unavailable", "error", err)
		e := apierr.PublicError{
			Status: http.StatusServiceUnavailable, Code: apierr.CodeRateLimited,
			Message: "rate limiter unavailable", Type: apierr.TypeQuota,
		}
		return &e
	}
	if err := d.Budget.Check(r.Context(), key); err != nil {
		var be *apikey.BudgetExceededError
		if errors.As(err, &be) {
			e := apierr.BudgetExceeded
			return &e
		}
		d.Logger.Error("budget check failed", "error", err)
		e := apierr.PublicError{
			Status: http.StatusInternalServerError, Code: apierr.CodeBudgetExceeded,
			Message: "budget check unavailable", Type: apierr.TypeGateway,
		}
		return &e
	}
	return nil
}
