package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/aigw/gateway/internal/apierr"
	"github.com/aigw/gateway/internal/apikey"
	"github.com/aigw/gateway/internal/cache"
	"github.com/aigw/gateway/internal/redact"
	"github.com/aigw/gateway/internal/store"
)

// ModelsHandler lists the provider's models, served from the Redis cache
// when fresh. Cache hits return without touching the store; every miss
// writes an audit row, succeeded or failed.
func ModelsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := apikey.FromContext(r.Context())

		if e := gate(d, r, key, "models"); e != nil {
			apierr.Write(w, *e)
			return
		}

		provider := resolveProvider(d, r, map[string]any{})
		cacheKey := cache.Key(provider, d.Providers.BaseURLFor(provider))

		if cached, ok := d.ModelsCache.Get(r.Context(), cacheKey); ok {
			cached["meta"] = map[string]any{
				"request_id": requestID(r),
				"provider":   provider,
				"cached":     true,
			}
			writeJSON(w, http.StatusOK, cached)
			return
		}

		client, err := d.Providers.Get(provider)
		if err != nil {
			apierr.Write(w, apierr.Map(err))
			return
		}

		start := time.Now()
		result, err := client.ListModels(r.Context())
		latency := time.Since(start)

		log := &store.RequestLog{
			APIKeyID:  key.APIKeyID,
			Kind:      "models",
			Provider:  provider,
			Status:    store.StatusSucceeded,
			LatencyMs: int(latency.Milliseconds()),
		}
		var pub apierr.PublicError
		if err != nil {
			pub = apierr.Map(err)
			log.Status = store.StatusFailed
			text := err.Error()
			log.ErrorText = &text
			log.ErrorCode = &pub.Code
			log.ResponsePayload = redact.ResultSummary(apierr.Payload(pub))
		} else {
			log.ResponsePayload = redact.ResultSummary(result)
		}

		// The request context may already be canceled; the audit row must
		// still land.
		auditCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ierr := d.Store.InsertRequestLog(auditCtx, log); ierr != nil {
			d.Logger.Error("audit write failed", "error", ierr, "kind", "models")
		}
		d.Metrics.ObserveRequest("models", provider, log.Status, latency.Seconds())

		if err != nil {
			apierr.Write(w, pub)
			return
		}

		if err := d.ModelsCache.Put(r.Context(), cacheKey, result); err != nil {
			d.Logger.Warn("models cache write failed", "error", err)
		}

		body := make(map[string]any, len(result)+1)
		for k, v := range result {
			body[k] = v
		}
		body["meta"] = map[string]any{
			"request_id": log.ID,
			"provider":   provider,
			"cached":     false,
		}
		writeJSON(w, http.StatusOK, body)
	}
}
