package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/aigw/gateway/internal/apierr"
	"github.com/aigw/gateway/internal/apikey"
	"github.com/aigw/gateway/internal/jobs"
	"github.com/aigw/gateway/internal/providers"
	"github.com/aigw/gateway/internal/redact"
	"github.com/aigw/gateway/internal/store"
)

const maxBodyBytes = 2 << 20

// ResponsesHandler proxies the OpenAI responses API synchronously.
func ResponsesHandler(d Dependencies) http.HandlerFunc {
	return syncHandler(d, jobs.KindResponses, "responses",
		func(c providers.Client, r *http.Request, payload map[string]any) (*providers.Result, error) {
			return c.Responses(r.Context(), payload)
		})
}

// ChatCompletionsHandler proxies chat completions synchronously.
func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return syncHandler(d, jobs.KindChat, "chat.completions",
		func(c providers.Client, r *http.Request, payload map[string]any) (*providers.Result, error) {
			return c.ChatCompletions(r.Context(), payload)
		})
}

func syncHandler(d Dependencies, kind, endpoint string,
	call func(providers.Client, *http.Request, map[string]any) (*providers.Result, error)) http.HandlerFunc {

	return func(w http.ResponseWriter, r *http.Request) {
		key := apikey.FromContext(r.Context())

		payload, perr := decodeBody(r)
		if perr != nil {
			apierr.Write(w, *perr)
			return
		}
		// Model may be absent; pricing then falls back to the defaults and
		// the audit row records an empty model.
		model, _ := payload["model"].(string)

		if e := gate(d, r, key, endpoint); e != nil {
			apierr.Write(w, *e)
			return
		}

		provider := resolveProvider(d, r, payload)
		delete(payload, "provider")

		client, err := d.Providers.Get(provider)
		if err != nil {
			apierr.Write(w, apierr.Map(err))
			return
		}

		start := time.Now()
		result, err := call(client, r, payload)
		latency := time.Since(start)

		if err != nil {
			pub := apierr.Map(err)
			d.recordSync(syncOutcome{
				Key: key, Kind: kind, Provider: provider, Model: model,
				Payload: payload, Err: err, Public: &pub, Latency: latency,
			})
			apierr.Write(w, pub)
			return
		}

		cost := d.Prices.Cost(model, result.PromptTokens, result.CompletionTokens)
		d.recordSync(syncOutcome{
			Key: key, Kind: kind, Provider: provider, Model: model,
			Payload: payload, Result: result, Cost: cost, Latency: latency,
		})

		body := make(map[string]any, len(result.JSON)+1)
		for k, v := range result.JSON {
			body[k] = v
		}
		meta := map[string]any{
			"request_id": requestID(r),
			"provider":   provider,
			"latency_ms": latency.Milliseconds(),
		}
		if cost != nil {
			f, _ := cost.Float64()
			meta["cost_rub"] = f
		}
		body["meta"] = meta
		writeJSON(w, http.StatusOK, body)
	}
}

func decodeBody(r *http.Request) (map[string]any, *apierr.PublicError) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		e := apierr.InvalidRequest("request body must be a JSON object")
		return nil, &e
	}
	return payload, nil
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}

// syncOutcome is everything one finished sync call needs for audit and
// metrics.
type syncOutcome struct {
	Key      *apikey.AuthedKey
	Kind     string
	Provider string
	Model    string
	Payload  map[string]any
	Result   *providers.Result
	Cost     *decimal.Decimal
	Err      error
	Public   *apierr.PublicError
	Latency  time.Duration
}

// recordSync persists the audit row and updates metrics. Audit failures are
// logged, not surfaced: the client already has its answer.
func (d Dependencies) recordSync(o syncOutcome) {
	log := &store.RequestLog{
		APIKeyID:       o.Key.APIKeyID,
		Kind:           o.Kind,
		Provider:       o.Provider,
		Model:          o.Model,
		Status:         store.StatusSucceeded,
		CostRub:        o.Cost,
		LatencyMs:      int(o.Latency.Milliseconds()),
		RequestPayload: redactRequest(o.Kind, o.Payload),
	}
	if o.Result != nil {
		log.PromptTokens = o.Result.PromptTokens
		log.CompletionTokens = o.Result.CompletionTokens
		log.TotalTokens = o.Result.TotalTokens
		log.ResponsePayload = redact.ResponsesPayload(o.Result.JSON)
	}
	if o.Err != nil {
		log.Status = store.StatusFailed
		text := o.Err.Error()
		log.ErrorText = &text
		log.ErrorCode = &o.Public.Code
	}

	// The request context may already be canceled; the audit row must
	// still land.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Store.InsertRequestLog(ctx, log); err != nil {
		d.Logger.Error("audit write failed", "error", err, "kind", o.Kind)
	}

	d.Metrics.ObserveRequest(o.Kind, o.Provider, log.Status, o.Latency.Seconds())
	if o.Result != nil {
		costF := 0.0
		if o.Cost != nil {
			costF, _ = o.Cost.Float64()
		}
		d.Metrics.ObserveUsage(o.Provider, o.Model, o.Result.PromptTokens, o.Result.CompletionTokens, costF)
	}
}

func redactRequest(kind string, payload map[string]any) map[string]any {
	if kind == jobs.KindChat {
		return redact.ChatPayload(payload)
	}
	return redact.ResponsesPayload(payload)
}
