package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aigw/gateway/internal/apierr"
	"github.com/aigw/gateway/internal/apikey"
	"github.com/aigw/gateway/internal/jobs"
	"github.com/aigw/gateway/internal/store"
)

// JobsCreateHandler accepts an async job. The raw payload goes to the
// queue; the store keeps only the redacted copy.
func JobsCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := apikey.FromContext(r.Context())

		body, perr := decodeBody(r)
		if perr != nil {
			apierr.Write(w, *perr)
			return
		}

		kind, _ := body["kind"].(string)
		if kind != jobs.KindResponses && kind != jobs.KindChat {
			apierr.Write(w, apierr.InvalidRequest("kind must be responses or chat.completions"))
			return
		}
		payload := map[string]any{}
		if raw, present := body["payload"]; present {
			obj, ok := raw.(map[string]any)
			if !ok {
				apierr.Write(w, apierr.InvalidRequest("payload must be a JSON object"))
				return
			}
			payload = obj
		}
		// Model resolution: body field, then payload.model; empty is allowed.
		model, _ := body["model"].(string)

		if e := gate(d, r, key, "jobs.create"); e != nil {
			apierr.Write(w, *e)
			return
		}

		req := jobs.CreateRequest{
			Kind:     kind,
			Provider: resolveProvider(d, r, body),
			Model:    model,
			Payload:  payload,
		}
		if _, err := d.Providers.Get(req.Provider); err != nil {
			apierr.Write(w, apierr.Map(err))
			return
		}
		if ik, _ := body["idempotency_key"].(string); ik != "" {
			req.IdempotencyKey = &ik
		} else if ik := r.Header.Get(IdempotencyHeader); ik != "" {
			req.IdempotencyKey = &ik
		}
		if wh, ok := body["webhook"].(map[string]any); ok {
			if u, _ := wh["url"].(string); u != "" {
				req.WebhookURL = &u
			}
			if s, _ := wh["secret"].(string); s != "" {
				req.WebhookSecret = &s
			}
			if hs, ok := wh["headers"].(map[string]any); ok {
				headers := make(map[string]string, len(hs))
				for k, v := range hs {
					if sv, ok := v.(string); ok {
						headers[k] = sv
					}
				}
				req.WebhookHeaders = headers
			}
		}

		job, created, err := d.Jobs.Create(r.Context(), key, req)
		if err != nil {
			d.Logger.Error("job create failed", "error", err)
			apierr.Write(w, apierr.PublicError{
				Status: http.StatusInternalServerError, Code: apierr.CodeProviderError,
				Message: "could not accept job", Type: apierr.TypeGateway,
			})
			return
		}

		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{"job_id": job.ID, "status": job.Status})
	}
}

// JobsGetHandler returns a job's current state, scoped to the caller's key.
func JobsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := apikey.FromContext(r.Context())

		job, err := d.Jobs.Get(r.Context(), key.APIKeyID, chi.URLParam(r, "id"))
		if err != nil {
			d.Logger.Error("job lookup failed", "error", err)
			apierr.Write(w, apierr.NotFound)
			return
		}
		if job == nil {
			apierr.Write(w, apierr.NotFound)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	}
}

// JobAttemptsHandler lists execution attempts for a job.
func JobAttemptsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := apikey.FromContext(r.Context())
		jobID := chi.URLParam(r, "id")

		job, err := d.Jobs.Get(r.Context(), key.APIKeyID, jobID)
		if err != nil || job == nil {
			apierr.Write(w, apierr.NotFound)
			return
		}

		attempts, err := d.Store.ListJobAttempts(r.Context(), jobID)
		if err != nil {
			d.Logger.Error("list attempts failed", "error", err)
			apierr.Write(w, apierr.NotFound)
			return
		}
		views := make([]map[string]any, 0, len(attempts))
		for _, a := range attempts {
			v := map[string]any{
				"attempt":    a.Attempt,
				"status":     a.Status,
				"latency_ms": a.LatencyMs,
				"created_at": a.CreatedAt.Format(time.RFC3339Nano),
			}
			if a.ErrorText != nil {
				v["error"] = *a.ErrorText
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "attempts": views})
	}
}

// JobDeliveriesHandler lists webhook delivery attempts for a job.
func JobDeliveriesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := apikey.FromContext(r.Context())
		jobID := chi.URLParam(r, "id")

		job, err := d.Jobs.Get(r.Context(), key.APIKeyID, jobID)
		if err != nil || job == nil {
			apierr.Write(w, apierr.NotFound)
			return
		}

		deliveries, err := d.Store.ListWebhookDeliveries(r.Context(), jobID)
		if err != nil {
			d.Logger.Error("list deliveries failed", "error", err)
			apierr.Write(w, apierr.NotFound)
			return
		}
		views := make([]map[string]any, 0, len(deliveries))
		for _, del := range deliveries {
			v := map[string]any{
				"attempt":    del.Attempt,
				"url":        del.URL,
				"created_at": del.CreatedAt.Format(time.RFC3339Nano),
			}
			if del.StatusCode != nil {
				v["status_code"] = *del.StatusCode
			}
			if del.ErrorText != nil {
				v["error"] = *del.ErrorText
			}
			if del.LatencyMs != nil {
				v["latency_ms"] = *del.LatencyMs
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "deliveries": views})
	}
}

// jobView is the public shape of a job. Payload and result are the stored
// redacted forms; webhook secrets never appear.
func jobView(job *store.Job) map[string]any {
	v := map[string]any{
		"job_id":     job.ID,
		"kind":       job.Kind,
		"provider":   job.Provider,
		"model":      job.Model,
		"status":     job.Status,
		"payload":    job.Payload,
		"created_at": job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if job.IdempotencyKey != nil {
		v["idempotency_key"] = *job.IdempotencyKey
	}
	if job.WebhookURL != nil {
		v["webhook_url"] = *job.WebhookURL
	}
	if job.Result != nil {
		v["result"] = job.Result
	}
	if job.ErrorCode != nil {
		v["error_code"] = *job.ErrorCode
	}
	if job.ErrorText != nil {
		v["error"] = *job.ErrorText
	}
	return v
}
