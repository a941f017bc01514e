// Package jobs implements the asynchronous execution path: intake of job
// requests on the gateway side and the worker that claims, runs, and
// finishes them. Raw payloads travel only through the queue; the store sees
// redacted copies.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aigw/gateway/internal/apikey"
	"github.com/aigw/gateway/internal/queue"
	"github.com/aigw/gateway/internal/redact"
	"github.com/aigw/gateway/internal/store"
)

// Job kinds.
const (
	KindResponses = "responses"
	KindChat      = "chat.completions"
)

// Task is the queue envelope for one execution attempt. Payload is the raw
// request body; it exists only in Redis and in worker memory.
type Task struct {
	JobID   string         `json:"job_id"`
	Retries int            `json:"retries"`
	Payload map[string]any `json:"payload"`
}

// EncodeTask renders a task for the queue.
func EncodeTask(t Task) []byte {
	raw, _ := json.Marshal(t)
	return raw
}

// DecodeTask parses a queue message back into a task.
func DecodeTask(raw []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, fmt.Errorf("decode job task: %w", err)
	}
	return t, nil
}

// CreateRequest is a validated job-creation request. Model may be empty;
// when unset it falls back to the payload's model field.
type CreateRequest struct {
	Kind           string
	Provider       string
	Model          string
	Payload        map[string]any
	IdempotencyKey *string
	WebhookURL     *string
	WebhookSecret  *string
	WebhookHeaders map[string]string
}

// Service accepts jobs on the gateway side.
type Service struct {
	store  store.Store
	queue  *queue.Queue
	logger *slog.Logger
}

func NewService(st store.Store, q *queue.Queue, logger *slog.Logger) *Service {
	return &Service{store: st, queue: q, logger: logger}
}

// Create persists and enqueues a job. When the idempotency key matches an
// existing job for the same API key, that job is returned with created set
// to false and nothing is enqueued.
func (s *Service) Create(ctx context.Context, key *apikey.AuthedKey, req CreateRequest) (job *store.Job, created bool, err error) {
	if req.IdempotencyKey != nil {
		existing, err := s.store.GetJobByIdempotencyKey(ctx, key.APIKeyID, *req.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	model := req.Model
	if model == "" {
		model, _ = req.Payload["model"].(string)
	}
	job = &store.Job{
		APIKeyID:       key.APIKeyID,
		Kind:           req.Kind,
		Provider:       req.Provider,
		Model:          model,
		Status:         store.StatusQueued,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        redactPayload(req.Kind, req.Payload),
		WebhookURL:     req.WebhookURL,
		WebhookSecret:  req.WebhookSecret,
		WebhookHeaders: req.WebhookHeaders,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) && req.IdempotencyKey != nil {
			// Lost the race to a concurrent create with the same key.
			existing, lookupErr := s.store.GetJobByIdempotencyKey(ctx, key.APIKeyID, *req.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	if err := s.queue.Enqueue(ctx, EncodeTask(Task{JobID: job.ID, Payload: req.Payload})); err != nil {
		return nil, false, fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Info("job accepted",
		"job_id", job.ID, "kind", job.Kind, "provider", job.Provider, "model", job.Model)
	return job, true, nil
}

// Get returns a job scoped to the requesting API key.
func (s *Service) Get(ctx context.Context, apiKeyID, jobID string) (*store.Job, error) {
	return s.store.GetJobForAPIKey(ctx, jobID, apiKeyID)
}

func redactPayload(kind string, payload map[string]any) map[string]any {
	if kind == KindChat {
		return redact.ChatPayload(payload)
	}
	return redact.ResponsesPayload(payload)
}
