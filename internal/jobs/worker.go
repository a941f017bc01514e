package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aigw/gateway/internal/apierr"
	"github.com/aigw/gateway/internal/metrics"
	"github.com/aigw/gateway/internal/pricing"
	"github.com/aigw/gateway/internal/providers"
	"github.com/aigw/gateway/internal/queue"
	"github.com/aigw/gateway/internal/redact"
	"github.com/aigw/gateway/internal/store"
	"github.com/aigw/gateway/internal/webhook"
)

const (
	// MaxRetries bounds task requeues after store or broker failures: one
	// initial run plus three. Provider outcomes, good or bad, commit on the
	// first attempt and never requeue.
	MaxRetries = 3

	maxRetryBackoff = 60 * time.Second
)

// Runner executes queued jobs against providers and commits their outcome.
type Runner struct {
	store     store.Store
	queue     *queue.Queue
	registry  *providers.Registry
	prices    *pricing.Table
	deliverer *webhook.Deliverer
	metrics   *metrics.Registry
	logger    *slog.Logger
}

func NewRunner(st store.Store, q *queue.Queue, reg *providers.Registry, prices *pricing.Table,
	d *webhook.Deliverer, m *metrics.Registry, logger *slog.Logger) *Runner {
	return &Runner{
		store:     st,
		queue:     q,
		registry:  reg,
		prices:    prices,
		deliverer: d,
		metrics:   m,
		logger:    logger,
	}
}

// Handle runs one queued task: claim the job, call the provider once, and
// commit exactly one terminal outcome. A claim that loses (terminal or
// missing job) drops the task without side effects. Store and broker
// failures requeue the task with backoff; provider failures do not.
func (r *Runner) Handle(ctx context.Context, raw []byte) error {
	task, err := DecodeTask(raw)
	if err != nil {
		r.logger.Error("discarding malformed job task", "error", err)
		return nil
	}

	job, attempt, claimed, err := r.store.ClaimJob(ctx, task.JobID)
	if err != nil {
		return r.retryTask(ctx, task, fmt.Errorf("claim job: %w", err))
	}
	if !claimed {
		if job != nil {
			r.logger.Info("skipping terminal job", "job_id", task.JobID, "status", job.Status)
		} else {
			r.logger.Warn("task for unknown job", "job_id", task.JobID)
		}
		return nil
	}

	start := time.Now()
	result, callErr := r.callProvider(ctx, job, task.Payload)
	latency := time.Since(start)

	if callErr == nil {
		err = r.finishSucceeded(ctx, job, attempt, task.Payload, result, latency)
	} else {
		err = r.finishFailed(ctx, job, attempt, task.Payload, callErr, latency)
	}
	if err != nil {
		return r.retryTask(ctx, task, err)
	}
	return nil
}

// retryTask reschedules a task whose infrastructure failed under it. The
// claimed job stays as it is; the rescheduled task re-claims it.
func (r *Runner) retryTask(ctx context.Context, task Task, cause error) error {
	if task.Retries >= MaxRetries {
		return fmt.Errorf("job %s abandoned after %d requeues: %w", task.JobID, task.Retries, cause)
	}
	delay := jobRetryBackoff(task.Retries)
	next := EncodeTask(Task{JobID: task.JobID, Retries: task.Retries + 1, Payload: task.Payload})
	if err := r.queue.EnqueueIn(ctx, next, delay); err != nil {
		return fmt.Errorf("requeue job %s after %v: %w", task.JobID, cause, err)
	}
	r.logger.Warn("job task hit infrastructure error, requeued",
		"job_id", task.JobID, "retry_in", delay, "error", cause)
	return nil
}

func (r *Runner) callProvider(ctx context.Context, job *store.Job, payload map[string]any) (*providers.Result, error) {
	client, err := r.registry.Get(job.Provider)
	if err != nil {
		return nil, err
	}
	switch job.Kind {
	case KindChat:
		return client.ChatCompletions(ctx, payload)
	default:
		return client.Responses(ctx, payload)
	}
}

func (r *Runner) finishSucceeded(ctx context.Context, job *store.Job, attempt int,
	payload map[string]any, result *providers.Result, latency time.Duration) error {

	cost := r.prices.Cost(job.Model, result.PromptTokens, result.CompletionTokens)
	log := r.buildLog(job, store.StatusSucceeded, nil, nil, payload, result.JSON, cost, latency)
	log.ID = uuid.NewString()
	log.PromptTokens = result.PromptTokens
	log.CompletionTokens = result.CompletionTokens
	log.TotalTokens = result.TotalTokens

	fin := store.FinishJob{
		JobID:   job.ID,
		Attempt: attempt,
		Status:  store.StatusSucceeded,
		Result:  resultEnvelope(log, result.JSON),
		Log:     log,
	}
	if err := r.store.CompleteJob(ctx, fin); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			r.logger.Warn("job finished elsewhere, discarding result", "job_id", job.ID)
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}

	r.metrics.JobsTotal.WithLabelValues(job.Provider, store.StatusSucceeded).Inc()
	costF := 0.0
	if cost != nil {
		costF, _ = cost.Float64()
	}
	r.metrics.ObserveUsage(job.Provider, job.Model, result.PromptTokens, result.CompletionTokens, costF)
	r.logger.Info("job succeeded",
		"job_id", job.ID, "attempt", attempt, "latency_ms", latency.Milliseconds())

	job.Status = store.StatusSucceeded
	job.Result = fin.Result
	r.enqueueWebhook(ctx, job, notifyBody(job, log, attempt, result.JSON, nil))
	return nil
}

func (r *Runner) finishFailed(ctx context.Context, job *store.Job, attempt int,
	payload map[string]any, callErr error, latency time.Duration) error {

	pub := apierr.Map(callErr)
	errText := callErr.Error()
	log := r.buildLog(job, store.StatusFailed, &pub.Code, &errText, payload, nil, nil, latency)
	log.ID = uuid.NewString()

	fin := store.FinishJob{
		JobID: job.ID, Attempt: attempt, Status: store.StatusFailed,
		ErrorCode: &pub.Code, ErrorText: &errText,
		Result: resultEnvelope(log, apierr.Payload(pub)),
		Log:    log,
	}
	if err := r.store.CompleteJob(ctx, fin); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}

	r.metrics.JobsTotal.WithLabelValues(job.Provider, store.StatusFailed).Inc()
	r.logger.Error("job failed",
		"job_id", job.ID, "attempt", attempt, "code", pub.Code)

	job.Status = store.StatusFailed
	job.ErrorCode = &pub.Code
	job.ErrorText = &errText
	job.Result = fin.Result
	r.enqueueWebhook(ctx, job, notifyBody(job, log, attempt, nil, &pub))
	return nil
}

// enqueueWebhook is best effort: the job already committed, so a broker
// failure here loses the notification rather than re-running the job.
func (r *Runner) enqueueWebhook(ctx context.Context, job *store.Job, body map[string]any) {
	if err := r.deliverer.Enqueue(ctx, job, body); err != nil {
		r.logger.Error("webhook enqueue failed", "job_id", job.ID, "error", err)
	}
}

func (r *Runner) buildLog(job *store.Job, status string, code, text *string,
	payload, response map[string]any, cost *decimal.Decimal, latency time.Duration) *store.RequestLog {

	var redactedResp map[string]any
	if response != nil {
		redactedResp = redact.ResponsesPayload(response)
	}
	return &store.RequestLog{
		APIKeyID:        job.APIKeyID,
		Kind:            job.Kind,
		Provider:        job.Provider,
		Model:           job.Model,
		Status:          status,
		ErrorCode:       code,
		ErrorText:       text,
		CostRub:         cost,
		LatencyMs:       int(latency.Milliseconds()),
		RequestPayload:  redactPayload(job.Kind, payload),
		ResponsePayload: redactedResp,
	}
}

// resultEnvelope is the redacted terminal result stored on the job row:
// execution metadata plus a summary of the provider output (or of the error
// payload on failure).
func resultEnvelope(log *store.RequestLog, response map[string]any) map[string]any {
	if response == nil {
		response = map[string]any{}
	}
	return map[string]any{
		"request_id": log.ID,
		"provider":   log.Provider,
		"model":      log.Model,
		"latency_ms": log.LatencyMs,
		"tokens": map[string]any{
			"prompt":     tokenVal(log.PromptTokens),
			"completion": tokenVal(log.CompletionTokens),
			"total":      tokenVal(log.TotalTokens),
		},
		"cost_rub": costVal(log.CostRub),
		"result":   redact.ResultSummary(response),
	}
}

// notifyBody is the webhook notification for a terminal job. The raw
// provider output rides the broker to the receiver; the store never sees it.
func notifyBody(job *store.Job, log *store.RequestLog, attempt int,
	result map[string]any, pub *apierr.PublicError) map[string]any {

	body := map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"meta": map[string]any{
			"request_id": log.ID,
			"provider":   job.Provider,
			"model":      job.Model,
			"latency_ms": log.LatencyMs,
			"cost_rub":   costVal(log.CostRub),
			"attempt":    attempt,
		},
	}
	if pub != nil {
		body["error"] = map[string]any{"code": pub.Code, "message": pub.Message}
	} else {
		body["result"] = result
	}
	return body
}

func tokenVal(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func costVal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	f, _ := d.Float64()
	return f
}

// jobRetryBackoff doubles per retry, capped at one minute.
func jobRetryBackoff(retries int) time.Duration {
	d := time.Second * (1 << retries)
	if d > maxRetryBackoff || d <= 0 {
		return maxRetryBackoff
	}
	return d
}
