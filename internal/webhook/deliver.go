package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aigw/gateway/internal/metrics"
	"github.com/aigw/gateway/internal/queue"
	"github.com/aigw/gateway/internal/store"
)

const (
	// MaxRetries bounds delivery attempts per job: one initial plus five
	// retries.
	MaxRetries = 5

	maxBackoff = 300 * time.Second
)

// retryableStatuses are response codes worth another attempt. Any other 4xx
// is the receiver rejecting the delivery permanently.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:  true,
	http.StatusConflict:        true,
	http.StatusTooEarly:        true,
	http.StatusTooManyRequests: true,
}

// Task is the queue envelope for one delivery attempt. The notification
// body rides the broker so the receiver sees the raw provider output; the
// store keeps only redacted copies.
type Task struct {
	JobID   string         `json:"job_id"`
	Retries int            `json:"retries"`
	Body    map[string]any `json:"body,omitempty"`
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
		return Task{}, fmt.Errorf("decode webhook task: %w", err)
	}
	return t, nil
}

// fallbackBody rebuilds a notification from the stored job when a task
// carries no body. The result here is the redacted envelope, not the raw
// provider output.
func fallbackBody(job *store.Job) map[string]any {
	body := map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	}
	if job.Status == store.StatusSucceeded {
		body["result"] = job.Result
	} else {
		e := map[string]any{}
		if job.ErrorCode != nil {
			e["code"] = *job.ErrorCode
		}
		if job.ErrorText != nil {
			e["message"] = *job.ErrorText
		}
		body["error"] = e
	}
	return body
}

// Deliverer posts signed notifications and records every attempt.
type Deliverer struct {
	store   store.Store
	queue   *queue.Queue
	client  *http.Client
	metrics *metrics.Registry
	logger  *slog.Logger
}

func NewDeliverer(st store.Store, q *queue.Queue, timeout time.Duration, reg *metrics.Registry, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		store:   st,
		queue:   q,
		client:  &http.Client{Timeout: timeout},
		metrics: reg,
		logger:  logger,
	}
}

// Enqueue schedules the first delivery attempt for a job, carrying the
// prepared notification body. Jobs without a webhook URL are skipped
// silently.
func (d *Deliverer) Enqueue(ctx context.Context, job *store.Job, body map[string]any) error {
	if job.WebhookURL == nil || *job.WebhookURL == "" {
		return nil
	}
	return d.queue.Enqueue(ctx, EncodeTask(Task{JobID: job.ID, Body: body}))
}

// Handle processes one queued delivery task: load the job, post the signed
// body, record the attempt, and either re-enqueue with backoff or stop.
func (d *Deliverer) Handle(ctx context.Context, raw []byte) error {
	task, err := DecodeTask(raw)
	if err != nil {
		d.logger.Error("discarding malformed webhook task", "error", err)
		return nil
	}

	job, err := d.store.GetJob(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("load job for webhook: %w", err)
	}
	if job == nil {
		d.logger.Warn("webhook task for unknown job", "job_id", task.JobID)
		return nil
	}
	if job.WebhookURL == nil || *job.WebhookURL == "" {
		return nil
	}

	payload := task.Body
	if payload == nil {
		payload = fallbackBody(job)
	}
	body, err := EncodeBody(payload)
	if err != nil {
		return err
	}

	attempt, err := d.store.NextWebhookAttempt(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("next webhook attempt: %w", err)
	}

	status, latency, postErr := d.post(ctx, job, body)

	delivery := &store.WebhookDelivery{
		JobID:   job.ID,
		Attempt: attempt,
		URL:     *job.WebhookURL,
	}
	ms := int(latency.Milliseconds())
	delivery.LatencyMs = &ms
	if status != 0 {
		delivery.StatusCode = &status
	}
	if postErr != nil {
		text := postErr.Error()
		delivery.ErrorText = &text
	}
	if err := d.store.InsertWebhookDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}

	if postErr == nil && status >= 200 && status < 300 {
		d.metrics.WebhookDeliveries.WithLabelValues("succeeded").Inc()
		d.logger.Info("webhook delivered",
			"job_id", job.ID, "attempt", attempt, "status", status)
		return nil
	}

	// Every failed attempt counts as failed, whether or not it retries.
	d.metrics.WebhookDeliveries.WithLabelValues("failed").Inc()

	if retryable(status, postErr) && task.Retries < MaxRetries {
		delay := retryBackoff(task.Retries)
		d.logger.Warn("webhook delivery failed, retrying",
			"job_id", job.ID, "attempt", attempt, "status", status,
			"retry_in", delay, "error", postErr)
		next := EncodeTask(Task{JobID: job.ID, Retries: task.Retries + 1, Body: task.Body})
		return d.queue.EnqueueIn(ctx, next, delay)
	}

	d.logger.Error("webhook delivery abandoned",
		"job_id", job.ID, "attempt", attempt, "status", status, "error", postErr)
	return nil
}

func (d *Deliverer) post(ctx context.Context, job *store.Job, body []byte) (status int, latency time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if job.WebhookSecret != nil && *job.WebhookSecret != "" {
		req.Header.Set(SignatureHeader, Sign(*job.WebhookSecret, body))
	}
	for k, v := range job.WebhookHeaders {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	latency = time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, latency, nil
}

// retryable classifies an attempt outcome. Transport errors and the
// retryable status set get another try; other 4xx responses do not.
func retryable(status int, err error) bool {
	if err != nil {
		return true
	}
	if status >= 500 {
		return true
	}
	return retryableStatuses[status]
}

// retryBackoff doubles per retry, capped at five minutes.
func retryBackoff(retries int) time.Duration {
	d := time.Second * (1 << retries)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
