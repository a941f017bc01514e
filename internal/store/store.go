// Package store is the durable audit store: API keys, request logs, jobs,
// job attempts, and webhook deliveries. Request logs, attempts, and
// deliveries are append-only; only jobs mutate, and only through the guarded
// transitions this package exposes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Job and request statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrAlreadyTerminal is returned when a job transition targets a job that
// already reached succeeded/failed. Callers must discard their work.
var ErrAlreadyTerminal = errors.New("job already terminal")

// ErrDuplicateIdempotencyKey is returned when inserting a job that collides
// on (api_key_id, idempotency_key).
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// APIKey is a tenant credential record. The presented secret is never
// stored; only its bcrypt hash is.
type APIKey struct {
	ID               string
	Name             string
	KeyID            *string // nil for legacy keys hashed over the whole token
	KeyHash          string
	IsActive         bool
	RPMLimit         *int
	DailyBudgetRub   *decimal.Decimal
	MonthlyBudgetRub *decimal.Decimal
	CreatedAt        time.Time
}

// RequestLog is one terminated provider call: a sync request or one job
// attempt. Immutable once written.
type RequestLog struct {
	ID               string
	APIKeyID         string
	Kind             string // responses | chat.completions | models
	Provider         string
	Model            string
	Status           string // succeeded | failed
	ErrorCode        *string
	ErrorText        *string
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	CostRub          *decimal.Decimal
	LatencyMs        int
	RequestPayload   map[string]any // redacted
	ResponsePayload  map[string]any // redacted
	CreatedAt        time.Time
}

// Job is an asynchronous provider call with its webhook configuration.
// Payload and result columns hold only redacted copies.
type Job struct {
	ID             string
	APIKeyID       string
	Kind           string
	Provider       string
	Model          string
	Status         string
	IdempotencyKey *string
	Payload        map[string]any // redacted
	WebhookURL     *string
	WebhookSecret  *string
	WebhookHeaders map[string]string
	Result         map[string]any // redacted
	ErrorCode      *string
	ErrorText      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobAttempt is one provider invocation under a job. Ordinals are 1-based
// and dense per job.
type JobAttempt struct {
	ID        string
	JobID     string
	Attempt   int
	Status    string
	ErrorText *string
	LatencyMs int
	CreatedAt time.Time
}

// WebhookDelivery is one HTTP POST of a webhook body. StatusCode is nil on
// transport failure.
type WebhookDelivery struct {
	ID         string
	JobID      string
	Attempt    int
	URL        string
	StatusCode *int
	ErrorText  *string
	LatencyMs  *int
	CreatedAt  time.Time
}

// FinishJob carries the atomic terminal transition of a job: the request
// log and attempt rows commit together with the status change.
type FinishJob struct {
	JobID     string
	Attempt   int
	Status    string // succeeded | failed
	ErrorCode *string
	ErrorText *string
	Result    map[string]any // redacted result summary envelope
	Log       *RequestLog
}

// Store is the persistence contract for the gateway and worker.
type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByKeyID(ctx context.Context, keyID string) (*APIKey, error)
	ListLegacyAPIKeys(ctx context.Context) ([]APIKey, error)

	InsertRequestLog(ctx context.Context, log *RequestLog) error
	SumSucceededCost(ctx context.Context, apiKeyID string, since time.Time) (decimal.Decimal, error)

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	GetJobForAPIKey(ctx context.Context, id, apiKeyID string) (*Job, error)
	GetJobByIdempotencyKey(ctx context.Context, apiKeyID, key string) (*Job, error)

	// ClaimJob marks the job running and returns the next attempt ordinal.
	// claimed is false when the job is missing or already terminal.
	ClaimJob(ctx context.Context, id string) (job *Job, attempt int, claimed bool, err error)
	// CompleteJob applies the terminal transition atomically, returning
	// ErrAlreadyTerminal when another worker finished the job first.
	CompleteJob(ctx context.Context, fin FinishJob) error

	NextWebhookAttempt(ctx context.Context, jobID string) (int, error)
	InsertWebhookDelivery(ctx context.Context, d *WebhookDelivery) error
	ListWebhookDeliveries(ctx context.Context, jobID string) ([]WebhookDelivery, error)
	ListJobAttempts(ctx context.Context, jobID string) ([]JobAttempt, error)
}
