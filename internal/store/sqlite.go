package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// WAL for read concurrency; busy timeout so the single writer queues
	// instead of failing.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			key_id TEXT,
			key_hash TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			rpm_limit INTEGER,
			daily_budget_rub TEXT,
			monthly_budget_rub TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_api_keys_key_id ON api_keys(key_id) WHERE key_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			api_key_id TEXT NOT NULL REFERENCES api_keys(id),
			kind TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_code TEXT,
			error_text TEXT,
			prompt_tokens INTEGER,
			completion_tokens INTEGER,
			total_tokens INTEGER,
			cost_rub TEXT,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			request_payload_redacted TEXT,
			response_payload_redacted TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_api_key_created ON requests(api_key_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			api_key_id TEXT NOT NULL REFERENCES api_keys(id),
			kind TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'queued',
			idempotency_key TEXT,
			payload_redacted TEXT,
			webhook_url TEXT,
			webhook_secret TEXT,
			webhook_headers TEXT,
			result_redacted TEXT,
			error_code TEXT,
			error_text TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_jobs_api_key_idempotency
			ON jobs(api_key_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS job_attempts (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			error_text TEXT,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE(job_id, attempt)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			attempt INTEGER NOT NULL,
			url TEXT NOT NULL,
			status_code INTEGER,
			error_text TEXT,
			latency_ms INTEGER,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_job_created ON webhook_deliveries(job_id, created_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Column helpers: times as RFC3339Nano UTC, decimals as strings, JSON as TEXT.

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func decToCol(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func colToDec(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil
	}
	return &d
}

func jsonToCol(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return string(data), nil
}

func colToMap(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	return out
}

func colToHeaders(ns sql.NullString) map[string]string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	return out
}

func strCol(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func intCol(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func colToStr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func colToInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

// API keys

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_id, key_hash, is_active, rpm_limit, daily_budget_rub, monthly_budget_rub, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, strCol(key.KeyID), key.KeyHash, boolCol(key.IsActive),
		intCol(key.RPMLimit), decToCol(key.DailyBudgetRub), decToCol(key.MonthlyBudgetRub),
		fmtTime(key.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func boolCol(b bool) int {
	if b {
		return 1
	}
	return 0
}

const apiKeyColumns = `id, name, key_id, key_hash, is_active, rpm_limit, daily_budget_rub, monthly_budget_rub, created_at`

func scanAPIKey(row interface{ Scan(...any) error }) (*APIKey, error) {
	var (
		k         APIKey
		keyID     sql.NullString
		active    int
		rpm       sql.NullInt64
		daily     sql.NullString
		monthly   sql.NullString
		createdAt string
	)
	if err := row.Scan(&k.ID, &k.Name, &keyID, &k.KeyHash, &active, &rpm, &daily, &monthly, &createdAt); err != nil {
		return nil, err
	}
	k.KeyID = colToStr(keyID)
	k.IsActive = active != 0
	k.RPMLimit = colToInt(rpm)
	k.DailyBudgetRub = colToDec(daily)
	k.MonthlyBudgetRub = colToDec(monthly)
	k.CreatedAt = parseTime(createdAt)
	return &k, nil
}

func (s *SQLiteStore) GetAPIKeyByKeyID(ctx context.Context, keyID string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_id = ? AND is_active = 1`, keyID)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

func (s *SQLiteStore) ListLegacyAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_id IS NULL AND is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list legacy keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// Request logs

func (s *SQLiteStore) InsertRequestLog(ctx context.Context, log *RequestLog) error {
	return s.insertRequestLog(ctx, s.db, log)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertRequestLog(ctx context.Context, db execer, log *RequestLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	reqPayload, err := jsonToCol(log.RequestPayload)
	if err != nil {
		return err
	}
	respPayload, err := jsonToCol(log.ResponsePayload)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO requests (id, api_key_id, kind, provider, model, status, error_code, error_text,
			prompt_tokens, completion_tokens, total_tokens, cost_rub, latency_ms,
			request_payload_redacted, response_payload_redacted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.APIKeyID, log.Kind, log.Provider, log.Model, log.Status,
		strCol(log.ErrorCode), strCol(log.ErrorText),
		intCol(log.PromptTokens), intCol(log.CompletionTokens), intCol(log.TotalTokens),
		decToCol(log.CostRub), log.LatencyMs, reqPayload, respPayload, fmtTime(log.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// SumSucceededCost adds up cost_rub of succeeded requests since the given
// instant. The sum runs in Go over decimal strings to keep exact precision.
func (s *SQLiteStore) SumSucceededCost(ctx context.Context, apiKeyID string, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cost_rub FROM requests
		 WHERE api_key_id = ? AND status = 'succeeded' AND cost_rub IS NOT NULL AND created_at >= ?`,
		apiKeyID, fmtTime(since))
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum cost: %w", err)
	}
	defer func() { _ = rows.Close() }()

	total := decimal.Zero
	for rows.Next() {
		var costStr string
		if err := rows.Scan(&costStr); err != nil {
			return decimal.Zero, err
		}
		cost, err := decimal.NewFromString(costStr)
		if err != nil {
			continue
		}
		total = total.Add(cost)
	}
	return total, rows.Err()
}

// Jobs

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	if job.Status == "" {
		job.Status = StatusQueued
	}

	payload, err := jsonToCol(job.Payload)
	if err != nil {
		return err
	}
	headers, err := jsonToCol(job.WebhookHeaders)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, api_key_id, kind, provider, model, status, idempotency_key,
			payload_redacted, webhook_url, webhook_secret, webhook_headers,
			result_redacted, error_code, error_text, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?)`,
		job.ID, job.APIKeyID, job.Kind, job.Provider, job.Model, job.Status,
		strCol(job.IdempotencyKey), payload, strCol(job.WebhookURL), strCol(job.WebhookSecret),
		headers, fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, api_key_id, kind, provider, model, status, idempotency_key,
	payload_redacted, webhook_url, webhook_secret, webhook_headers,
	result_redacted, error_code, error_text, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		j                                 Job
		idem, whURL, whSecret             sql.NullString
		payload, whHeaders, result        sql.NullString
		errCode, errText                  sql.NullString
		createdAt, updatedAt              string
	)
	if err := row.Scan(&j.ID, &j.APIKeyID, &j.Kind, &j.Provider, &j.Model, &j.Status,
		&idem, &payload, &whURL, &whSecret, &whHeaders, &result, &errCode, &errText,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.IdempotencyKey = colToStr(idem)
	j.Payload = colToMap(payload)
	j.WebhookURL = colToStr(whURL)
	j.WebhookSecret = colToStr(whSecret)
	j.WebhookHeaders = colToHeaders(whHeaders)
	j.Result = colToMap(result)
	j.ErrorCode = colToStr(errCode)
	j.ErrorText = colToStr(errText)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) GetJobForAPIKey(ctx context.Context, id, apiKeyID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND api_key_id = ?`, id, apiKeyID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job for key: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) GetJobByIdempotencyKey(ctx context.Context, apiKeyID, key string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE api_key_id = ? AND idempotency_key = ?`, apiKeyID, key)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job by idempotency key: %w", err)
	}
	return j, nil
}

// ClaimJob marks a non-terminal job running and computes the next attempt
// ordinal inside one transaction. SQLite's single-writer lock plus the
// status guard gives the same serialization as SELECT ... FOR UPDATE.
func (s *SQLiteStore) ClaimJob(ctx context.Context, id string) (*Job, int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("claim job: %w", err)
	}
	if job.Status == StatusSucceeded || job.Status == StatusFailed {
		return job, 0, false, nil
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(attempt) FROM job_attempts WHERE job_id = ?`, id).Scan(&last); err != nil {
		return nil, 0, false, fmt.Errorf("next attempt: %w", err)
	}
	attempt := int(last.Int64) + 1

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?)`,
		StatusRunning, fmtTime(now), id, StatusSucceeded, StatusFailed)
	if err != nil {
		return nil, 0, false, fmt.Errorf("mark running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job, 0, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, false, fmt.Errorf("commit claim: %w", err)
	}

	job.Status = StatusRunning
	job.UpdatedAt = now
	return job, attempt, true, nil
}

// CompleteJob writes the request log, the attempt row, and the terminal
// status in a single transaction. The guarded UPDATE enforces exactly one
// terminal transition per job.
func (s *SQLiteStore) CompleteJob(ctx context.Context, fin FinishJob) error {
	if fin.Status != StatusSucceeded && fin.Status != StatusFailed {
		return fmt.Errorf("complete job: status %q is not terminal", fin.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	result, err := jsonToCol(fin.Result)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_code = ?, error_text = ?, result_redacted = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		fin.Status, strCol(fin.ErrorCode), strCol(fin.ErrorText), result, fmtTime(now),
		fin.JobID, StatusSucceeded, StatusFailed)
	if err != nil {
		return fmt.Errorf("terminal update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyTerminal
	}

	if fin.Log != nil {
		if err := s.insertRequestLog(ctx, tx, fin.Log); err != nil {
			return err
		}
	}

	attempt := &JobAttempt{
		ID:        uuid.NewString(),
		JobID:     fin.JobID,
		Attempt:   fin.Attempt,
		Status:    fin.Status,
		ErrorText: fin.ErrorText,
		CreatedAt: now,
	}
	if fin.Log != nil {
		attempt.LatencyMs = fin.Log.LatencyMs
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_attempts (id, job_id, attempt, status, error_text, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.JobID, attempt.Attempt, attempt.Status,
		strCol(attempt.ErrorText), attempt.LatencyMs, fmtTime(attempt.CreatedAt)); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

// Webhook deliveries

func (s *SQLiteStore) NextWebhookAttempt(ctx context.Context, jobID string) (int, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(attempt) FROM webhook_deliveries WHERE job_id = ?`, jobID).Scan(&last); err != nil {
		return 0, fmt.Errorf("next delivery attempt: %w", err)
	}
	return int(last.Int64) + 1, nil
}

func (s *SQLiteStore) InsertWebhookDelivery(ctx context.Context, d *WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, job_id, attempt, url, status_code, error_text, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.JobID, d.Attempt, d.URL, intCol(d.StatusCode), strCol(d.ErrorText),
		intCol(d.LatencyMs), fmtTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListWebhookDeliveries(ctx context.Context, jobID string) ([]WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, attempt, url, status_code, error_text, latency_ms, created_at
		 FROM webhook_deliveries WHERE job_id = ? ORDER BY attempt`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WebhookDelivery
	for rows.Next() {
		var (
			d         WebhookDelivery
			status    sql.NullInt64
			errText   sql.NullString
			latency   sql.NullInt64
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.JobID, &d.Attempt, &d.URL, &status, &errText, &latency, &createdAt); err != nil {
			return nil, err
		}
		d.StatusCode = colToInt(status)
		d.ErrorText = colToStr(errText)
		d.LatencyMs = colToInt(latency)
		d.CreatedAt = parseTime(createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListJobAttempts(ctx context.Context, jobID string) ([]JobAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, attempt, status, error_text, latency_ms, created_at
		 FROM job_attempts WHERE job_id = ? ORDER BY attempt`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobAttempt
	for rows.Next() {
		var (
			a         JobAttempt
			errText   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.Attempt, &a.Status, &errText, &a.LatencyMs, &createdAt); err != nil {
			return nil, err
		}
		a.ErrorText = colToStr(errText)
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
