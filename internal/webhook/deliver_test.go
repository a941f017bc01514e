package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigw/gateway/internal/metrics"
	"github.com/aigw/gateway/internal/queue"
	"github.com/aigw/gateway/internal/store"
)

func newTestDeliverer(t *testing.T) (*Deliverer, store.Store, *queue.Queue, *metrics.Registry) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.New(rdb, "webhooks")

	m := metrics.New()
	d := NewDeliverer(st, q, 2*time.Second, m, slog.Default())
	return d, st, q, m
}

func notification(job *store.Job) map[string]any {
	return map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"meta":   map[string]any{"provider": job.Provider, "model": job.Model, "attempt": 1},
		"result": map[string]any{"output": "raw text"},
	}
}

func seedJob(t *testing.T, st store.Store, url, secret string) *store.Job {
	t.Helper()
	ctx := context.Background()

	key := &store.APIKey{Name: "t", KeyHash: "x", IsActive: true}
	require.NoError(t, st.CreateAPIKey(ctx, key))

	job := &store.Job{
		APIKeyID: key.ID,
		Kind:     "responses",
		Provider: "mock",
		Model:    "mock-1",
	}
	if url != "" {
		job.WebhookURL = &url
	}
	if secret != "" {
		job.WebhookSecret = &secret
	}
	require.NoError(t, st.CreateJob(ctx, job))
	require.NoError(t, st.CompleteJob(ctx, store.FinishJob{
		JobID:   job.ID,
		Attempt: 1,
		Status:  store.StatusSucceeded,
		Result:  map[string]any{"sha256": "abc", "keys": []any{"output"}},
	}))
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return got
}

func TestDeliverSuccessSignsBody(t *testing.T) {
	var gotSig atomic.Value
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody.Store(string(buf))
		gotSig.Store(r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, st, q, _ := newTestDeliverer(t)
	job := seedJob(t, st, srv.URL, "whsec")
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, job, notification(job)))
	raw, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, raw)
	require.NoError(t, d.Handle(ctx, raw))

	sig, _ := gotSig.Load().(string)
	body, _ := gotBody.Load().(string)
	assert.True(t, Verify("whsec", []byte(body), sig))

	// The enqueued notification is delivered as-is.
	var posted map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &posted))
	assert.Equal(t, job.ID, posted["job_id"])
	assert.Contains(t, posted, "meta")
	assert.Contains(t, posted, "result")

	deliveries, err := st.ListWebhookDeliveries(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 1, deliveries[0].Attempt)
	require.NotNil(t, deliveries[0].StatusCode)
	assert.Equal(t, http.StatusOK, *deliveries[0].StatusCode)
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, st, q, m := newTestDeliverer(t)
	job := seedJob(t, st, srv.URL, "")
	ctx := context.Background()

	// Drive the retry chain directly; the queue only adds delay between
	// attempts.
	require.NoError(t, d.Handle(ctx, EncodeTask(Task{JobID: job.ID, Retries: 0})))
	require.NoError(t, d.Handle(ctx, EncodeTask(Task{JobID: job.ID, Retries: 1})))
	require.NoError(t, d.Handle(ctx, EncodeTask(Task{JobID: job.ID, Retries: 2})))

	deliveries, err := st.ListWebhookDeliveries(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{deliveries[0].Attempt, deliveries[1].Attempt, deliveries[2].Attempt})
	assert.Equal(t, http.StatusInternalServerError, *deliveries[0].StatusCode)
	assert.Equal(t, http.StatusOK, *deliveries[2].StatusCode)

	// Each failed attempt counts as failed; only the final one succeeded.
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues("succeeded")))

	// The two failures each scheduled a delayed retry; the success added
	// nothing.
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDeliverClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d, st, q, m := newTestDeliverer(t)
	job := seedJob(t, st, srv.URL, "")
	ctx := context.Background()

	require.NoError(t, d.Handle(ctx, EncodeTask(Task{JobID: job.ID})))

	deliveries, err := st.ListWebhookDeliveries(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues("failed")))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDeliverGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, st, q, _ := newTestDeliverer(t)
	job := seedJob(t, st, srv.URL, "")
	ctx := context.Background()

	require.NoError(t, d.Handle(ctx, EncodeTask(Task{JobID: job.ID, Retries: MaxRetries})))

	deliveries, err := st.ListWebhookDeliveries(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDeliverFallsBackToStoredResult(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody.Store(string(buf))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, st, _, _ := newTestDeliverer(t)
	job := seedJob(t, st, srv.URL, "")
	ctx := context.Background()

	// A task without a body falls back to the stored redacted envelope.
	require.NoError(t, d.Handle(ctx, EncodeTask(Task{JobID: job.ID})))

	var posted map[string]any
	body, _ := gotBody.Load().(string)
	require.NoError(t, json.Unmarshal([]byte(body), &posted))
	assert.Equal(t, job.ID, posted["job_id"])
	assert.Equal(t, store.StatusSucceeded, posted["status"])
	result, ok := posted["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abc", result["sha256"])
}

func TestEnqueueSkipsJobsWithoutWebhook(t *testing.T) {
	d, st, q, _ := newTestDeliverer(t)
	job := seedJob(t, st, "", "")
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, job, notification(job)))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRetryBackoffCapped(t *testing.T) {
	assert.Equal(t, time.Second, retryBackoff(0))
	assert.Equal(t, 2*time.Second, retryBackoff(1))
	assert.Equal(t, 16*time.Second, retryBackoff(4))
	assert.Equal(t, maxBackoff, retryBackoff(10))
	assert.Equal(t, maxBackoff, retryBackoff(40))
}
