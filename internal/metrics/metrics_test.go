package metrics

import (
	"testing"
)

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if r.reg == nil {
		t.Fatal("expected non-nil prometheus registry")
	}
	if r.RequestsTotal == nil || r.RequestLatency == nil || r.JobsTotal == nil ||
		r.WebhookDeliveries == nil || r.TokensTotal == nil || r.CostRub == nil {
		t.Fatal("expected all metric vectors to be initialized")
	}
}

func TestHandlerNonNil(t *testing.T) {
	r := New()
	if r.Handler() == nil {
		t.Fatal("expected non-nil http.Handler from Handler()")
	}
}

func TestMetricsCanBeCollected(t *testing.T) {
	r := New()

	r.ObserveRequest("responses", "openai", "succeeded", 0.42)
	pt, ct := 100, 20
	r.ObserveUsage("openai", "gpt-4o", &pt, &ct, 0.03)
	r.JobsTotal.WithLabelValues("openai", "succeeded").Inc()
	r.WebhookDeliveries.WithLabelValues("succeeded").Inc()

	mfs, err := r.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	want := []string{
		"requests_total",
		"request_latency_seconds",
		"jobs_total",
		"webhook_deliveries_total",
		"tokens_total",
		"cost_rub_total",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("expected metric %q in gathered metrics", name)
		}
	}
}

func TestObserveUsageNilTokens(t *testing.T) {
	r := New()

	// Must not panic or record token series when usage is absent.
	r.ObserveUsage("openai", "gpt-4o", nil, nil, 0)

	mfs, err := r.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "tokens_total" && len(mf.GetMetric()) > 0 {
			t.Error("expected no tokens_total series for nil usage")
		}
	}
}

func TestMultipleRegistriesAreIndependent(t *testing.T) {
	r1 := New()
	r2 := New()

	r1.ObserveRequest("responses", "openai", "succeeded", 0.1)

	mfs, err := r2.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil && m.GetCounter().GetValue() > 0 {
				t.Error("r2 should not have any non-zero counters")
			}
		}
	}
}
