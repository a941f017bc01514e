package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// retryableStatuses are upstream HTTP statuses worth retrying. Everything
// else fails immediately.
var retryableStatuses = map[int]bool{
	408: true, 409: true, 425: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// OpenAICompatConfig configures an OpenAI-compatible upstream.
type OpenAICompatConfig struct {
	Name    string // provider name as exposed to clients, e.g. "openai"
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retries int // extra attempts beyond the first

	// Optional attribution headers (OpenRouter-style).
	HTTPReferer string
	Title       string

	// Transport overrides the HTTP transport (used to inject the OTel
	// round-tripper). Nil means http.DefaultTransport.
	Transport http.RoundTripper
}

// OpenAICompat proxies to any upstream speaking the OpenAI /v1 wire format.
type OpenAICompat struct {
	name    string
	baseURL string
	headers map[string]string
	retries int
	client  *http.Client
}

// NormalizeBaseURL strips a trailing slash and a trailing /v1 so that both
// "https://host" and "https://host/v1" configure the same upstream.
func NormalizeBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	return strings.TrimRight(base, "/")
}

// NewOpenAICompat builds the client. Returns ErrNotConfigured when the base
// URL or API key is missing.
func NewOpenAICompat(cfg OpenAICompatConfig) (*OpenAICompat, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("%s needs OPENAI_BASE_URL and OPENAI_API_KEY: %w", cfg.Name, ErrNotConfigured)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	}
	if cfg.HTTPReferer != "" {
		headers["HTTP-Referer"] = cfg.HTTPReferer
	}
	if cfg.Title != "" {
		// Header values travel as raw bytes; non-ASCII titles go out UTF-8.
		headers["X-Title"] = cfg.Title
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAICompat{
		name:    cfg.Name,
		baseURL: NormalizeBaseURL(cfg.BaseURL),
		headers: headers,
		retries: cfg.Retries,
		client: &http.Client{
			Timeout:   timeout,
			Transport: cfg.Transport,
		},
	}, nil
}

func (p *OpenAICompat) Name() string { return p.name }

func retryBackoff(attempt int) time.Duration {
	d := time.Duration(float64(200*time.Millisecond) * float64(int(1)<<attempt))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

// do performs one HTTP exchange with the upstream, carrying an OTel client
// span, and returns the body bytes or a StatusError on non-2xx.
func (p *OpenAICompat) do(ctx context.Context, method, path string, payload map[string]any) ([]byte, error) {
	url := p.baseURL + path
	ctx, span := otel.Tracer("gateway.providers").Start(ctx, "provider.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "marshal failed")
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := p.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 300)}
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return data, nil
}

// request runs do with the bounded retry policy: transport errors and the
// retryable status set back off min(2s, 0.2s*2^attempt); everything else
// surfaces immediately.
func (p *OpenAICompat) request(ctx context.Context, method, path string, payload map[string]any) (map[string]any, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		data, err := p.do(ctx, method, path, payload)
		if err == nil {
			var out map[string]any
			if uerr := json.Unmarshal(data, &out); uerr != nil {
				return nil, fmt.Errorf("decode response: %w", uerr)
			}
			return out, nil
		}

		lastErr = err
		var se *StatusError
		if errors.As(err, &se) && !retryableStatuses[se.StatusCode] {
			return nil, err
		}
		if attempt < p.retries {
			select {
			case <-time.After(retryBackoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (p *OpenAICompat) Responses(ctx context.Context, payload map[string]any) (*Result, error) {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	// The gateway audits every call itself; keep upstream storage off unless
	// the caller opted in.
	if _, ok := body["store"]; !ok {
		body["store"] = false
	}

	data, err := p.request(ctx, http.MethodPost, "/v1/responses", body)
	if err != nil {
		return nil, err
	}
	pt, ct, tt := usageInts(data, "input_tokens", "output_tokens", "total_tokens")
	return &Result{JSON: data, PromptTokens: pt, CompletionTokens: ct, TotalTokens: tt}, nil
}

func (p *OpenAICompat) ChatCompletions(ctx context.Context, payload map[string]any) (*Result, error) {
	data, err := p.request(ctx, http.MethodPost, "/v1/chat/completions", payload)
	if err != nil {
		return nil, err
	}
	pt, ct, tt := usageInts(data, "prompt_tokens", "completion_tokens", "total_tokens")
	return &Result{JSON: data, PromptTokens: pt, CompletionTokens: ct, TotalTokens: tt}, nil
}

func (p *OpenAICompat) ListModels(ctx context.Context) (map[string]any, error) {
	return p.request(ctx, http.MethodGet, "/v1/models", nil)
}
