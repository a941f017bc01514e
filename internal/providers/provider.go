// Package providers implements the upstream model-inference clients behind a
// single contract: responses, chat completions, and model discovery.
package providers

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownProvider is returned by the registry for names it does not know.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrNotConfigured is returned when a known provider is missing the
// credentials or base URL it needs to operate.
var ErrNotConfigured = errors.New("provider not configured")

// Result is the outcome of a provider call plus token usage when the
// upstream reported it.
type Result struct {
	JSON             map[string]any
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// Client is the uniform contract over upstream providers.
type Client interface {
	Name() string
	Responses(ctx context.Context, payload map[string]any) (*Result, error)
	ChatCompletions(ctx context.Context, payload map[string]any) (*Result, error)
	ListModels(ctx context.Context) (map[string]any, error)
}

// StatusError captures a non-2xx HTTP status from an upstream response.
// The error mapper inspects it to classify upstream_4xx vs upstream_5xx.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Body)
}

func intPtr(v any) *int {
	switch n := v.(type) {
	case float64:
		i := int(n)
		return &i
	case int:
		return &n
	}
	return nil
}

// usageInts extracts token counts from a provider usage object under the
// given keys, tolerating absent or malformed usage.
func usageInts(data map[string]any, promptKey, completionKey, totalKey string) (pt, ct, tt *int) {
	usage, _ := data["usage"].(map[string]any)
	if usage == nil {
		return nil, nil, nil
	}
	return intPtr(usage[promptKey]), intPtr(usage[completionKey]), intPtr(usage[totalKey])
}
