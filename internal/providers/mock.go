package providers

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Mock synthesizes deterministic OpenAI-shaped responses without calling any
// upstream. Token counts are derived as max(1, len(text)/4).
type Mock struct{}

// NewMock returns the mock provider.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) Name() string { return "mock" }

func mockTokens(text string) int {
	if n := len(text) / 4; n > 1 {
		return n
	}
	return 1
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (m *Mock) Responses(_ context.Context, payload map[string]any) (*Result, error) {
	model, _ := payload["model"].(string)
	if model == "" {
		model = "mock-1"
	}

	userText := ""
	switch inp := payload["input"].(type) {
	case string:
		userText = inp
	case []any:
		if len(inp) > 0 {
			if last, ok := inp[len(inp)-1].(map[string]any); ok {
				userText, _ = last["content"].(string)
			}
		}
	}

	outText := "[mock] ok: " + truncate(userText, 120)
	pt := mockTokens(userText)
	ct := mockTokens(outText)
	tt := pt + ct

	result := map[string]any{
		"id":      "resp_" + uuid.NewString(),
		"object":  "response",
		"created": time.Now().Unix(),
		"model":   model,
		"output": []any{
			map[string]any{
				"id":      "msg_" + uuid.NewString(),
				"type":    "message",
				"role":    "assistant",
				"content": []any{map[string]any{"type": "output_text", "text": outText}},
			},
		},
		"usage": map[string]any{
			"input_tokens":  pt,
			"output_tokens": ct,
			"total_tokens":  tt,
		},
	}
	return &Result{JSON: result, PromptTokens: &pt, CompletionTokens: &ct, TotalTokens: &tt}, nil
}

func (m *Mock) ChatCompletions(_ context.Context, payload map[string]any) (*Result, error) {
	model, _ := payload["model"].(string)
	if model == "" {
		model = "mock-1"
	}

	userText := ""
	if messages, ok := payload["messages"].([]any); ok && len(messages) > 0 {
		if last, ok := messages[len(messages)-1].(map[string]any); ok {
			userText, _ = last["content"].(string)
		}
	}

	outText := "[mock] ok: " + truncate(userText, 120)
	pt := mockTokens(userText)
	ct := mockTokens(outText)
	tt := pt + ct

	result := map[string]any{
		"id":      "chatcmpl_" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": outText},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     pt,
			"completion_tokens": ct,
			"total_tokens":      tt,
		},
	}
	return &Result{JSON: result, PromptTokens: &pt, CompletionTokens: &ct, TotalTokens: &tt}, nil
}

func (m *Mock) ListModels(_ context.Context) (map[string]any, error) {
	now := time.Now().Unix()
	return map[string]any{
		"object": "list",
		"data": []any{
			map[string]any{"id": "mock-1", "object": "model", "created": now, "owned_by": "ai-gateway"},
			map[string]any{"id": "mock-2", "object": "model", "created": now, "owned_by": "ai-gateway"},
		},
	}, nil
}
