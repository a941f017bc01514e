package redact

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatPayloadReplacesContent(t *testing.T) {
	payload := map[string]any{
		"model": "gpt-4o",
		"messages": []any{
			map[string]any{"role": "system", "content": "you are terse"},
			map[string]any{"role": "user", "content": "summarize the contract"},
		},
	}

	out := ChatPayload(payload)

	assert.Equal(t, "gpt-4o", out["model"])
	messages := out["messages"].([]any)
	require.Len(t, messages, 2)

	first := messages[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, Sentinel, first["content"])
	assert.Equal(t, len("you are terse"), first["content_len"])
	assert.Equal(t, SHA256Hex("you are terse"), first["content_sha256"])

	// The original payload is untouched.
	orig := payload["messages"].([]any)[0].(map[string]any)
	assert.Equal(t, "you are terse", orig["content"])
}

func TestChatPayloadNonStringContent(t *testing.T) {
	payload := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": []any{map[string]any{"type": "text", "text": "hi"}}},
		},
	}

	out := ChatPayload(payload)
	msg := out["messages"].([]any)[0].(map[string]any)
	assert.Equal(t, Sentinel, msg["content"])
}

func TestResponsesPayloadRedactsNestedText(t *testing.T) {
	payload := map[string]any{
		"model":        "gpt-4o",
		"instructions": "be useful",
		"input": []any{
			map[string]any{"role": "user", "content": "the secret question"},
		},
		"temperature": 0.5,
	}

	out := ResponsesPayload(payload)

	instr := out["instructions"].(map[string]any)
	assert.Equal(t, true, instr["redacted"])
	assert.Equal(t, len("be useful"), instr["len"])
	assert.Equal(t, SHA256Hex("be useful"), instr["sha256"])
	assert.Equal(t, 0.5, out["temperature"])

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret question")
	assert.NotContains(t, string(raw), "be useful")
}

func TestResponsesPayloadNil(t *testing.T) {
	out := ResponsesPayload(nil)
	assert.Equal(t, true, out["redacted"])
}

func TestResultSummaryStableAndOpaque(t *testing.T) {
	result := map[string]any{
		"output": []any{map[string]any{"text": "generated prose"}},
		"usage":  map[string]any{"total_tokens": float64(10)},
		"id":     "resp_123",
	}

	s1 := ResultSummary(result)
	s2 := ResultSummary(result)
	assert.Equal(t, s1["sha256"], s2["sha256"])
	assert.Equal(t, []string{"id", "output", "usage"}, s1["keys"])

	raw, err := json.Marshal(s1)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "generated prose")
}

func TestResultSummaryKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"x": "1", "y": "2"}
	b := map[string]any{"y": "2", "x": "1"}
	assert.Equal(t, ResultSummary(a)["sha256"], ResultSummary(b)["sha256"])
}

func isHexLike(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// FuzzResponsesPayloadNeverLeaks checks the core invariant: no string from
// the input survives into the redacted output.
func FuzzResponsesPayloadNeverLeaks(f *testing.F) {
	f.Add("a plain secret", "another one")
	f.Add("пример текста", "mixed ascii и юникод")
	f.Add("", "x")

	f.Fuzz(func(t *testing.T, s1, s2 string) {
		// Short or structural strings can collide with the redaction
		// markers themselves; the invariant is about real content.
		if len(s1) < 8 || strings.TrimSpace(s1) == "" {
			t.Skip()
		}
		if strings.Contains(`{"redacted":true,"len":0,"sha256":""}`, s1) || isHexLike(s1) {
			t.Skip()
		}
		payload := map[string]any{
			"input":        s1,
			"instructions": s2,
			"nested":       map[string]any{"content": []any{s1, map[string]any{"text": s2}}},
		}

		out := ResponsesPayload(payload)
		raw, err := json.Marshal(out)
		if err != nil {
			t.Fatalf("marshal redacted payload: %v", err)
		}
		if strings.Contains(string(raw), s1) {
			t.Errorf("redacted payload leaked input string %q", s1)
		}
	})
}
