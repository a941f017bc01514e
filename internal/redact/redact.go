// Package redact strips user text from payloads and results before they
// reach durable storage. Redaction is irreversible: original strings are
// replaced with a sentinel plus length and SHA-256 digest. Nothing returned
// by this package ever contains a substring of the original text.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Sentinel replaces message content in redacted chat payloads.
const Sentinel = "<redacted>"

// textKeys are the payload keys that commonly carry user text in
// OpenAI-style requests. Strings under them (at any depth) are redacted.
var textKeys = map[string]bool{
	"content":      true,
	"input":        true,
	"text":         true,
	"instructions": true,
}

// SHA256Hex returns the hex SHA-256 of a string.
func SHA256Hex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// ChatPayload redacts a chat.completions payload: every message content
// string becomes the sentinel, annotated with its length and digest.
func ChatPayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}

	messages, ok := payload["messages"].([]any)
	if !ok {
		return out
	}

	redacted := make([]any, 0, len(messages))
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if content, ok := msg["content"].(string); ok {
			redacted = append(redacted, map[string]any{
				"role":           msg["role"],
				"content":        Sentinel,
				"content_len":    len(content),
				"content_sha256": SHA256Hex(content),
			})
		} else {
			redacted = append(redacted, map[string]any{
				"role":    msg["role"],
				"content": Sentinel,
			})
		}
	}
	out["messages"] = redacted
	return out
}

// ResponsesPayload redacts a responses-API payload by walking the whole
// structure and replacing strings under the text-carrying keys with
// {redacted:true, len, sha256} markers.
func ResponsesPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{"redacted": true}
	}
	return redactValue(payload).(map[string]any)
}

func redactString(s string) map[string]any {
	return map[string]any{
		"redacted": true,
		"len":      len(s),
		"sha256":   SHA256Hex(s),
	}
}

func redactValue(value any) any {
	switch v := value.(type) {
	case string:
		return redactString(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if textKeys[k] {
				out[k] = redactValue(item)
				continue
			}
			switch item.(type) {
			case string, []any, map[string]any:
				out[k] = redactValue(item)
			default:
				out[k] = item
			}
		}
		return out
	default:
		return value
	}
}

// ResultSummary reduces a provider result to a digest of a deterministic
// rendering plus its sorted top-level keys. Enough to correlate, nothing to
// leak.
func ResultSummary(result map[string]any) map[string]any {
	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rendered := renderDeterministic(result)
	return map[string]any{
		"sha256": SHA256Hex(rendered),
		"keys":   keys,
	}
}

// renderDeterministic walks the value with sorted map keys so equal results
// always hash the same.
func renderDeterministic(value any) string {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			out += fmt.Sprintf("%q:%s", k, renderDeterministic(v[k]))
		}
		return out + "}"
	case []any:
		out := "["
		for i, item := range v {
			if i > 0 {
				out += ","
			}
			out += renderDeterministic(item)
		}
		return out + "]"
	default:
		return fmt.Sprintf("%#v", v)
	}
}
