// Package webhook delivers signed job-completion notifications. Bodies are
// canonical compact JSON; the signature covers the exact bytes sent, so
// receivers can verify with a plain HMAC over the raw request body.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SignatureHeader carries the body HMAC on every signed delivery.
const SignatureHeader = "X-AI-Gateway-Signature"

// EncodeBody renders a payload as compact JSON with HTML escaping off, so
// non-ASCII text survives byte-for-byte. The result is the exact wire body.
func EncodeBody(payload any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("encode webhook body: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign computes the signature header value for a body: "sha256=" plus the
// hex HMAC-SHA256 of the body under the secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against a body in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
