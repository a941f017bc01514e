// Package apikey handles tenant credentials: the presented-key format,
// bcrypt validation against stored hashes, per-key budget enforcement, and
// the HTTP auth middleware.
package apikey

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/aigw/gateway/internal/store"
)

const (
	// KeyPrefix is the optional human-visible prefix on presented keys.
	KeyPrefix = "agw_"

	bcryptCost = bcrypt.DefaultCost
)

// Parse splits a presented key into (keyID, secret). Keys look like
// `agw_<key_id>.<secret>` or `<key_id>.<secret>`; anything that does not
// split cleanly is treated as a legacy whole-token secret with keyID == "".
func Parse(presented string) (keyID, secret string) {
	if !strings.Contains(presented, ".") {
		return "", presented
	}
	prefix, rest, _ := strings.Cut(presented, ".")
	prefix = strings.TrimSpace(prefix)
	rest = strings.TrimSpace(rest)
	prefix = strings.TrimPrefix(prefix, KeyPrefix)

	if prefix == "" || rest == "" {
		return "", presented
	}
	return prefix, rest
}

// Format renders the presented form of a key.
func Format(keyID, secret string) string {
	return KeyPrefix + keyID + "." + secret
}

// Generate mints a new key: a 32-hex key_id, a high-entropy URL-safe secret,
// and the bcrypt hash of the secret. The plaintext is returned exactly once
// and stored nowhere.
func Generate() (plaintext, keyID, keyHash string, err error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", "", "", fmt.Errorf("generate key id: %w", err)
	}
	keyID = hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", "", fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", "", "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return Format(keyID, secret), keyID, string(hash), nil
}

// HashSecret returns the bcrypt hash for a secret, used when provisioning
// keys with caller-chosen material.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(hash), nil
}

func checkHash(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// NewRecord assembles an APIKey row from provisioning inputs.
func NewRecord(name, keyID, keyHash string, rpmLimit *int) *store.APIKey {
	var kid *string
	if keyID != "" {
		kid = &keyID
	}
	return &store.APIKey{
		Name:     name,
		KeyID:    kid,
		KeyHash:  keyHash,
		IsActive: true,
		RPMLimit: rpmLimit,
	}
}
