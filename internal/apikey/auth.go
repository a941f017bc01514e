package apikey

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aigw/gateway/internal/store"
)

// ErrInvalidKey is returned for any presented key that does not resolve to
// an active credential. Callers map it to a 401 without detail.
var ErrInvalidKey = errors.New("invalid api key")

// AuthedKey is the resolved identity attached to a request after
// authentication succeeds.
type AuthedKey struct {
	APIKeyID         string
	Name             string
	RPMLimit         *int
	DailyBudgetRub   *decimal.Decimal
	MonthlyBudgetRub *decimal.Decimal
}

// Authenticator validates presented keys against the store.
type Authenticator struct {
	store store.Store
}

func NewAuthenticator(st store.Store) *Authenticator {
	return &Authenticator{store: st}
}

// Authenticate resolves a presented key. Structured keys are an O(1) lookup
// by key_id followed by a bcrypt compare of the secret; legacy keys fall
// back to comparing the whole token against every row without a key_id.
func (a *Authenticator) Authenticate(ctx context.Context, presented string) (*AuthedKey, error) {
	if presented == "" {
		return nil, ErrInvalidKey
	}

	keyID, secret := Parse(presented)
	if keyID != "" {
		rec, err := a.store.GetAPIKeyByKeyID(ctx, keyID)
		if err != nil {
			return nil, fmt.Errorf("lookup api key: %w", err)
		}
		if rec == nil || !rec.IsActive || !checkHash(rec.KeyHash, secret) {
			return nil, ErrInvalidKey
		}
		return authed(rec), nil
	}

	legacy, err := a.store.ListLegacyAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list legacy api keys: %w", err)
	}
	for i := range legacy {
		rec := &legacy[i]
		if rec.IsActive && checkHash(rec.KeyHash, presented) {
			return authed(rec), nil
		}
	}
	return nil, ErrInvalidKey
}

func authed(rec *store.APIKey) *AuthedKey {
	return &AuthedKey{
		APIKeyID:         rec.ID,
		Name:             rec.Name,
		RPMLimit:         rec.RPMLimit,
		DailyBudgetRub:   rec.DailyBudgetRub,
		MonthlyBudgetRub: rec.MonthlyBudgetRub,
	}
}
