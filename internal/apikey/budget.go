package apikey

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aigw/gateway/internal/store"
)

// BudgetExceededError reports which budget window is exhausted and by how
// much. Spent covers succeeded requests only; in-flight work is not counted.
type BudgetExceededError struct {
	Window string // day | month
	Limit  decimal.Decimal
	Spent  decimal.Decimal
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded: spent %s of %s", e.Window, e.Spent, e.Limit)
}

// BudgetEnforcer checks per-key spending caps against recorded costs.
type BudgetEnforcer struct {
	store store.Store
	now   func() time.Time
}

func NewBudgetEnforcer(st store.Store) *BudgetEnforcer {
	return &BudgetEnforcer{store: st, now: time.Now}
}

// Check returns a *BudgetExceededError when the key's day or month spend has
// reached its cap. Windows are UTC calendar boundaries. A nil cap disables
// that window.
func (b *BudgetEnforcer) Check(ctx context.Context, key *AuthedKey) error {
	if key.DailyBudgetRub == nil && key.MonthlyBudgetRub == nil {
		return nil
	}
	now := b.now().UTC()

	if key.DailyBudgetRub != nil {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		spent, err := b.store.SumSucceededCost(ctx, key.APIKeyID, dayStart)
		if err != nil {
			return fmt.Errorf("sum daily spend: %w", err)
		}
		if spent.GreaterThanOrEqual(*key.DailyBudgetRub) {
			return &BudgetExceededError{Window: "day", Limit: *key.DailyBudgetRub, Spent: spent}
		}
	}

	if key.MonthlyBudgetRub != nil {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		spent, err := b.store.SumSucceededCost(ctx, key.APIKeyID, monthStart)
		if err != nil {
			return fmt.Errorf("sum monthly spend: %w", err)
		}
		if spent.GreaterThanOrEqual(*key.MonthlyBudgetRub) {
			return &BudgetExceededError{Window: "month", Limit: *key.MonthlyBudgetRub, Spent: spent}
		}
	}
	return nil
}
