package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func TestLoadEmbeddedTable(t *testing.T) {
	table, err := Load(defaultPricing)
	require.NoError(t, err)
	require.NotNil(t, table)
}

func TestFirstFullMatchWins(t *testing.T) {
	table, err := Load([]byte(`{
		"defaults": {"prompt_per_1k_rub": 1.0, "completion_per_1k_rub": 2.0},
		"models": [
			{"match": "gpt-4o-mini.*", "prompt_per_1k_rub": 0.1, "completion_per_1k_rub": 0.2},
			{"match": "gpt-4o.*", "prompt_per_1k_rub": 0.5, "completion_per_1k_rub": 0.9}
		]
	}`))
	require.NoError(t, err)

	// The mini rule is listed first and must win for mini models.
	p := table.PriceFor("gpt-4o-mini-2024")
	assert.True(t, p.PromptPer1K.Equal(decimal.RequireFromString("0.1")))

	p = table.PriceFor("gpt-4o-2024")
	assert.True(t, p.PromptPer1K.Equal(decimal.RequireFromString("0.5")))
}

func TestMatchIsAnchored(t *testing.T) {
	table, err := Load([]byte(`{
		"defaults": {"prompt_per_1k_rub": 9.0, "completion_per_1k_rub": 9.0},
		"models": [
			{"match": "gpt-4o", "prompt_per_1k_rub": 0.5, "completion_per_1k_rub": 0.9}
		]
	}`))
	require.NoError(t, err)

	// "gpt-4o" without a wildcard must not match a longer model name.
	p := table.PriceFor("gpt-4o-mini")
	assert.True(t, p.PromptPer1K.Equal(decimal.RequireFromString("9.0")))
}

func TestUnmatchedModelUsesDefaults(t *testing.T) {
	table, err := Load([]byte(`{
		"defaults": {"prompt_per_1k_rub": 0.03, "completion_per_1k_rub": 0.06},
		"models": []
	}`))
	require.NoError(t, err)

	p := table.PriceFor("some-unknown-model")
	assert.True(t, p.PromptPer1K.Equal(decimal.RequireFromString("0.03")))
	assert.True(t, p.CompletionPer1K.Equal(decimal.RequireFromString("0.06")))
}

func TestCostExactDecimal(t *testing.T) {
	table, err := Load([]byte(`{
		"defaults": {"prompt_per_1k_rub": 0, "completion_per_1k_rub": 0},
		"models": [
			{"match": "m.*", "prompt_per_1k_rub": 0.014, "completion_per_1k_rub": 0.055}
		]
	}`))
	require.NoError(t, err)

	// 1500 prompt + 300 completion:
	// 1.5 * 0.014 + 0.3 * 0.055 = 0.021 + 0.0165 = 0.0375
	cost := table.Cost("m1", intp(1500), intp(300))
	require.NotNil(t, cost)
	assert.True(t, cost.Equal(decimal.RequireFromString("0.0375")), "got %s", cost)
}

func TestCostNilWhenNoUsage(t *testing.T) {
	table, err := Load(defaultPricing)
	require.NoError(t, err)

	assert.Nil(t, table.Cost("gpt-4o", nil, nil))
}

func TestCostPartialUsage(t *testing.T) {
	table, err := Load([]byte(`{
		"defaults": {"prompt_per_1k_rub": 0, "completion_per_1k_rub": 0},
		"models": [
			{"match": "m.*", "prompt_per_1k_rub": 0.5, "completion_per_1k_rub": 1.0}
		]
	}`))
	require.NoError(t, err)

	cost := table.Cost("m1", intp(1000), nil)
	require.NotNil(t, cost)
	assert.True(t, cost.Equal(decimal.RequireFromString("0.5")))

	cost = table.Cost("m1", nil, intp(2000))
	require.NotNil(t, cost)
	assert.True(t, cost.Equal(decimal.RequireFromString("2")))
}

func TestRuleInheritsDefaults(t *testing.T) {
	table, err := Load([]byte(`{
		"defaults": {"prompt_per_1k_rub": 0.7, "completion_per_1k_rub": 0.8},
		"models": [
			{"match": "m.*", "prompt_per_1k_rub": 0.1}
		]
	}`))
	require.NoError(t, err)

	p := table.PriceFor("m1")
	assert.True(t, p.PromptPer1K.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, p.CompletionPer1K.Equal(decimal.RequireFromString("0.8")))
}

func TestLoadRejectsBadRegex(t *testing.T) {
	_, err := Load([]byte(`{
		"defaults": {"prompt_per_1k_rub": 0, "completion_per_1k_rub": 0},
		"models": [{"match": "([", "prompt_per_1k_rub": 0.1, "completion_per_1k_rub": 0.1}]
	}`))
	require.Error(t, err)
}
