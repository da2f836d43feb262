package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordergate/internal/domain"
)

func TestLoadRiskRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	content := `
default:
  max_daily_loss: "500000"
  max_open_orders: 10
accounts:
  acc-strict:
    max_position_value: "1000000"
    max_consecutive_failures: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	base := domain.RiskRule{
		MaxDailyLoss:           decimal.NewFromInt(1),
		MaxPositionValue:       decimal.NewFromInt(9_000_000),
		MaxOpenOrders:          1,
		MaxConsecutiveFailures: 5,
	}
	rules, err := LoadRiskRules(path, base)
	require.NoError(t, err)

	def := rules.For("anyone")
	assert.True(t, def.MaxDailyLoss.Equal(decimal.NewFromInt(500_000)))
	assert.True(t, def.MaxPositionValue.Equal(decimal.NewFromInt(9_000_000)))
	assert.Equal(t, 10, def.MaxOpenOrders)

	strict := rules.For("acc-strict")
	assert.True(t, strict.MaxDailyLoss.Equal(decimal.NewFromInt(500_000)), "inherits file default")
	assert.True(t, strict.MaxPositionValue.Equal(decimal.NewFromInt(1_000_000)))
	assert.Equal(t, 2, strict.MaxConsecutiveFailures)
}

func TestLoadRiskRulesRejectsNegative(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default:\n  max_daily_loss: \"-1\"\n"), 0o644))
	_, err := LoadRiskRules(path, domain.RiskRule{})
	assert.Error(t, err)
}

func TestLoadRiskRulesEmptyPath(t *testing.T) {
	base := domain.RiskRule{MaxOpenOrders: 3}
	rules, err := LoadRiskRules("", base)
	require.NoError(t, err)
	assert.Equal(t, base, rules.For("x"))
}
