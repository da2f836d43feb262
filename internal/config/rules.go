package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ordergate/internal/domain"
)

// RiskRules is the default rule plus per-account overrides.
type RiskRules struct {
	Default  domain.RiskRule
	Accounts map[string]domain.RiskRule
}

// For returns the override for accountID, or the default.
func (r RiskRules) For(accountID string) domain.RiskRule {
	if rule, ok := r.Accounts[accountID]; ok {
		return rule
	}
	return r.Default
}

// Amounts are strings in the file so they parse exactly.
type ruleEntry struct {
	MaxDailyLoss           *string `yaml:"max_daily_loss"`
	MaxPositionValue       *string `yaml:"max_position_value"`
	MaxOpenOrders          *int    `yaml:"max_open_orders"`
	MaxConsecutiveFailures *int    `yaml:"max_consecutive_failures"`
}

type rulesFile struct {
	Default  ruleEntry            `yaml:"default"`
	Accounts map[string]ruleEntry `yaml:"accounts"`
}

// DefaultRiskRule builds the rule from the RISK_* environment settings.
func (c Config) DefaultRiskRule() domain.RiskRule {
	return domain.RiskRule{
		MaxDailyLoss:           c.MaxDailyLoss,
		MaxPositionValue:       c.MaxPositionValue,
		MaxOpenOrders:          c.MaxOpenOrders,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
	}
}

// LoadRiskRules reads the YAML rule file. Fields missing from the file keep
// the value from base; account entries inherit from the file's default.
// An empty path returns base for every account.
func LoadRiskRules(path string, base domain.RiskRule) (RiskRules, error) {
	rules := RiskRules{Default: base, Accounts: map[string]domain.RiskRule{}}
	if strings.TrimSpace(path) == "" {
		return rules, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return RiskRules{}, fmt.Errorf("read risk rules: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return RiskRules{}, fmt.Errorf("parse risk rules: %w", err)
	}
	def, err := file.Default.apply(base)
	if err != nil {
		return RiskRules{}, fmt.Errorf("default rule: %w", err)
	}
	rules.Default = def
	for account, entry := range file.Accounts {
		rule, err := entry.apply(def)
		if err != nil {
			return RiskRules{}, fmt.Errorf("account %s: %w", account, err)
		}
		rules.Accounts[account] = rule
	}
	return rules, nil
}

func (e ruleEntry) apply(base domain.RiskRule) (domain.RiskRule, error) {
	out := base
	if e.MaxDailyLoss != nil {
		d, err := parseAmount("max_daily_loss", *e.MaxDailyLoss)
		if err != nil {
			return domain.RiskRule{}, err
		}
		out.MaxDailyLoss = d
	}
	if e.MaxPositionValue != nil {
		d, err := parseAmount("max_position_value", *e.MaxPositionValue)
		if err != nil {
			return domain.RiskRule{}, err
		}
		out.MaxPositionValue = d
	}
	if e.MaxOpenOrders != nil {
		if *e.MaxOpenOrders < 0 {
			return domain.RiskRule{}, fmt.Errorf("max_open_orders must be >= 0")
		}
		out.MaxOpenOrders = *e.MaxOpenOrders
	}
	if e.MaxConsecutiveFailures != nil {
		if *e.MaxConsecutiveFailures < 0 {
			return domain.RiskRule{}, fmt.Errorf("max_consecutive_failures must be >= 0")
		}
		out.MaxConsecutiveFailures = *e.MaxConsecutiveFailures
	}
	return out, nil
}

func parseAmount(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", field, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%s must be >= 0", field)
	}
	return d, nil
}
