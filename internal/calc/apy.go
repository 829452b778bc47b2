package calc

import (
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Tier maps every amount at or above Min to Rate (annual percent).
type Tier struct {
	Min  decimal.Decimal `json:"min" yaml:"min"`
	Rate decimal.Decimal `json:"rate" yaml:"rate"`
}

// Table is an APY tier table. Tiers are kept in ascending threshold order;
// amounts below the first threshold earn FloorRate.
type Table struct {
	Tiers     []Tier          `json:"tiers" yaml:"tiers"`
	FloorRate decimal.Decimal `json:"floorRate" yaml:"floor_rate"`
	MaxAmount decimal.Decimal `json:"cap" yaml:"cap"`
}

// DefaultMaxDeposit is the deposit cap used when none is configured.
var DefaultMaxDeposit = decimal.NewFromInt(10_000_000)

// DefaultTable returns the production tier table.
func DefaultTable() Table {
	return Table{
		Tiers: []Tier{
			{Min: decimal.NewFromInt(1_000), Rate: decimal.NewFromInt(12)},
			{Min: decimal.NewFromInt(10_000), Rate: decimal.NewFromInt(14)},
			{Min: decimal.NewFromInt(100_000), Rate: decimal.NewFromInt(18)},
			{Min: decimal.NewFromInt(1_000_000), Rate: decimal.NewFromInt(20)},
		},
		FloorRate: decimal.NewFromInt(12),
		MaxAmount: DefaultMaxDeposit,
	}
}

// RateFor returns the annual percentage rate for amount. Zero and negative
// amounts fall through to the floor rate.
func (t Table) RateFor(amount decimal.Decimal) decimal.Decimal {
	for i := len(t.Tiers) - 1; i >= 0; i-- {
		if amount.GreaterThanOrEqual(t.Tiers[i].Min) {
			return t.Tiers[i].Rate
		}
	}
	return t.FloorRate
}

// Cap returns the largest deposit the table accepts.
func (t Table) Cap() decimal.Decimal {
	if t.MaxAmount.IsZero() {
		return DefaultMaxDeposit
	}
	return t.MaxAmount
}

// WithCap returns a copy of the table with the deposit cap replaced.
func (t Table) WithCap(max decimal.Decimal) Table {
	t.MaxAmount = max
	return t
}

// Validate checks that thresholds are strictly ascending and that rates never
// decrease as the amount grows.
func (t Table) Validate() error {
	if t.FloorRate.IsNegative() {
		return fmt.Errorf("floor rate cannot be negative")
	}
	prevRate := t.FloorRate
	for i, tier := range t.Tiers {
		if tier.Min.IsNegative() {
			return fmt.Errorf("tier %d: threshold cannot be negative", i)
		}
		if i > 0 && !tier.Min.GreaterThan(t.Tiers[i-1].Min) {
			return fmt.Errorf("tier %d: threshold %s not above %s", i, tier.Min, t.Tiers[i-1].Min)
		}
		if tier.Rate.LessThan(prevRate) {
			return fmt.Errorf("tier %d: rate %s lower than previous rate %s", i, tier.Rate, prevRate)
		}
		prevRate = tier.Rate
	}
	if t.MaxAmount.IsNegative() {
		return fmt.Errorf("cap cannot be negative")
	}
	return nil
}

// LoadTable reads a YAML tier table. Tiers may be listed in any order.
func LoadTable(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read tier table: %w", err)
	}

	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Table{}, fmt.Errorf("parse tier table: %w", err)
	}
	if len(t.Tiers) == 0 {
		return Table{}, fmt.Errorf("tier table %s has no tiers", path)
	}
	sort.Slice(t.Tiers, func(i, j int) bool {
		return t.Tiers[i].Min.LessThan(t.Tiers[j].Min)
	})
	if t.MaxAmount.IsZero() {
		t.MaxAmount = DefaultMaxDeposit
	}
	if err := t.Validate(); err != nil {
		return Table{}, fmt.Errorf("invalid tier table: %w", err)
	}
	return t, nil
}
