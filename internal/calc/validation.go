package calc

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultLockDurations are the lock periods offered to depositors, in months.
var DefaultLockDurations = []int{1, 2, 3, 6}

// ValidateAmount checks if an amount is positive and within reasonable bounds
func ValidateAmount(amount decimal.Decimal, operation string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("invalid %s amount: must be positive", operation)
	}

	maxAmount := decimal.New(1, 30)
	if amount.GreaterThan(maxAmount) {
		return fmt.Errorf("invalid %s amount: too large", operation)
	}

	return nil
}

// ValidateDepositAmount applies ValidateAmount and the table's deposit cap.
func ValidateDepositAmount(amount decimal.Decimal, table Table) error {
	if err := ValidateAmount(amount, "deposit"); err != nil {
		return err
	}
	if amount.GreaterThan(table.Cap()) {
		return fmt.Errorf("invalid deposit amount: %s exceeds cap %s", amount, table.Cap())
	}
	return nil
}

// ValidateLockDuration checks that months is one of the offered options.
func ValidateLockDuration(months int, options []int) error {
	if months <= 0 {
		return fmt.Errorf("lock duration not selected")
	}
	if len(options) == 0 {
		options = DefaultLockDurations
	}
	for _, o := range options {
		if o == months {
			return nil
		}
	}
	return fmt.Errorf("unsupported lock duration %d months (allowed: %v)", months, options)
}

// ValidatePrecision rejects amounts with more fractional digits than the
// token can represent.
func ValidatePrecision(amount decimal.Decimal, decimals int32) error {
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	return nil
}
