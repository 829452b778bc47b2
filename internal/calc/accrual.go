package calc

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DaysPerMonth     = 30
	MinutesPerMonth  = DaysPerMonth * 24 * 60
	SecondsPerMonth  = MinutesPerMonth * 60
	BasisPointsScale = 100
)

var (
	monthsPerYear = decimal.NewFromInt(12)
	hundred       = decimal.NewFromInt(100)
)

// AccrualParams describes a projected deposit.
type AccrualParams struct {
	Principal          decimal.Decimal `json:"principal"`
	AnnualRatePercent  decimal.Decimal `json:"annualRatePercent"`
	LockDurationMonths int             `json:"lockDurationMonths"`
}

// Snapshot is a point-in-time accrual projection.
type Snapshot struct {
	Principal          decimal.Decimal `json:"principal"`
	AnnualRatePercent  decimal.Decimal `json:"annualRatePercent"`
	LockDurationMonths int             `json:"lockDurationMonths"`
	Elapsed            time.Duration   `json:"-"`
	ElapsedSeconds     int64           `json:"elapsedSeconds"`
	ElapsedMinutes     int64           `json:"elapsedMinutes"`
	AccruedAmount      decimal.Decimal `json:"accruedAmount"`
	TotalYield         decimal.Decimal `json:"totalYield"`
	Matured            bool            `json:"matured"`
	AsOf               time.Time       `json:"asOf"`
}

// Validate rejects params the projection cannot represent.
func (p AccrualParams) Validate() error {
	if p.Principal.IsNegative() {
		return fmt.Errorf("invalid principal: cannot be negative")
	}
	if p.AnnualRatePercent.IsNegative() {
		return fmt.Errorf("invalid rate: cannot be negative")
	}
	if p.LockDurationMonths <= 0 {
		return fmt.Errorf("invalid lock duration: must be at least one month")
	}
	return nil
}

// TotalYield calculates principal × (rate/12 × months)/100. The product is
// formed before the single division so whole-number inputs stay exact.
func TotalYield(p AccrualParams) decimal.Decimal {
	return p.Principal.
		Mul(p.AnnualRatePercent).
		Mul(decimal.NewFromInt(int64(p.LockDurationMonths))).
		Div(monthsPerYear.Mul(hundred))
}

// TotalTicks is the number of one-minute accrual ticks in the lock period.
func TotalTicks(months int) int64 {
	return int64(months) * MinutesPerMonth
}

// PerTickYield is the yield credited for each elapsed minute.
func PerTickYield(p AccrualParams) decimal.Decimal {
	ticks := TotalTicks(p.LockDurationMonths)
	if ticks <= 0 {
		return decimal.Zero
	}
	return TotalYield(p).Div(decimal.NewFromInt(ticks))
}

// AccruedAt returns the yield accrued after elapsed. Only whole minutes count
// and the result never exceeds the maturity total.
func AccruedAt(p AccrualParams, elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 || p.LockDurationMonths <= 0 {
		return decimal.Zero
	}
	total := TotalYield(p)
	minutes := int64(elapsed / time.Minute)
	if minutes >= TotalTicks(p.LockDurationMonths) {
		return total
	}
	accrued := PerTickYield(p).Mul(decimal.NewFromInt(minutes))
	if accrued.GreaterThan(total) {
		return total
	}
	return accrued
}

// Project builds the snapshot for a simulation started at origin.
func Project(p AccrualParams, origin, now time.Time) Snapshot {
	elapsed := now.Sub(origin)
	if elapsed < 0 {
		elapsed = 0
	}
	minutes := int64(elapsed / time.Minute)
	return Snapshot{
		Principal:          p.Principal,
		AnnualRatePercent:  p.AnnualRatePercent,
		LockDurationMonths: p.LockDurationMonths,
		Elapsed:            elapsed,
		ElapsedSeconds:     int64(elapsed / time.Second),
		ElapsedMinutes:     minutes,
		AccruedAmount:      AccruedAt(p, elapsed),
		TotalYield:         TotalYield(p),
		Matured:            minutes >= TotalTicks(p.LockDurationMonths),
		AsOf:               now,
	}
}

// LockSeconds converts a lock duration in months to seconds using 30-day months.
func LockSeconds(months int) uint64 {
	if months <= 0 {
		return 0
	}
	return uint64(months) * SecondsPerMonth
}

// RateBasisPoints converts an annual percent to basis points, truncating any
// fraction of a basis point.
func RateBasisPoints(percent decimal.Decimal) uint64 {
	bp := percent.Mul(decimal.NewFromInt(BasisPointsScale)).Truncate(0)
	if bp.IsNegative() {
		return 0
	}
	return uint64(bp.IntPart())
}
