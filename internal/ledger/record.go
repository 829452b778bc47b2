package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("ledger entry not found")

// Record is the ledger's view of a confirmed deposit. TransactionReference is
// the idempotency key.
type Record struct {
	Amount               decimal.Decimal `json:"amount"`
	InterestRatePercent  decimal.Decimal `json:"interestRatePercent"`
	LockDurationMonths   int             `json:"lockDurationMonths"`
	TransactionReference string          `json:"transactionReference"`
}

func (r Record) Validate() error {
	if r.TransactionReference == "" {
		return fmt.Errorf("transaction reference is required")
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if r.LockDurationMonths <= 0 {
		return fmt.Errorf("lock duration must be positive")
	}
	return nil
}

type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case "":
		return "", nil
	case StatusPending, StatusDone, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Entry is one reconciliation outbox row.
type Entry struct {
	ID          int64     `json:"id"`
	Record      Record    `json:"record"`
	Status      Status    `json:"status"`
	Attempts    int32     `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	AvailableAt time.Time `json:"availableAt"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (e Entry) Ref() string {
	return e.Record.TransactionReference
}

// ReconciliationError reports a ledger write that did not land. The deposit
// it belongs to is confirmed on chain; the entry stays in the outbox unless
// Final is set.
type ReconciliationError struct {
	Ref      string
	Attempts int32
	Final    bool
	Err      error
}

func (e *ReconciliationError) Error() string {
	if e.Final {
		return fmt.Sprintf("ledger reconciliation for %s failed after %d attempts: %v", e.Ref, e.Attempts, e.Err)
	}
	return fmt.Sprintf("ledger reconciliation for %s pending: %v", e.Ref, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}
