package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NativeToken is the zero address. Deposits of the chain's native coin carry
// the amount as transaction value and never need an allowance.
var NativeToken = common.Address{}

// MaxUint256 is 2^256-1, the standing approval amount.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// TxRef identifies a submitted transaction by its hash.
type TxRef string

func RefFromHash(h common.Hash) TxRef {
	return TxRef(h.Hex())
}

func (r TxRef) Hash() common.Hash {
	return common.HexToHash(string(r))
}

func (r TxRef) String() string {
	return string(r)
}

type AttemptKind string

const (
	AttemptApproval   AttemptKind = "approval"
	AttemptDeposit    AttemptKind = "deposit"
	AttemptWithdrawal AttemptKind = "withdrawal"
)

type AttemptStatus string

const (
	StatusIdle       AttemptStatus = "idle"
	StatusSubmitted  AttemptStatus = "submitted"
	StatusConfirming AttemptStatus = "confirming"
	StatusConfirmed  AttemptStatus = "confirmed"
	StatusFailed     AttemptStatus = "failed"
)

// Attempt tracks one transaction from submission to its final receipt.
type Attempt struct {
	Kind        AttemptKind   `json:"kind"`
	Status      AttemptStatus `json:"status"`
	Ref         TxRef         `json:"ref,omitempty"`
	Error       string        `json:"error,omitempty"`
	SubmittedAt time.Time     `json:"submittedAt,omitempty"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

func NewAttempt(kind AttemptKind, ref TxRef, now time.Time) *Attempt {
	return &Attempt{
		Kind:        kind,
		Status:      StatusSubmitted,
		Ref:         ref,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

func (a *Attempt) Set(status AttemptStatus, err error, now time.Time) {
	a.Status = status
	a.UpdatedAt = now
	if err != nil {
		a.Error = err.Error()
	}
}

type ReceiptStatus string

const (
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptReverted  ReceiptStatus = "reverted"
)

type Receipt struct {
	Ref         TxRef         `json:"ref"`
	Status      ReceiptStatus `json:"status"`
	BlockNumber uint64        `json:"blockNumber"`
	GasUsed     uint64        `json:"gasUsed"`
}

// DepositCall is the argument set of the pool's depositLiquidity.
type DepositCall struct {
	Token           common.Address
	Amount          *big.Int
	LockSeconds     uint64
	RateBasisPoints uint64
	Value           *big.Int
}

// Client is the chain surface used by the deposit flow.
type Client interface {
	ReadAllowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error)
	ReadBalance(ctx context.Context, owner, token common.Address) (*big.Int, error)
	SubmitApproval(ctx context.Context, spender, token common.Address, amount *big.Int) (TxRef, error)
	SubmitDeposit(ctx context.Context, call DepositCall) (TxRef, error)
	WaitForConfirmation(ctx context.Context, ref TxRef) (Receipt, error)
}

// PoolReader exposes read-only pool and token queries.
type PoolReader interface {
	DepositIDAt(ctx context.Context, owner common.Address, index uint64) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	Pool() common.Address
}

type Withdrawer interface {
	SubmitWithdrawal(ctx context.Context, depositID *big.Int) (TxRef, error)
	WaitForConfirmation(ctx context.Context, ref TxRef) (Receipt, error)
}
