package chain

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrWalletRejected = errors.New("wallet rejected the request")
	ErrReverted       = errors.New("execution reverted")
	ErrNoSigner       = errors.New("no signing account available")
)

// Class groups chain errors by how the deposit flow reports them.
type Class int

const (
	ClassNetwork Class = iota
	ClassWalletRejected
	ClassReverted
)

func (c Class) String() string {
	switch c {
	case ClassWalletRejected:
		return "wallet_rejected"
	case ClassReverted:
		return "reverted"
	default:
		return "network"
	}
}

var walletPhrases = []string{
	"user denied",
	"user rejected",
	"rejected the request",
	"request rejected",
	"denied transaction signature",
}

// Classify maps an error returned by a Client to its Class. Anything not
// recognised as a wallet rejection or a revert is a network or chain error.
func Classify(err error) Class {
	if err == nil {
		return ClassNetwork
	}
	if errors.Is(err, ErrWalletRejected) || errors.Is(err, ErrNoSigner) {
		return ClassWalletRejected
	}
	if errors.Is(err, ErrReverted) {
		return ClassReverted
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassNetwork
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") {
		return ClassReverted
	}
	for _, phrase := range walletPhrases {
		if strings.Contains(msg, phrase) {
			return ClassWalletRejected
		}
	}
	return ClassNetwork
}

// DepositRevertHint lists the usual reasons the pool rejects a deposit.
const DepositRevertHint = "token not supported by pool, insufficient balance or allowance, invalid lock duration, or invalid interest basis points"

// WithdrawRevertHint lists the usual reasons the pool rejects a withdrawal.
const WithdrawRevertHint = "deposit id does not exist, deposit already withdrawn, or lock period not expired"
