package deposit

import (
	"encoding/json"
	"errors"

	"github.com/leafsii/leafsii-liquidity/internal/chain"
)

var (
	ErrIntentInFlight   = errors.New("another deposit is already in flight for this owner")
	ErrNotFound         = errors.New("intent not found")
	ErrNotAwaitingInput = errors.New("intent is not waiting to continue")
	ErrSuperseded       = errors.New("intent superseded by a newer submission")
	ErrClosed           = errors.New("orchestrator closed")
)

type ErrorKind string

const (
	KindValidation          ErrorKind = "VALIDATION_ERROR"
	KindInsufficientBalance ErrorKind = "INSUFFICIENT_BALANCE"
	KindWalletRejected      ErrorKind = "WALLET_REJECTED"
	KindNetworkOrChain      ErrorKind = "NETWORK_OR_CHAIN_ERROR"
	KindReverted            ErrorKind = "TRANSACTION_REVERTED"
	KindLedger              ErrorKind = "LEDGER_RECONCILIATION_ERROR"
)

// Error is a classified failure of one deposit or withdrawal step.
type Error struct {
	Kind  ErrorKind
	Op    string
	Err   error
	TxRef chain.TxRef
	Hint  string
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += " (likely causes: " + e.Hint + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind    ErrorKind `json:"kind"`
		Op      string    `json:"op,omitempty"`
		Message string    `json:"message"`
		TxRef   string    `json:"txRef,omitempty"`
		Hint    string    `json:"hint,omitempty"`
	}{
		Kind:  e.Kind,
		Op:    e.Op,
		TxRef: e.TxRef.String(),
		Hint:  e.Hint,
	}
	if e.Err != nil {
		out.Message = e.Err.Error()
	}
	return json.Marshal(out)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var in struct {
		Kind    ErrorKind `json:"kind"`
		Op      string    `json:"op"`
		Message string    `json:"message"`
		TxRef   string    `json:"txRef"`
		Hint    string    `json:"hint"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Error{Kind: in.Kind, Op: in.Op, TxRef: chain.TxRef(in.TxRef), Hint: in.Hint}
	if in.Message != "" {
		e.Err = errors.New(in.Message)
	}
	return nil
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// chainError classifies err from a chain call. hint is attached to reverts.
func chainError(op string, err error, ref chain.TxRef, hint string) *Error {
	e := &Error{Kind: KindNetworkOrChain, Op: op, Err: err, TxRef: ref}
	switch chain.Classify(err) {
	case chain.ClassWalletRejected:
		e.Kind = KindWalletRejected
	case chain.ClassReverted:
		e.Kind = KindReverted
		e.Hint = hint
	}
	return e
}

// KindOf returns the ErrorKind carried by err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
