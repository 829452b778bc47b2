package deposit

import (
	"errors"
	"fmt"
)

type State string

const (
	StateIdle                         State = "Idle"
	StateValidatingIntent             State = "ValidatingIntent"
	StateCheckingAllowance            State = "CheckingAllowance"
	StateAwaitingApproval             State = "AwaitingApproval"
	StateAwaitingApprovalConfirmation State = "AwaitingApprovalConfirmation"
	StateSubmittingDeposit            State = "SubmittingDeposit"
	StateAwaitingDepositConfirmation  State = "AwaitingDepositConfirmation"
	StateReconciling                  State = "Reconciling"
	StateConfirmed                    State = "Confirmed"
	StateConfirmedWithWarning         State = "ConfirmedWithWarning"
	StateRejected                     State = "Rejected"
)

var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	StateIdle:                         {StateValidatingIntent},
	StateValidatingIntent:             {StateCheckingAllowance, StateRejected},
	StateCheckingAllowance:            {StateAwaitingApproval, StateSubmittingDeposit, StateRejected},
	StateAwaitingApproval:             {StateAwaitingApprovalConfirmation, StateRejected},
	StateAwaitingApprovalConfirmation: {StateCheckingAllowance, StateRejected},
	StateSubmittingDeposit:            {StateAwaitingDepositConfirmation, StateRejected},
	StateAwaitingDepositConfirmation:  {StateReconciling, StateRejected},
	StateReconciling:                  {StateConfirmed, StateConfirmedWithWarning},
}

// lateTransitions apply only to a deposit rejected for a confirmation
// timeout that later confirms on chain.
var lateTransitions = map[State]State{
	StateRejected: StateConfirmedWithWarning,
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Terminal states end the intent.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateConfirmedWithWarning, StateRejected:
		return true
	}
	return false
}

// Succeeded reports whether funds reached the pool.
func (s State) Succeeded() bool {
	return s == StateConfirmed || s == StateConfirmedWithWarning
}
