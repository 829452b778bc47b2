package allowance

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leafsii/leafsii-liquidity/internal/chain"
	"go.uber.org/zap"
)

// Chain is the part of chain.Client the manager touches.
type Chain interface {
	ReadAllowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error)
	ReadBalance(ctx context.Context, owner, token common.Address) (*big.Int, error)
	SubmitApproval(ctx context.Context, spender, token common.Address, amount *big.Int) (chain.TxRef, error)
}

// State is a fresh read of the owner's position for one decision.
type State struct {
	Owner            common.Address `json:"owner"`
	Spender          common.Address `json:"spender"`
	Token            common.Address `json:"token"`
	CurrentAllowance *big.Int       `json:"currentAllowance"`
	TokenBalance     *big.Int       `json:"tokenBalance"`
}

// Sufficient reports whether both balance and allowance cover required.
func (s State) Sufficient(required *big.Int) bool {
	return s.TokenBalance != nil && s.TokenBalance.Cmp(required) >= 0 &&
		s.CurrentAllowance != nil && s.CurrentAllowance.Cmp(required) >= 0
}

type OutcomeKind string

const (
	Sufficient        OutcomeKind = "sufficient"
	ApprovalSubmitted OutcomeKind = "approval_submitted"
	Failed            OutcomeKind = "failed"
)

type FailureReason string

const (
	InsufficientBalance FailureReason = "insufficient_balance"
	WalletRejected      FailureReason = "wallet_rejected"
	NetworkOrChainError FailureReason = "network_or_chain_error"
)

type Outcome struct {
	Kind    OutcomeKind
	State   State
	Attempt *chain.Attempt
	Reason  FailureReason
	Err     error
}

func failed(state State, reason FailureReason, err error) Outcome {
	return Outcome{Kind: Failed, State: state, Reason: reason, Err: err}
}

type Manager struct {
	chain  Chain
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewManager(c Chain, logger *zap.SugaredLogger) *Manager {
	return &Manager{chain: c, logger: logger, now: time.Now}
}

// Read returns the owner's current balance and allowance without submitting
// anything. Native token allowance is reported as unlimited.
func (m *Manager) Read(ctx context.Context, owner, spender, token common.Address) (State, error) {
	state := State{Owner: owner, Spender: spender, Token: token}

	balance, err := m.chain.ReadBalance(ctx, owner, token)
	if err != nil {
		return state, err
	}
	state.TokenBalance = balance

	if token == chain.NativeToken {
		state.CurrentAllowance = new(big.Int).Set(chain.MaxUint256)
		return state, nil
	}
	allowance, err := m.chain.ReadAllowance(ctx, owner, spender, token)
	if err != nil {
		return state, err
	}
	state.CurrentAllowance = allowance
	return state, nil
}

// CheckAndEnsure makes sure spender may move required units of token for
// owner. The balance is checked before anything is submitted; if the
// allowance falls short an approval for MaxUint256 is submitted and the
// caller must wait for it to confirm.
func (m *Manager) CheckAndEnsure(ctx context.Context, owner, spender, token common.Address, required *big.Int) Outcome {
	state := State{Owner: owner, Spender: spender, Token: token}
	if required == nil || required.Sign() <= 0 {
		return failed(state, NetworkOrChainError, fmt.Errorf("required amount must be positive"))
	}

	balance, err := m.chain.ReadBalance(ctx, owner, token)
	if err != nil {
		m.logger.Warnw("Balance read failed", "owner", owner.Hex(), "token", token.Hex(), "error", err)
		return failed(state, NetworkOrChainError, err)
	}
	state.TokenBalance = balance
	if balance.Cmp(required) < 0 {
		return failed(state, InsufficientBalance,
			fmt.Errorf("balance %s below required %s", balance, required))
	}

	if token == chain.NativeToken {
		state.CurrentAllowance = new(big.Int).Set(chain.MaxUint256)
		return Outcome{Kind: Sufficient, State: state}
	}

	allowance, err := m.chain.ReadAllowance(ctx, owner, spender, token)
	if err != nil {
		m.logger.Warnw("Allowance read failed", "owner", owner.Hex(), "token", token.Hex(), "error", err)
		return failed(state, NetworkOrChainError, err)
	}
	state.CurrentAllowance = allowance
	if allowance.Cmp(required) >= 0 {
		return Outcome{Kind: Sufficient, State: state}
	}

	m.logger.Infow("Allowance below required, requesting approval",
		"owner", owner.Hex(),
		"spender", spender.Hex(),
		"token", token.Hex(),
		"allowance", allowance.String(),
		"required", required.String(),
	)

	ref, err := m.chain.SubmitApproval(ctx, spender, token, new(big.Int).Set(chain.MaxUint256))
	if err != nil {
		reason := NetworkOrChainError
		if chain.Classify(err) == chain.ClassWalletRejected {
			reason = WalletRejected
		}
		out := failed(state, reason, err)
		out.Attempt = &chain.Attempt{Kind: chain.AttemptApproval, Status: chain.StatusFailed, Error: err.Error(), UpdatedAt: m.now()}
		return out
	}

	return Outcome{
		Kind:    ApprovalSubmitted,
		State:   state,
		Attempt: chain.NewAttempt(chain.AttemptApproval, ref, m.now()),
	}
}
