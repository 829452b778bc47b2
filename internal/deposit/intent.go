package deposit

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leafsii/leafsii-liquidity/internal/chain"
	"github.com/shopspring/decimal"
)

// Intent is a user's request to deposit Amount of Token for
// LockDurationMonths. ID and Owner are assigned at submission.
type Intent struct {
	ID                 string          `json:"id"`
	Owner              common.Address  `json:"owner"`
	Token              common.Address  `json:"token"`
	Amount             decimal.Decimal `json:"amount"`
	LockDurationMonths int             `json:"lockDurationMonths"`
}

type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Result is a point-in-time view of an intent.
type Result struct {
	Intent        Intent          `json:"intent"`
	State         State           `json:"state"`
	RatePercent   decimal.Decimal `json:"ratePercent"`
	BaseUnits     string          `json:"baseUnits,omitempty"`
	Approval      *chain.Attempt  `json:"approval,omitempty"`
	Deposit       *chain.Attempt  `json:"deposit,omitempty"`
	Err           *Error          `json:"error,omitempty"`
	Warning       *Error          `json:"warning,omitempty"`
	Unresolved    bool            `json:"unresolved,omitempty"`
	LateConfirmed bool            `json:"lateConfirmed,omitempty"`
	NeedsContinue bool            `json:"needsContinue,omitempty"`
	History       []Transition    `json:"history"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// flow is the mutable record of one intent. Steps of one flow run
// sequentially; mu guards readers taking snapshots concurrently.
type flow struct {
	mu sync.Mutex

	intent    Intent
	state     State
	rate      decimal.Decimal
	baseUnits *big.Int
	approval  *chain.Attempt
	deposit   *chain.Attempt
	err       *Error
	warning   *Error
	history   []Transition
	createdAt time.Time
	updatedAt time.Time

	unresolved    bool
	lateConfirmed bool
	// parked is set while the flow waits in CheckingAllowance for Continue.
	parked bool
}

func newFlow(in Intent, now time.Time) *flow {
	return &flow{
		intent:    in,
		state:     StateIdle,
		createdAt: now,
		updatedAt: now,
	}
}

func (f *flow) moveTo(to State, now time.Time) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.state
	if err := checkTransition(from, to); err != nil {
		return from, err
	}
	f.state = to
	f.updatedAt = now
	f.history = append(f.history, Transition{From: from, To: to, At: now})
	return from, nil
}

// confirmLate settles an unresolved flow whose deposit confirmed after its
// timeout. The timeout error becomes the warning unless warning is set.
func (f *flow) confirmLate(warning *Error, now time.Time) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.state
	if !f.unresolved || lateTransitions[from] != StateConfirmedWithWarning {
		return from, fmt.Errorf("%w: late %s -> %s", ErrIllegalTransition, from, StateConfirmedWithWarning)
	}
	if warning == nil && f.err != nil {
		w := *f.err
		w.Hint = "deposit confirmed after the confirmation timeout"
		warning = &w
	}
	f.warning = warning
	f.err = nil
	f.unresolved = false
	f.lateConfirmed = true
	if f.deposit != nil {
		f.deposit.Set(chain.StatusConfirmed, nil, now)
		f.deposit.Error = ""
	}
	f.state = StateConfirmedWithWarning
	f.updatedAt = now
	f.history = append(f.history, Transition{From: from, To: StateConfirmedWithWarning, At: now})
	return from, nil
}

func (f *flow) update(fn func(f *flow), now time.Time) {
	f.mu.Lock()
	fn(f)
	f.updatedAt = now
	f.mu.Unlock()
}

func (f *flow) current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func copyAttempt(a *chain.Attempt) *chain.Attempt {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

func (f *flow) snapshot() *Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := &Result{
		Intent:        f.intent,
		State:         f.state,
		RatePercent:   f.rate,
		Approval:      copyAttempt(f.approval),
		Deposit:       copyAttempt(f.deposit),
		Err:           f.err,
		Warning:       f.warning,
		Unresolved:    f.unresolved,
		LateConfirmed: f.lateConfirmed,
		NeedsContinue: f.parked && f.state == StateCheckingAllowance,
		History:       append([]Transition(nil), f.history...),
		CreatedAt:     f.createdAt,
		UpdatedAt:     f.updatedAt,
	}
	if f.baseUnits != nil {
		r.BaseUnits = f.baseUnits.String()
	}
	return r
}
