package deposit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/leafsii/leafsii-liquidity/internal/allowance"
	"github.com/leafsii/leafsii-liquidity/internal/calc"
	"github.com/leafsii/leafsii-liquidity/internal/chain"
	"github.com/leafsii/leafsii-liquidity/internal/ledger"
	"github.com/leafsii/leafsii-liquidity/internal/notify"
	"github.com/leafsii/leafsii-liquidity/internal/store"
	"github.com/leafsii/leafsii-liquidity/internal/wallet"
	"go.uber.org/zap"
)

const (
	DefaultConfirmationTimeout    = 3 * time.Minute
	DefaultLateConfirmationWindow = 30 * time.Minute
	DefaultTokenDecimals          = 18

	retention   = time.Hour
	snapshotTTL = 24 * time.Hour
)

// AllowanceManager is the allowance surface the orchestrator drives.
type AllowanceManager interface {
	CheckAndEnsure(ctx context.Context, owner, spender, token common.Address, required *big.Int) allowance.Outcome
	Read(ctx context.Context, owner, spender, token common.Address) (allowance.State, error)
}

type LedgerRecorder interface {
	RecordDeposit(ctx context.Context, rec ledger.Record) error
}

type DecimalsReader interface {
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// SnapshotStore keeps intent results readable after they leave memory.
type SnapshotStore interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
}

type Metrics interface {
	RecordTransition(ctx context.Context, from, to string)
	RecordOutcome(ctx context.Context, state, kind string)
	RecordApproval(ctx context.Context, result string)
	RecordConfirmationWait(ctx context.Context, kind string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(context.Context, string, string)              {}
func (nopMetrics) RecordOutcome(context.Context, string, string)                 {}
func (nopMetrics) RecordApproval(context.Context, string)                        {}
func (nopMetrics) RecordConfirmationWait(context.Context, string, time.Duration) {}

// Orchestrator runs deposit intents through the allowance, approval, deposit
// and reconciliation steps. One intent per owner may be in flight.
type Orchestrator struct {
	chain     chain.Client
	allowance AllowanceManager
	wallet    wallet.Provider
	ledger    LedgerRecorder
	spender   common.Address
	logger    *zap.SugaredLogger

	table          calc.Table
	lockOptions    []int
	decimals       DecimalsReader
	fixedDecimals  uint8
	notifier       notify.Notifier
	metrics        Metrics
	snapshots      SnapshotStore
	confirmTimeout time.Duration
	lateWindow     time.Duration
	now            func() time.Time

	mu       sync.Mutex
	intents  map[string]*flow
	inFlight map[common.Address]string
	parked   map[common.Address]string
	// unresolved holds owners whose deposit timed out but may still land.
	unresolved map[common.Address]string
	closed     bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Orchestrator)

func WithTable(t calc.Table) Option {
	return func(o *Orchestrator) { o.table = t }
}

func WithLockDurations(months []int) Option {
	return func(o *Orchestrator) {
		if len(months) > 0 {
			o.lockOptions = months
		}
	}
}

// WithDecimalsReader reads token decimals from chain instead of assuming
// a fixed value.
func WithDecimalsReader(r DecimalsReader) Option {
	return func(o *Orchestrator) { o.decimals = r }
}

func WithTokenDecimals(d uint8) Option {
	return func(o *Orchestrator) { o.fixedDecimals = d }
}

func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithSnapshotStore(s SnapshotStore) Option {
	return func(o *Orchestrator) { o.snapshots = s }
}

func WithConfirmationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.confirmTimeout = d
		}
	}
}

func WithLateConfirmationWindow(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.lateWindow = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(
	client chain.Client,
	manager AllowanceManager,
	provider wallet.Provider,
	recorder LedgerRecorder,
	spender common.Address,
	logger *zap.SugaredLogger,
	opts ...Option,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		chain:          client,
		allowance:      manager,
		wallet:         provider,
		ledger:         recorder,
		spender:        spender,
		logger:         logger,
		table:          calc.DefaultTable(),
		lockOptions:    calc.DefaultLockDurations,
		fixedDecimals:  DefaultTokenDecimals,
		notifier:       notify.Nop{},
		metrics:        nopMetrics{},
		confirmTimeout: DefaultConfirmationTimeout,
		lateWindow:     DefaultLateConfirmationWindow,
		now:            time.Now,
		intents:        make(map[string]*flow),
		inFlight:       make(map[common.Address]string),
		parked:         make(map[common.Address]string),
		unresolved:     make(map[common.Address]string),
		baseCtx:        ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit validates in and runs it until it reaches a terminal state or is
// parked after an approval confirms. Chain submissions use ctx; confirmation
// waits and ledger writes do not, so a cancelled caller cannot abandon a
// transaction that is already on its way.
func (o *Orchestrator) Submit(ctx context.Context, in Intent) (*Result, error) {
	f, err := o.begin(ctx, in)
	if f == nil {
		return nil, err
	}
	if err != nil || f.current().Terminal() {
		return f.snapshot(), err
	}
	err = o.checkAllowance(ctx, f)
	return f.snapshot(), err
}

// SubmitAsync validates in and claims the owner's slot before returning.
// The remaining steps run in the background; follow them with Get or the
// notification channels.
func (o *Orchestrator) SubmitAsync(ctx context.Context, in Intent) (*Result, error) {
	f, err := o.begin(ctx, in)
	if f == nil {
		return nil, err
	}
	if err != nil {
		return f.snapshot(), err
	}
	if !f.current().Terminal() {
		o.background(f, o.checkAllowance)
	}
	return f.snapshot(), nil
}

// Continue resumes an intent parked in CheckingAllowance after its approval
// confirmed. The allowance is read again before the deposit is submitted.
func (o *Orchestrator) Continue(ctx context.Context, id string) (*Result, error) {
	f, err := o.resume(id)
	if err != nil {
		return nil, err
	}
	err = o.checkAllowance(ctx, f)
	return f.snapshot(), err
}

func (o *Orchestrator) ContinueAsync(_ context.Context, id string) (*Result, error) {
	f, err := o.resume(id)
	if err != nil {
		return nil, err
	}
	o.background(f, o.checkAllowance)
	return f.snapshot(), nil
}

// Get returns the latest view of an intent.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Result, error) {
	o.mu.Lock()
	f, ok := o.intents[id]
	o.mu.Unlock()
	if ok {
		return f.snapshot(), nil
	}

	if o.snapshots != nil {
		var r Result
		if err := o.snapshots.Get(ctx, store.KeyIntent(id), &r); err == nil {
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

// InFlight returns the id of the owner's running intent, if any. An intent
// whose deposit timed out counts until its late watch resolves.
func (o *Orchestrator) InFlight(owner common.Address) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.inFlight[owner]; ok {
		return id, true
	}
	id, ok := o.unresolved[owner]
	return id, ok
}

// Close stops background work and waits for it to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) background(f *flow, step func(context.Context, *flow) error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := step(o.baseCtx, f); err != nil {
			o.logger.Errorw("Deposit flow stopped", "intent", f.intent.ID, "error", err)
		}
	}()
}

func (o *Orchestrator) begin(ctx context.Context, in Intent) (*flow, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	in.ID = uuid.NewString()
	in.Owner = common.Address{}
	f := newFlow(in, o.now())
	if err := o.transition(f, StateValidatingIntent); err != nil {
		return nil, err
	}

	owner, werr := o.resolveOwner(ctx)
	if werr != nil {
		o.register(f)
		return f, o.rejectEarly(f, werr)
	}
	f.update(func(f *flow) { f.intent.Owner = owner }, o.now())

	if err := o.acquire(f); err != nil {
		return nil, err
	}

	if verr := o.validate(ctx, f); verr != nil {
		return f, o.rejectEarly(f, verr)
	}
	if err := o.transition(f, StateCheckingAllowance); err != nil {
		return f, err
	}

	o.logger.Infow("Deposit intent accepted",
		"intent", f.intent.ID,
		"owner", owner.Hex(),
		"token", f.intent.Token.Hex(),
		"amount", f.intent.Amount.String(),
		"months", f.intent.LockDurationMonths,
		"rate", f.rate.String(),
	)
	o.notify(f, notify.EventSubmitted)
	return f, nil
}

// rejectEarly rejects an intent that never reached the chain and returns the
// rejection so callers see it as an error.
func (o *Orchestrator) rejectEarly(f *flow, e *Error) error {
	if err := o.reject(f, e); err != nil {
		return err
	}
	return e
}

func (o *Orchestrator) resolveOwner(ctx context.Context) (common.Address, *Error) {
	if !o.wallet.IsConnected(ctx) {
		if err := o.wallet.PromptConnect(ctx); err != nil {
			return common.Address{}, newError(KindWalletRejected, "connect wallet", err)
		}
	}
	addr, ok := o.wallet.CurrentAddress(ctx)
	if !ok {
		return common.Address{}, newError(KindWalletRejected, "connect wallet", wallet.ErrNotConnected)
	}
	return addr, nil
}

func (o *Orchestrator) validate(ctx context.Context, f *flow) *Error {
	in := f.intent
	if err := calc.ValidateDepositAmount(in.Amount, o.table); err != nil {
		return newError(KindValidation, "validate", err)
	}
	if err := calc.ValidateLockDuration(in.LockDurationMonths, o.lockOptions); err != nil {
		return newError(KindValidation, "validate", err)
	}

	decimals := o.fixedDecimals
	if o.decimals != nil {
		d, err := o.decimals.TokenDecimals(ctx, in.Token)
		if err != nil {
			return chainError("read token decimals", err, "", "")
		}
		decimals = d
	}
	if err := calc.ValidatePrecision(in.Amount, int32(decimals)); err != nil {
		return newError(KindValidation, "validate", err)
	}

	units := in.Amount.Shift(int32(decimals)).BigInt()
	rate := o.table.RateFor(in.Amount)
	f.update(func(f *flow) {
		f.baseUnits = units
		f.rate = rate
	}, o.now())
	return nil
}

func (o *Orchestrator) register(f *flow) {
	o.mu.Lock()
	o.intents[f.intent.ID] = f
	o.mu.Unlock()
}

// acquire claims the owner's slot for f. An intent the owner left parked is
// superseded.
func (o *Orchestrator) acquire(f *flow) error {
	owner := f.intent.Owner

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.busyLocked(owner) {
		o.mu.Unlock()
		return ErrIntentInFlight
	}
	o.pruneLocked()
	o.inFlight[owner] = f.intent.ID
	o.intents[f.intent.ID] = f
	var prev *flow
	if id, ok := o.parked[owner]; ok {
		prev = o.intents[id]
		delete(o.parked, owner)
	}
	o.mu.Unlock()

	if prev != nil && prev.current() == StateCheckingAllowance {
		prev.update(func(p *flow) { p.parked = false }, o.now())
		if err := o.reject(prev, newError(KindValidation, "continue", ErrSuperseded)); err != nil {
			o.logger.Errorw("Failed to supersede parked intent", "intent", prev.intent.ID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) busyLocked(owner common.Address) bool {
	if _, ok := o.inFlight[owner]; ok {
		return true
	}
	_, ok := o.unresolved[owner]
	return ok
}

func (o *Orchestrator) resume(id string) (*flow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrClosed
	}
	f, ok := o.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	owner := f.intent.Owner
	if o.parked[owner] != id {
		return nil, ErrNotAwaitingInput
	}
	if o.busyLocked(owner) {
		return nil, ErrIntentInFlight
	}
	delete(o.parked, owner)
	o.inFlight[owner] = id
	f.update(func(f *flow) { f.parked = false }, o.now())
	return f, nil
}

func (o *Orchestrator) park(f *flow) {
	owner := f.intent.Owner
	o.mu.Lock()
	if o.inFlight[owner] == f.intent.ID {
		delete(o.inFlight, owner)
	}
	o.parked[owner] = f.intent.ID
	o.mu.Unlock()
	f.update(func(f *flow) { f.parked = true }, o.now())
}

func (o *Orchestrator) release(f *flow) {
	owner := f.intent.Owner
	o.mu.Lock()
	if o.inFlight[owner] == f.intent.ID {
		delete(o.inFlight, owner)
	}
	if o.parked[owner] == f.intent.ID {
		delete(o.parked, owner)
	}
	o.mu.Unlock()
}

// holdUnresolved keeps the owner's slot claimed after f is rejected for a
// confirmation timeout, until watchLate settles the deposit.
func (o *Orchestrator) holdUnresolved(f *flow) {
	o.mu.Lock()
	o.unresolved[f.intent.Owner] = f.intent.ID
	o.mu.Unlock()
}

func (o *Orchestrator) releaseUnresolved(f *flow) {
	owner := f.intent.Owner
	o.mu.Lock()
	if o.unresolved[owner] == f.intent.ID {
		delete(o.unresolved, owner)
	}
	o.mu.Unlock()
}

// pruneLocked drops finished intents from memory; their snapshots remain in
// the snapshot store.
func (o *Orchestrator) pruneLocked() {
	cutoff := o.now().Add(-retention)
	for id, f := range o.intents {
		r := f.snapshot()
		if r.State.Terminal() && r.UpdatedAt.Before(cutoff) {
			delete(o.intents, id)
		}
	}
}

func (o *Orchestrator) checkAllowance(ctx context.Context, f *flow) error {
	in := f.intent
	required := new(big.Int).Set(f.baseUnits)

	if f.snapshot().Approval != nil {
		// Re-entry after a confirmed approval: read only, never approve twice.
		st, err := o.allowance.Read(ctx, in.Owner, o.spender, in.Token)
		if err != nil {
			return o.reject(f, chainError("read allowance", err, "", ""))
		}
		switch {
		case st.TokenBalance.Cmp(required) < 0:
			return o.reject(f, newError(KindInsufficientBalance, "check balance",
				fmt.Errorf("balance %s below required %s", st.TokenBalance, required)))
		case st.CurrentAllowance.Cmp(required) < 0:
			return o.reject(f, newError(KindNetworkOrChain, "check allowance",
				fmt.Errorf("allowance %s still below required %s after approval", st.CurrentAllowance, required)))
		}
		return o.submitDeposit(ctx, f)
	}

	out := o.allowance.CheckAndEnsure(ctx, in.Owner, o.spender, in.Token, required)
	switch out.Kind {
	case allowance.Sufficient:
		return o.submitDeposit(ctx, f)
	case allowance.ApprovalSubmitted:
		return o.awaitApproval(f, out.Attempt)
	}

	e := outcomeError(out)
	if out.Attempt != nil {
		o.metrics.RecordApproval(o.baseCtx, string(e.Kind))
		f.update(func(f *flow) { f.approval = out.Attempt }, o.now())
		if err := o.transition(f, StateAwaitingApproval); err != nil {
			return err
		}
	}
	return o.reject(f, e)
}

func outcomeError(out allowance.Outcome) *Error {
	switch out.Reason {
	case allowance.InsufficientBalance:
		return newError(KindInsufficientBalance, "check balance", out.Err)
	case allowance.WalletRejected:
		return newError(KindWalletRejected, "submit approval", out.Err)
	}
	op := "check allowance"
	if out.Attempt != nil {
		op = "submit approval"
	}
	return newError(KindNetworkOrChain, op, out.Err)
}

func (o *Orchestrator) awaitApproval(f *flow, attempt *chain.Attempt) error {
	f.update(func(f *flow) { f.approval = attempt }, o.now())
	if err := o.transition(f, StateAwaitingApproval); err != nil {
		return err
	}
	o.metrics.RecordApproval(o.baseCtx, "submitted")
	o.notify(f, notify.EventApproving)

	if err := o.transition(f, StateAwaitingApprovalConfirmation); err != nil {
		return err
	}
	f.update(func(f *flow) { f.approval.Set(chain.StatusConfirming, nil, o.now()) }, o.now())

	receipt, err := o.wait(chain.AttemptApproval, attempt.Ref)
	if err != nil {
		f.update(func(f *flow) {
			f.approval.Set(chain.StatusFailed, err, o.now())
			f.unresolved = true
		}, o.now())
		e := newError(KindNetworkOrChain, "wait for approval", err)
		e.TxRef = attempt.Ref
		return o.reject(f, e)
	}
	if receipt.Status == chain.ReceiptReverted {
		f.update(func(f *flow) { f.approval.Set(chain.StatusFailed, chain.ErrReverted, o.now()) }, o.now())
		e := newError(KindReverted, "approval", chain.ErrReverted)
		e.TxRef = attempt.Ref
		return o.reject(f, e)
	}

	f.update(func(f *flow) { f.approval.Set(chain.StatusConfirmed, nil, o.now()) }, o.now())
	if err := o.transition(f, StateCheckingAllowance); err != nil {
		return err
	}
	o.park(f)
	o.metrics.RecordApproval(o.baseCtx, "confirmed")
	o.logger.Infow("Approval confirmed; intent waiting to continue",
		"intent", f.intent.ID,
		"tx", attempt.Ref,
	)
	o.notify(f, notify.EventApproved)
	o.save(f)
	return nil
}

func (o *Orchestrator) submitDeposit(ctx context.Context, f *flow) error {
	if f.snapshot().Deposit != nil {
		return fmt.Errorf("%w: deposit already submitted for intent %s", ErrIllegalTransition, f.intent.ID)
	}
	if err := o.transition(f, StateSubmittingDeposit); err != nil {
		return err
	}
	o.notify(f, notify.EventDepositing)

	in := f.intent
	call := chain.DepositCall{
		Token:           in.Token,
		Amount:          new(big.Int).Set(f.baseUnits),
		LockSeconds:     calc.LockSeconds(in.LockDurationMonths),
		RateBasisPoints: calc.RateBasisPoints(f.rate),
	}
	if in.Token == chain.NativeToken {
		call.Value = new(big.Int).Set(f.baseUnits)
	}

	ref, err := o.chain.SubmitDeposit(ctx, call)
	if err != nil {
		f.update(func(f *flow) {
			f.deposit = &chain.Attempt{Kind: chain.AttemptDeposit, Status: chain.StatusFailed, Error: err.Error(), UpdatedAt: o.now()}
		}, o.now())
		return o.reject(f, chainError("submit deposit", err, "", chain.DepositRevertHint))
	}

	attempt := chain.NewAttempt(chain.AttemptDeposit, ref, o.now())
	f.update(func(f *flow) { f.deposit = attempt }, o.now())
	if err := o.transition(f, StateAwaitingDepositConfirmation); err != nil {
		return err
	}
	f.update(func(f *flow) { f.deposit.Set(chain.StatusConfirming, nil, o.now()) }, o.now())

	receipt, err := o.wait(chain.AttemptDeposit, ref)
	if err != nil {
		f.update(func(f *flow) {
			f.deposit.Set(chain.StatusFailed, err, o.now())
			f.unresolved = true
		}, o.now())
		e := newError(KindNetworkOrChain, "wait for deposit", err)
		e.TxRef = ref
		o.holdUnresolved(f)
		rerr := o.reject(f, e)
		o.watchLate(f, ref)
		return rerr
	}
	if receipt.Status == chain.ReceiptReverted {
		f.update(func(f *flow) { f.deposit.Set(chain.StatusFailed, chain.ErrReverted, o.now()) }, o.now())
		return o.reject(f, &Error{
			Kind:  KindReverted,
			Op:    "deposit",
			Err:   chain.ErrReverted,
			TxRef: ref,
			Hint:  chain.DepositRevertHint,
		})
	}

	f.update(func(f *flow) { f.deposit.Set(chain.StatusConfirmed, nil, o.now()) }, o.now())
	if err := o.transition(f, StateReconciling); err != nil {
		return err
	}
	return o.reconcile(f, ref)
}

func (o *Orchestrator) ledgerRecord(f *flow, ref chain.TxRef) ledger.Record {
	return ledger.Record{
		Amount:               f.intent.Amount,
		InterestRatePercent:  f.rate,
		LockDurationMonths:   f.intent.LockDurationMonths,
		TransactionReference: ref.String(),
	}
}

func (o *Orchestrator) reconcile(f *flow, ref chain.TxRef) error {
	err := o.ledger.RecordDeposit(o.baseCtx, o.ledgerRecord(f, ref))

	final, event := StateConfirmed, notify.EventConfirmed
	if err != nil {
		final, event = StateConfirmedWithWarning, notify.EventConfirmedWithWarning
		w := newError(KindLedger, "record ledger", err)
		w.TxRef = ref
		f.update(func(f *flow) { f.warning = w }, o.now())
		o.logger.Warnw("Deposit confirmed but ledger write failed",
			"intent", f.intent.ID,
			"tx", ref,
			"error", err,
		)
	}
	if terr := o.transition(f, final); terr != nil {
		return terr
	}
	o.release(f)

	kind := ""
	if err != nil {
		kind = string(KindLedger)
	}
	o.metrics.RecordOutcome(o.baseCtx, string(final), kind)
	o.logger.Infow("Deposit confirmed", "intent", f.intent.ID, "tx", ref, "state", final)
	o.notify(f, event)
	o.save(f)
	return nil
}

func (o *Orchestrator) reject(f *flow, e *Error) error {
	f.update(func(f *flow) { f.err = e }, o.now())
	if err := o.transition(f, StateRejected); err != nil {
		return err
	}
	o.release(f)

	o.metrics.RecordOutcome(o.baseCtx, string(StateRejected), string(e.Kind))
	o.logger.Warnw("Deposit intent rejected",
		"intent", f.intent.ID,
		"owner", f.intent.Owner.Hex(),
		"kind", e.Kind,
		"error", e,
	)
	o.notify(f, notify.EventFailed)
	o.save(f)
	return nil
}

func (o *Orchestrator) transition(f *flow, to State) error {
	from, err := f.moveTo(to, o.now())
	if err != nil {
		o.logger.Errorw("Rejected state transition", "intent", f.intent.ID, "from", from, "to", to)
		return err
	}
	o.metrics.RecordTransition(o.baseCtx, string(from), string(to))
	return nil
}

func (o *Orchestrator) wait(kind chain.AttemptKind, ref chain.TxRef) (chain.Receipt, error) {
	ctx, cancel := context.WithTimeout(o.baseCtx, o.confirmTimeout)
	defer cancel()

	start := o.now()
	receipt, err := o.chain.WaitForConfirmation(ctx, ref)
	o.metrics.RecordConfirmationWait(o.baseCtx, string(kind), o.now().Sub(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return receipt, fmt.Errorf("no confirmation within %s: %w", o.confirmTimeout, err)
		}
		return receipt, err
	}
	return receipt, nil
}

// watchLate keeps waiting for a deposit whose confirmation timed out. The
// owner stays busy until it resolves. A deposit that lands within the late
// window is recorded in the ledger and the intent settles as
// ConfirmedWithWarning.
func (o *Orchestrator) watchLate(f *flow, ref chain.TxRef) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.releaseUnresolved(f)

		ctx, cancel := context.WithTimeout(o.baseCtx, o.lateWindow)
		defer cancel()

		receipt, err := o.chain.WaitForConfirmation(ctx, ref)
		if err != nil {
			o.logger.Warnw("Deposit still unresolved after late window", "intent", f.intent.ID, "tx", ref, "error", err)
			return
		}
		if receipt.Status != chain.ReceiptConfirmed {
			o.logger.Infow("Late deposit receipt reverted", "intent", f.intent.ID, "tx", ref)
			f.update(func(f *flow) {
				f.unresolved = false
				f.deposit.Set(chain.StatusFailed, chain.ErrReverted, o.now())
				f.err = &Error{
					Kind:  KindReverted,
					Op:    "deposit",
					Err:   chain.ErrReverted,
					TxRef: ref,
					Hint:  chain.DepositRevertHint,
				}
			}, o.now())
			o.metrics.RecordOutcome(o.baseCtx, string(StateRejected), string(KindReverted))
			o.notify(f, notify.EventFailed)
			o.save(f)
			return
		}

		var warning *Error
		if lerr := o.ledger.RecordDeposit(o.baseCtx, o.ledgerRecord(f, ref)); lerr != nil {
			warning = newError(KindLedger, "record ledger", lerr)
			warning.TxRef = ref
		}
		from, err := f.confirmLate(warning, o.now())
		if err != nil {
			o.logger.Errorw("Rejected late confirmation", "intent", f.intent.ID, "from", from, "error", err)
			return
		}
		o.metrics.RecordTransition(o.baseCtx, string(from), string(StateConfirmedWithWarning))

		r := f.snapshot()
		o.metrics.RecordOutcome(o.baseCtx, string(StateConfirmedWithWarning), string(r.Warning.Kind))
		o.logger.Infow("Deposit confirmed after timeout", "intent", f.intent.ID, "tx", ref, "warning", r.Warning)
		o.notify(f, notify.EventConfirmedLate)
		o.save(f)
	}()
}

func (o *Orchestrator) notify(f *flow, t notify.EventType) {
	r := f.snapshot()
	ev := notify.Event{
		Type:      t,
		IntentID:  r.Intent.ID,
		State:     string(r.State),
		Timestamp: o.now(),
	}
	if r.Intent.Owner != (common.Address{}) {
		ev.Owner = r.Intent.Owner.Hex()
	}
	switch {
	case r.Deposit != nil:
		ev.TxRef = r.Deposit.Ref.String()
	case r.Approval != nil:
		ev.TxRef = r.Approval.Ref.String()
	}
	if e := r.Err; e != nil {
		ev.Kind, ev.Message = string(e.Kind), e.Error()
	} else if w := r.Warning; w != nil {
		ev.Kind, ev.Message = string(w.Kind), w.Error()
	}
	o.notifier.Notify(o.baseCtx, ev)
}

func (o *Orchestrator) save(f *flow) {
	if o.snapshots == nil {
		return
	}
	r := f.snapshot()
	if err := o.snapshots.Set(o.baseCtx, store.KeyIntent(r.Intent.ID), r, snapshotTTL); err != nil {
		o.logger.Warnw("Failed to cache intent snapshot", "intent", r.Intent.ID, "error", err)
	}
}
