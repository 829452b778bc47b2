package deposit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/leafsii/leafsii-liquidity/internal/chain"
	"github.com/leafsii/leafsii-liquidity/internal/notify"
	"github.com/leafsii/leafsii-liquidity/internal/wallet"
	"go.uber.org/zap"
)

// Withdrawal is the submitted state of a withdrawLiquidiy call.
type Withdrawal struct {
	DepositID string         `json:"depositId"`
	Owner     string         `json:"owner"`
	Attempt   *chain.Attempt `json:"attempt"`
}

// Withdrawer submits withdrawals and reports their outcome through the
// notifier once the receipt arrives.
type Withdrawer struct {
	chain    chain.Withdrawer
	wallet   wallet.Provider
	notifier notify.Notifier
	logger   *zap.SugaredLogger
	timeout  time.Duration
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWithdrawer(c chain.Withdrawer, provider wallet.Provider, notifier notify.Notifier, logger *zap.SugaredLogger, timeout time.Duration) *Withdrawer {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Withdrawer{
		chain:    c,
		wallet:   provider,
		notifier: notifier,
		logger:   logger,
		timeout:  timeout,
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

func (w *Withdrawer) Withdraw(ctx context.Context, depositID *big.Int) (*Withdrawal, error) {
	if depositID == nil || depositID.Sign() <= 0 {
		return nil, newError(KindValidation, "validate", fmt.Errorf("deposit id must be positive"))
	}
	if !w.wallet.IsConnected(ctx) {
		if err := w.wallet.PromptConnect(ctx); err != nil {
			return nil, newError(KindWalletRejected, "connect wallet", err)
		}
	}
	owner, ok := w.wallet.CurrentAddress(ctx)
	if !ok {
		return nil, newError(KindWalletRejected, "connect wallet", wallet.ErrNotConnected)
	}

	ref, err := w.chain.SubmitWithdrawal(ctx, depositID)
	if err != nil {
		return nil, chainError("submit withdrawal", err, "", chain.WithdrawRevertHint)
	}

	attempt := chain.NewAttempt(chain.AttemptWithdrawal, ref, w.now())
	wd := &Withdrawal{
		DepositID: depositID.String(),
		Owner:     owner.Hex(),
		Attempt:   attempt,
	}
	w.logger.Infow("Withdrawal submitted", "owner", wd.Owner, "depositId", wd.DepositID, "tx", ref)

	w.wg.Add(1)
	go w.await(wd.Owner, wd.DepositID, depositID.Uint64(), ref)

	return wd, nil
}

func (w *Withdrawer) await(owner, id string, numericID uint64, ref chain.TxRef) {
	defer w.wg.Done()

	ctx, cancel := context.WithTimeout(w.baseCtx, w.timeout)
	defer cancel()

	ev := notify.Event{Owner: owner, TxRef: ref.String(), DepositID: numericID}
	receipt, err := w.chain.WaitForConfirmation(ctx, ref)
	switch {
	case err != nil:
		e := newError(KindNetworkOrChain, "wait for withdrawal", err)
		if errors.Is(err, context.DeadlineExceeded) {
			e.Err = fmt.Errorf("no confirmation within %s: %w", w.timeout, err)
		}
		e.TxRef = ref
		ev.Type, ev.Kind, ev.Message = notify.EventWithdrawFailed, string(e.Kind), e.Error()
		w.logger.Warnw("Withdrawal unresolved", "owner", owner, "depositId", id, "tx", ref, "error", err)
	case receipt.Status == chain.ReceiptReverted:
		e := &Error{Kind: KindReverted, Op: "withdrawal", Err: chain.ErrReverted, TxRef: ref, Hint: chain.WithdrawRevertHint}
		ev.Type, ev.Kind, ev.Message = notify.EventWithdrawFailed, string(e.Kind), e.Error()
		w.logger.Warnw("Withdrawal reverted", "owner", owner, "depositId", id, "tx", ref)
	default:
		ev.Type = notify.EventWithdrawn
		w.logger.Infow("Withdrawal confirmed", "owner", owner, "depositId", id, "tx", ref)
	}

	ev.Timestamp = w.now()
	w.notifier.Notify(w.baseCtx, ev)
}

func (w *Withdrawer) Close() {
	w.cancel()
	w.wg.Wait()
}
