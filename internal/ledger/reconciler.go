package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = 15 * time.Second
	defaultLease       = time.Minute
)

// Poster delivers a record to the ledger.
type Poster interface {
	Post(ctx context.Context, rec Record) error
}

// Metrics receives the outcome of every delivery attempt.
type Metrics interface {
	RecordLedgerWrite(ctx context.Context, result string)
}

// Reconciler writes confirmed deposits to the ledger exactly once. Every
// record passes through the outbox first, so a failed write is retried by
// ProcessDue instead of being lost.
type Reconciler struct {
	outbox      Outbox
	poster      Poster
	logger      *zap.SugaredLogger
	metrics     Metrics
	sf          singleflight.Group
	maxAttempts int32
	backoff     func(attempt int32) time.Duration
	now         func() time.Time
}

type ReconcilerOption func(*Reconciler)

func WithMaxAttempts(n int32) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoff sets the linear retry step: attempt n waits n*step.
func WithBackoff(step time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if step > 0 {
			r.backoff = linearBackoff(step)
		}
	}
}

func WithMetrics(m Metrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func linearBackoff(step time.Duration) func(int32) time.Duration {
	return func(attempt int32) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return time.Duration(attempt) * step
	}
}

func NewReconciler(outbox Outbox, poster Poster, logger *zap.SugaredLogger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		outbox:      outbox,
		poster:      poster,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		backoff:     linearBackoff(DefaultBackoff),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordDeposit records a confirmed deposit. Calls with a reference that is
// already delivered return nil without posting; concurrent calls for the same
// reference share one delivery. A failed delivery returns a
// *ReconciliationError and leaves the entry for the retry worker.
func (r *Reconciler) RecordDeposit(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid ledger record: %w", err)
	}

	_, err, _ := r.sf.Do(rec.TransactionReference, func() (interface{}, error) {
		return nil, r.record(ctx, rec)
	})
	return err
}

func (r *Reconciler) record(ctx context.Context, rec Record) error {
	// The first retry waits one backoff step so the worker does not race the
	// inline delivery below.
	entry, created, err := r.outbox.Enqueue(ctx, rec, r.now().Add(r.backoff(1)))
	if err != nil {
		return &ReconciliationError{Ref: rec.TransactionReference, Err: fmt.Errorf("enqueue: %w", err)}
	}
	if entry.Status == StatusDone {
		r.logger.Debugw("Ledger record already delivered", "ref", entry.Ref())
		r.observe(ctx, "duplicate")
		return nil
	}
	if !created {
		r.logger.Infow("Ledger record already queued, delivering now", "ref", entry.Ref(), "status", entry.Status, "attempts", entry.Attempts)
	}
	return r.deliver(ctx, entry)
}

func (r *Reconciler) deliver(ctx context.Context, entry Entry) error {
	ref := entry.Ref()
	if err := r.poster.Post(ctx, entry.Record); err != nil {
		return r.handleFailure(ctx, entry, err)
	}
	if err := r.outbox.MarkDone(ctx, ref); err != nil {
		// The ledger has the record; a later retry gets a 409 and settles it.
		r.logger.Errorw("Failed to mark ledger entry done", "ref", ref, "error", err)
	}
	r.logger.Infow("Ledger record delivered", "ref", ref, "attempts", entry.Attempts+1)
	r.observe(ctx, "success")
	return nil
}

func (r *Reconciler) handleFailure(ctx context.Context, entry Entry, cause error) error {
	ref := entry.Ref()
	attempts := entry.Attempts + 1
	recErr := &ReconciliationError{Ref: ref, Attempts: attempts, Err: cause}

	if attempts >= r.maxAttempts {
		recErr.Final = true
		if err := r.outbox.MarkFailed(ctx, ref, cause.Error()); err != nil {
			r.logger.Errorw("Failed to mark ledger entry failed", "ref", ref, "error", err)
		}
		r.logger.Errorw("Ledger delivery abandoned", "ref", ref, "attempts", attempts, "error", cause)
		r.observe(ctx, "failed")
		return recErr
	}

	next := r.now().Add(r.backoff(attempts))
	if err := r.outbox.MarkRetry(ctx, ref, next, cause.Error()); err != nil {
		r.logger.Errorw("Failed to schedule ledger retry", "ref", ref, "error", err)
	}
	r.logger.Warnw("Ledger delivery failed, will retry", "ref", ref, "attempts", attempts, "next", next, "error", cause)
	r.observe(ctx, "retry")
	return recErr
}

// ProcessDue delivers up to limit due outbox entries and returns how many
// were delivered.
func (r *Reconciler) ProcessDue(ctx context.Context, limit int32) (int, error) {
	now := r.now()
	entries, err := r.outbox.ClaimDue(ctx, now, now.Add(defaultLease), limit)
	if err != nil {
		return 0, fmt.Errorf("claim due ledger entries: %w", err)
	}

	delivered := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		_, err, _ := r.sf.Do(entry.Ref(), func() (interface{}, error) {
			return nil, r.deliver(ctx, entry)
		})
		if err == nil {
			delivered++
		}
	}
	return delivered, nil
}

// Retry makes a pending or failed entry due now and delivers it.
func (r *Reconciler) Retry(ctx context.Context, ref string) error {
	entry, err := r.outbox.Get(ctx, ref)
	if err != nil {
		return err
	}
	if entry.Status == StatusDone {
		return nil
	}
	if entry.Status == StatusFailed {
		// A forced retry gets one more attempt beyond the limit.
		entry.Attempts = r.maxAttempts - 1
	}
	if err := r.outbox.Reschedule(ctx, ref, r.now()); err != nil {
		return err
	}
	_, err, _ = r.sf.Do(ref, func() (interface{}, error) {
		return nil, r.deliver(ctx, entry)
	})
	return err
}

func (r *Reconciler) Get(ctx context.Context, ref string) (Entry, error) {
	return r.outbox.Get(ctx, ref)
}

func (r *Reconciler) List(ctx context.Context, status Status, limit int) ([]Entry, error) {
	return r.outbox.List(ctx, status, limit)
}

// IsReconciliationError reports whether err carries a ledger failure.
func IsReconciliationError(err error) bool {
	var recErr *ReconciliationError
	return errors.As(err, &recErr)
}

func (r *Reconciler) observe(ctx context.Context, result string) {
	if r.metrics != nil {
		r.metrics.RecordLedgerWrite(ctx, result)
	}
}
