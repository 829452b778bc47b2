package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultReconcileInterval = 30 * time.Second
	DefaultReconcileBatch    = 50
)

// DueProcessor retries ledger writes whose backoff has elapsed.
type DueProcessor interface {
	ProcessDue(ctx context.Context, limit int32) (int, error)
}

type LedgerWorkerConfig struct {
	Interval  time.Duration
	BatchSize int32
}

// LedgerWorker drains the reconciliation outbox on a fixed interval.
type LedgerWorker struct {
	processor DueProcessor
	logger    *zap.SugaredLogger
	config    LedgerWorkerConfig

	mu        sync.Mutex
	cancelCtx context.CancelFunc
	done      chan struct{}
}

func NewLedgerWorker(processor DueProcessor, logger *zap.SugaredLogger, config LedgerWorkerConfig) *LedgerWorker {
	if config.Interval <= 0 {
		config.Interval = DefaultReconcileInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultReconcileBatch
	}
	return &LedgerWorker{
		processor: processor,
		logger:    logger,
		config:    config,
	}
}

// Start runs until ctx is cancelled or Stop is called.
func (w *LedgerWorker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w.mu.Lock()
	w.cancelCtx = cancel
	w.done = done
	w.mu.Unlock()
	defer close(done)

	w.logger.Infow("Starting ledger reconciliation worker",
		"interval", w.config.Interval,
		"batch", w.config.BatchSize,
	)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Infow("Ledger reconciliation worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain keeps claiming batches while full batches come back.
func (w *LedgerWorker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.processor.ProcessDue(ctx, w.config.BatchSize)
		if err != nil {
			w.logger.Errorw("Ledger reconciliation pass failed", "error", err)
			return
		}
		if n > 0 {
			w.logger.Infow("Ledger reconciliation pass", "processed", n)
		}
		if n < int(w.config.BatchSize) {
			return
		}
	}
}

// Stop cancels the loop and waits for it to return.
func (w *LedgerWorker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancelCtx, w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
