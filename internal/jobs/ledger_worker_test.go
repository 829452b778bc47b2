package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProcessor struct {
	mu      sync.Mutex
	results []int
	calls   int
	err     error
}

func (p *fakeProcessor) ProcessDue(_ context.Context, limit int32) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return 0, p.err
	}
	if len(p.results) == 0 {
		return 0, nil
	}
	n := p.results[0]
	p.results = p.results[1:]
	if n > int(limit) {
		n = int(limit)
	}
	return n, nil
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestLedgerWorker_DrainsFullBatches(t *testing.T) {
	p := &fakeProcessor{results: []int{2, 2, 1}}
	w := NewLedgerWorker(p, zap.NewNop().Sugar(), LedgerWorkerConfig{Interval: time.Hour, BatchSize: 2})

	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(context.Background()) }()

	require.Eventually(t, func() bool { return p.callCount() == 3 }, time.Second, 5*time.Millisecond)
	w.Stop()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 3, p.callCount())
}

func TestLedgerWorker_TicksAndSurvivesErrors(t *testing.T) {
	p := &fakeProcessor{err: errors.New("db down")}
	w := NewLedgerWorker(p, zap.NewNop().Sugar(), LedgerWorkerConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	require.Eventually(t, func() bool { return p.callCount() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestLedgerWorker_StopBeforeStart(t *testing.T) {
	w := NewLedgerWorker(&fakeProcessor{}, zap.NewNop().Sugar(), LedgerWorkerConfig{})
	assert.NotPanics(t, w.Stop)
	assert.Equal(t, DefaultReconcileInterval, w.config.Interval)
	assert.Equal(t, int32(DefaultReconcileBatch), w.config.BatchSize)
}
