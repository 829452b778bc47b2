package deposit

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leafsii/leafsii-liquidity/internal/notify"
	"github.com/leafsii/leafsii-liquidity/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

type fakePool struct {
	ids   []int64
	calls atomic.Int32
	delay time.Duration
}

func (p *fakePool) DepositIDAt(_ context.Context, _ common.Address, index uint64) (*big.Int, error) {
	if index == 0 {
		p.calls.Add(1)
		time.Sleep(p.delay)
	}
	if int(index) >= len(p.ids) {
		return nil, errors.New("execution reverted")
	}
	return big.NewInt(p.ids[index]), nil
}

func (p *fakePool) TokenDecimals(context.Context, common.Address) (uint8, error) {
	return 18, nil
}

func (p *fakePool) Pool() common.Address {
	return pool
}

func TestPositions_DepositIDs(t *testing.T) {
	cache := store.NewMemoryCache(zap.NewNop().Sugar(), nil)
	defer cache.Close()
	reader := &fakePool{ids: []int64{7, 3, 7, 5}}
	p := NewPositions(reader, cache, zap.NewNop().Sugar(), 10)

	ids, err := p.DepositIDs(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "5", "7"}, ids)

	_, err = p.DepositIDs(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int32(1), reader.calls.Load(), "second read is served from cache")

	p.Notify(context.Background(), notify.Event{Type: notify.EventConfirmed, Owner: owner.Hex()})
	_, err = p.DepositIDs(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int32(2), reader.calls.Load())

	p.Notify(context.Background(), notify.Event{Type: notify.EventDepositing, Owner: owner.Hex()})
	_, _ = p.DepositIDs(context.Background(), owner)
	assert.Equal(t, int32(2), reader.calls.Load())
}

func TestPositions_ConcurrentReadsCollapse(t *testing.T) {
	reader := &fakePool{ids: []int64{1}, delay: 20 * time.Millisecond}
	p := NewPositions(reader, nil, zap.NewNop().Sugar(), 0)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := p.DepositIDs(context.Background(), owner)
			assert.NoError(t, err)
			assert.Equal(t, []string{"1"}, ids)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, reader.calls.Load(), int32(2))
}

func TestParseDepositID(t *testing.T) {
	id, err := ParseDepositID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.Int64())

	id, err = ParseDepositID("0x2a")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.Int64())

	for _, bad := range []string{"", "0", "-1", "abc"} {
		_, err := ParseDepositID(bad)
		assert.Error(t, err, bad)
	}
}
