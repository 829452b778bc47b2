package deposit

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leafsii/leafsii-liquidity/internal/chain"
	"github.com/leafsii/leafsii-liquidity/internal/notify"
	"github.com/leafsii/leafsii-liquidity/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultPositionsTTL = 15 * time.Second

type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Positions lists the pool deposit ids an owner holds. Reads are cached
// briefly and concurrent reads for one owner share a single chain scan.
type Positions struct {
	reader chain.PoolReader
	cache  Cache
	logger *zap.SugaredLogger
	sf     singleflight.Group
	max    int
	ttl    time.Duration
}

func NewPositions(reader chain.PoolReader, cache Cache, logger *zap.SugaredLogger, max int) *Positions {
	if max <= 0 {
		max = chain.DefaultMaxDepositIDs
	}
	return &Positions{
		reader: reader,
		cache:  cache,
		logger: logger,
		max:    max,
		ttl:    DefaultPositionsTTL,
	}
}

// DepositIDs returns the owner's deposit ids in ascending order, as decimal
// strings.
func (p *Positions) DepositIDs(ctx context.Context, owner common.Address) ([]string, error) {
	key := store.KeyDepositIDs(owner.Hex())
	result, err, _ := p.sf.Do(key, func() (interface{}, error) {
		return p.depositIDs(ctx, key, owner)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func (p *Positions) depositIDs(ctx context.Context, key string, owner common.Address) ([]string, error) {
	var cached []string
	if p.cache != nil {
		if err := p.cache.Get(ctx, key, &cached); err == nil {
			return cached, nil
		}
	}

	ids, err := chain.ListDepositIDs(ctx, p.reader, owner, p.max)
	if err != nil {
		p.logger.Errorw("Failed to list deposit ids", "owner", owner.Hex(), "error", err)
		return nil, fmt.Errorf("failed to list deposit ids: %w", err)
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, key, out, p.ttl); err != nil {
			p.logger.Warnw("Failed to cache deposit ids", "owner", owner.Hex(), "error", err)
		}
	}
	return out, nil
}

func (p *Positions) Invalidate(ctx context.Context, owner string) {
	if p.cache == nil || owner == "" {
		return
	}
	if err := p.cache.Delete(ctx, store.KeyDepositIDs(owner)); err != nil {
		p.logger.Warnw("Failed to invalidate deposit ids", "owner", owner, "error", err)
	}
}

// Notify drops the cached ids when an owner's deposits change.
func (p *Positions) Notify(ctx context.Context, ev notify.Event) {
	switch ev.Type {
	case notify.EventConfirmed, notify.EventConfirmedWithWarning, notify.EventConfirmedLate, notify.EventWithdrawn:
		p.Invalidate(ctx, ev.Owner)
	}
}

// ParseDepositID parses a decimal or 0x-prefixed deposit id.
func ParseDepositID(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	id, ok := new(big.Int).SetString(s, 0)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("invalid deposit id %q", s)
	}
	return id, nil
}
