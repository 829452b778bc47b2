package chain

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxDepositIDs bounds how many userDepositIds slots are probed.
const DefaultMaxDepositIDs = 100

// ListDepositIDs walks userDepositIds(owner, i) from index zero. The pool
// exposes no length, so the walk ends at the first zero id, the first failed
// read (an out-of-range index reverts), or max. Ids come back de-duplicated in
// ascending order.
func ListDepositIDs(ctx context.Context, reader PoolReader, owner common.Address, max int) ([]*big.Int, error) {
	if max <= 0 {
		max = DefaultMaxDepositIDs
	}

	seen := make(map[string]struct{})
	ids := make([]*big.Int, 0)
	for i := 0; i < max; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := reader.DepositIDAt(ctx, owner, uint64(i))
		if err != nil || id == nil || id.Sign() == 0 {
			break
		}
		key := id.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Cmp(ids[j]) < 0
	})
	return ids, nil
}
