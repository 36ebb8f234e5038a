package dagalgo

import (
	"context"

	"github.com/duskdag/node/hash"
	"github.com/duskdag/node/storage"
)

// GenerateOrder implements generate_order(bestTip, base, baseTopoheight):
// an iterative post-order DFS from bestTip through its in-scope parents
// (the same inclusion rule as WorkScore), sorting each node's parents by
// cumulative difficulty descending (tiebreak descending hash) before
// recursing, and excluding base itself. The result is the sequence of
// hashes that must receive topoheight = baseTopoheight+1, +2, ... in
// order.
func GenerateOrder(ctx context.Context, s storage.Storage, bestTip hash.Hash, base hash.Hash, baseTopoheight uint64) (hash.Hashes, error) {
	if bestTip == base {
		return nil, nil
	}

	type frame struct {
		h       hash.Hash
		parents hash.Hashes
		idx     int
	}

	parentsOf := func(h hash.Hash) (hash.Hashes, error) {
		raw, err := s.GetParents(ctx, h)
		if err != nil {
			return nil, err
		}
		inScopeParents := make(hash.Hashes, 0, len(raw))
		for _, p := range raw {
			if p == base {
				continue
			}
			ok, err := inScope(ctx, s, p, baseTopoheight)
			if err != nil {
				return nil, err
			}
			if ok {
				inScopeParents = append(inScopeParents, p)
			}
		}
		return sortDescendingByCumulativeDifficulty(ctx, s, inScopeParents)
	}

	visited := map[hash.Hash]bool{bestTip: true}
	rootParents, err := parentsOf(bestTip)
	if err != nil {
		return nil, err
	}
	stack := []*frame{{h: bestTip, parents: rootParents}}

	var order hash.Hashes
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.idx < len(top.parents) {
			p := top.parents[top.idx]
			top.idx++
			if visited[p] {
				continue
			}
			visited[p] = true
			parents, err := parentsOf(p)
			if err != nil {
				return nil, err
			}
			stack = append(stack, &frame{h: p, parents: parents})
			continue
		}
		order = append(order, top.h)
		stack = stack[:len(stack)-1]
	}
	return order, nil
}

// IsSideBlock implements the side-block predicate (spec.md §4.1): among
// the nearest stableHeightLimit predecessors by topoheight, h is a side
// block iff every one has height >= height(h) (strict < disqualifies, per
// the pinned inequality in SPEC_FULL.md §5).
func IsSideBlock(ctx context.Context, s storage.Storage, h hash.Hash, stableHeightLimit uint64) (bool, error) {
	height, err := s.GetHeightFor(ctx, h)
	if err != nil {
		return false, err
	}
	topoheight, err := s.GetTopoheightFor(ctx, h)
	if err != nil {
		return false, err
	}
	if topoheight == 0 {
		return false, nil
	}

	count := uint64(0)
	for t := topoheight - 1; count < stableHeightLimit; t-- {
		predecessor, err := s.GetHashAtTopoheight(ctx, t)
		if err != nil {
			break
		}
		predHeight, err := s.GetHeightFor(ctx, predecessor)
		if err != nil {
			return false, err
		}
		if predHeight < height {
			return false, nil
		}
		count++
		if t == 0 {
			break
		}
	}
	return true, nil
}
