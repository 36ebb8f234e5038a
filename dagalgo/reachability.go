// Package dagalgo implements the pure, storage-reading functions of the
// reachability & ordering engine (spec.md §4.1): non-reachability, the
// sync-block predicate, tip base, common base, cumulative work score, best
// tip selection, full-order generation, and the side-block predicate.
//
// Grounded on blockdag/ghostdag.go's and blockdag/blues.go's shape (a DFS
// over blockNode.parents rooted at a candidate block), but the algorithm
// itself is the XELIS blockchain.rs cumulative-difficulty scheme
// (find_tip_base / find_common_base / find_tip_work_score /
// generate_full_order), not GHOSTDAG's blue-anticone K-cluster scheme —
// this spec's vocabulary descends from the XELIS daemon, not from kaspad's
// own consensus rule. Every traversal here is iterative with an explicit
// stack per spec.md §9's requirement to avoid recursion on long unstable
// regions.
package dagalgo

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/duskdag/node/hash"
	"github.com/duskdag/node/storage"
)

// HeightAtTips returns 1 + the maximum height among tips, or 0 if tips is
// empty (genesis).
func HeightAtTips(ctx context.Context, s storage.Storage, tips hash.Hashes) (uint64, error) {
	if len(tips) == 0 {
		return 0, nil
	}
	max := uint64(0)
	for i, t := range tips {
		height, err := s.GetHeightFor(ctx, t)
		if err != nil {
			return 0, errors.Wrapf(err, "height of tip %s", t)
		}
		if i == 0 || height > max {
			max = height
		}
	}
	return max + 1, nil
}

// ExpandPastBounded returns the transitive closure of parents(h), bounded
// to at most maxGenerations levels of ancestry, used by the
// non-reachability check. The returned set never includes h itself.
func ExpandPastBounded(ctx context.Context, s storage.Storage, h hash.Hash, maxGenerations uint64) (map[hash.Hash]bool, error) {
	type frontierEntry struct {
		h         hash.Hash
		generation uint64
	}
	visited := map[hash.Hash]bool{}
	stack := []frontierEntry{{h: h, generation: 0}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.generation >= maxGenerations {
			continue
		}
		parents, err := s.GetParents(ctx, cur.h)
		if err != nil {
			return nil, errors.Wrapf(err, "parents of %s", cur.h)
		}
		for _, p := range parents {
			if visited[p] {
				continue
			}
			visited[p] = true
			stack = append(stack, frontierEntry{h: p, generation: cur.generation + 1})
		}
	}
	return visited, nil
}

// CheckNonReachability implements spec.md §4.1's non-reachability check: for
// every pair of distinct tips (tᵢ, tⱼ), tⱼ must not be reachable from tᵢ
// within 2·stableHeightLimit generations. It returns a plain error (the
// caller maps this to the ConsensusError code InvalidReachability).
func CheckNonReachability(ctx context.Context, s storage.Storage, tips hash.Hashes, stableHeightLimit uint64) error {
	bound := 2 * stableHeightLimit
	pastSets := make([]map[hash.Hash]bool, len(tips))
	for i, t := range tips {
		past, err := ExpandPastBounded(ctx, s, t, bound)
		if err != nil {
			return err
		}
		pastSets[i] = past
	}
	for i := range tips {
		for j := range tips {
			if i == j {
				continue
			}
			if pastSets[i][tips[j]] {
				return errors.Errorf("tip %s is reachable from tip %s", tips[j], tips[i])
			}
		}
	}
	return nil
}

// sortAscendingByHeight sorts hashes ascending by stored height, a
// deterministic tiebreak on hash when heights are equal.
func sortAscendingByHeight(ctx context.Context, s storage.Storage, hs hash.Hashes) (hash.Hashes, error) {
	type withHeight struct {
		h      hash.Hash
		height uint64
	}
	entries := make([]withHeight, len(hs))
	for i, h := range hs {
		height, err := s.GetHeightFor(ctx, h)
		if err != nil {
			return nil, err
		}
		entries[i] = withHeight{h: h, height: height}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].height != entries[j].height {
			return entries[i].height < entries[j].height
		}
		return entries[i].h.Less(entries[j].h)
	})
	out := make(hash.Hashes, len(entries))
	for i, e := range entries {
		out[i] = e.h
	}
	return out, nil
}

// sortDescendingByCumulativeDifficulty sorts hashes descending by stored
// cumulative difficulty, tiebreak descending hash.
func sortDescendingByCumulativeDifficulty(ctx context.Context, s storage.Storage, hs hash.Hashes) (hash.Hashes, error) {
	type withScore struct {
		h     hash.Hash
		score uint64
	}
	entries := make([]withScore, len(hs))
	for i, h := range hs {
		score, err := s.GetCumulativeDifficultyFor(ctx, h)
		if err != nil {
			return nil, err
		}
		entries[i] = withScore{h: h, score: score}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[j].h.Less(entries[i].h)
	})
	out := make(hash.Hashes, len(entries))
	for i, e := range entries {
		out[i] = e.h
	}
	return out, nil
}
