package dagalgo

import (
	"context"

	"github.com/pkg/errors"

	"github.com/duskdag/node/hash"
	"github.com/duskdag/node/storage"
)

// IsSync implements the sync-block predicate (spec.md §4.1): a block at
// height 0 is always a sync block; otherwise it must be at least
// stableHeightLimit below the current front H, already topologically
// ordered, the sole ordered block at its height (the DAG narrows to a
// single throat there), and every block in the preceding
// stableHeightLimit heights must have strictly lower cumulative difficulty.
func IsSync(ctx context.Context, s storage.Storage, h hash.Hash, frontHeight uint64, stableHeightLimit uint64) (bool, error) {
	height, err := s.GetHeightFor(ctx, h)
	if err != nil {
		return false, errors.Wrapf(err, "height of %s", h)
	}
	if height == 0 {
		return true, nil
	}
	if height+stableHeightLimit > frontHeight {
		return false, nil
	}
	ordered, err := s.IsTopologicallyOrdered(ctx, h)
	if err != nil {
		return false, err
	}
	if !ordered {
		return false, nil
	}

	soleBlockAtHeight, err := isSoleOrderedBlockAtHeight(ctx, s, h, height)
	if err != nil {
		return false, err
	}
	if !soleBlockAtHeight {
		return false, nil
	}

	hCumDiff, err := s.GetCumulativeDifficultyFor(ctx, h)
	if err != nil {
		return false, err
	}

	// Near genesis fewer than stableHeightLimit predecessor heights exist;
	// the window then starts at height 0 and is simply shorter.
	start := uint64(0)
	if height > stableHeightLimit {
		start = height - stableHeightLimit
	}
	for predHeight := start; predHeight < height; predHeight++ {
		predCumDiffs, err := cumulativeDifficultiesAtHeight(ctx, s, predHeight)
		if err != nil {
			return false, err
		}
		for _, d := range predCumDiffs {
			if d >= hCumDiff {
				return false, nil
			}
		}
	}
	return true, nil
}

// isSoleOrderedBlockAtHeight reports whether h is the only topologically
// ordered block at its own height — the "DAG narrows to a single throat"
// condition. Storage does not index blocks by height directly, so this
// walks the topoheight axis around h's own topoheight looking for any
// other ordered block sharing h's height.
func isSoleOrderedBlockAtHeight(ctx context.Context, s storage.Storage, h hash.Hash, height uint64) (bool, error) {
	topoheight, err := s.GetTopoheightFor(ctx, h)
	if err != nil {
		return false, err
	}
	top, err := s.TopTopoheight(ctx)
	if err != nil {
		return false, err
	}

	// Scan backward from topoheight until heights drop below h's height,
	// and forward until heights exceed it; any other ordered block found
	// at exactly height disqualifies h.
	for t := topoheight; ; t-- {
		if t != topoheight {
			candidate, err := s.GetHashAtTopoheight(ctx, t)
			if err != nil {
				break
			}
			candidateHeight, err := s.GetHeightFor(ctx, candidate)
			if err != nil {
				return false, err
			}
			if candidateHeight < height {
				break
			}
			if candidateHeight == height {
				return false, nil
			}
		}
		if t == 0 {
			break
		}
	}
	for t := topoheight + 1; t <= top; t++ {
		candidate, err := s.GetHashAtTopoheight(ctx, t)
		if err != nil {
			break
		}
		candidateHeight, err := s.GetHeightFor(ctx, candidate)
		if err != nil {
			return false, err
		}
		if candidateHeight > height {
			break
		}
		if candidateHeight == height {
			return false, nil
		}
	}
	return true, nil
}

// cumulativeDifficultiesAtHeight returns the cumulative difficulty of
// every ordered block at the given height, scanning the topoheight axis
// the same way isSoleOrderedBlockAtHeight does.
func cumulativeDifficultiesAtHeight(ctx context.Context, s storage.Storage, height uint64) ([]uint64, error) {
	top, err := s.TopTopoheight(ctx)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for t := uint64(0); t <= top; t++ {
		h, err := s.GetHashAtTopoheight(ctx, t)
		if err != nil {
			continue
		}
		candHeight, err := s.GetHeightFor(ctx, h)
		if err != nil {
			return nil, err
		}
		if candHeight == height {
			d, err := s.GetCumulativeDifficultyFor(ctx, h)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// TipBase implements tip_base(h, H): an iterative preorder DFS through
// past(h), visiting a node's parents in ascending-height order, returning
// the first ancestor that satisfies IsSync. h's own sync-ness never counts
// — only its ancestors are considered — except that a parentless h (only
// genesis has none) is its own base, returned directly. Returns an error
// if no ancestor qualifies, which cannot happen in a well-formed chain
// since genesis always qualifies.
func TipBase(ctx context.Context, s storage.Storage, h hash.Hash, frontHeight uint64, stableHeightLimit uint64) (hash.Hash, error) {
	type frame struct {
		h hash.Hash
	}
	visited := map[hash.Hash]bool{h: true}

	parents, err := s.GetParents(ctx, h)
	if err != nil {
		return hash.Hash{}, errors.Wrapf(err, "parents of %s", h)
	}
	if len(parents) == 0 {
		return h, nil
	}
	sorted, err := sortAscendingByHeight(ctx, s, parents)
	if err != nil {
		return hash.Hash{}, err
	}
	var stack []frame
	// Push in descending order so the stack pops the smallest-height
	// parent first.
	for i := len(sorted) - 1; i >= 0; i-- {
		p := sorted[i]
		visited[p] = true
		stack = append(stack, frame{h: p})
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		ok, err := IsSync(ctx, s, top.h, frontHeight, stableHeightLimit)
		if err != nil {
			return hash.Hash{}, err
		}
		if ok {
			return top.h, nil
		}

		parents, err := s.GetParents(ctx, top.h)
		if err != nil {
			return hash.Hash{}, errors.Wrapf(err, "parents of %s", top.h)
		}
		sorted, err := sortAscendingByHeight(ctx, s, parents)
		if err != nil {
			return hash.Hash{}, err
		}
		// Push in descending order so the stack pops the
		// smallest-height parent first, preserving the "smallest
		// height first" preference at each recursion frame.
		for i := len(sorted) - 1; i >= 0; i-- {
			p := sorted[i]
			if visited[p] {
				continue
			}
			visited[p] = true
			stack = append(stack, frame{h: p})
		}
	}
	return hash.Hash{}, errors.New("tip_base: no ancestor satisfies is_sync (missing genesis?)")
}

// CommonBase implements the common base of a tip set: tip_base(t, H) for
// every tip, returning the one with the smallest height, tiebroken by hash.
func CommonBase(ctx context.Context, s storage.Storage, tips hash.Hashes, stableHeightLimit uint64) (base hash.Hash, baseHeight uint64, err error) {
	if len(tips) == 0 {
		return hash.Hash{}, 0, errors.New("common base of an empty tip set")
	}

	frontHeight := uint64(0)
	for i, t := range tips {
		height, err := s.GetHeightFor(ctx, t)
		if err != nil {
			return hash.Hash{}, 0, err
		}
		if i == 0 || height > frontHeight {
			frontHeight = height
		}
	}

	var bestBase hash.Hash
	var bestHeight uint64
	found := false
	for _, t := range tips {
		candidate, err := TipBase(ctx, s, t, frontHeight, stableHeightLimit)
		if err != nil {
			return hash.Hash{}, 0, err
		}
		height, err := s.GetHeightFor(ctx, candidate)
		if err != nil {
			return hash.Hash{}, 0, err
		}
		if !found || height < bestHeight || (height == bestHeight && candidate.Less(bestBase)) {
			bestBase, bestHeight, found = candidate, height, true
		}
	}
	return bestBase, bestHeight, nil
}
