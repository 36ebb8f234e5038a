package dagalgo

import (
	"context"

	"github.com/pkg/errors"

	"github.com/duskdag/node/hash"
	"github.com/duskdag/node/storage"
)

// inScope reports whether p should be folded into a work-score or
// full-order traversal rooted above base: either it is not yet
// topologically ordered (an orphan still competing for placement), or its
// topoheight is at or above base's — the traversal never needs to look
// below the stable base.
func inScope(ctx context.Context, s storage.Storage, p hash.Hash, baseTopoheight uint64) (bool, error) {
	ordered, err := s.IsTopologicallyOrdered(ctx, p)
	if err != nil {
		return false, err
	}
	if !ordered {
		return true, nil
	}
	topoheight, err := s.GetTopoheightFor(ctx, p)
	if err != nil {
		return false, err
	}
	return topoheight >= baseTopoheight, nil
}

// WorkScore implements work_score(h, base, baseHeight): a DFS from h
// through past(h), including a parent iff it is in scope relative to
// base's topoheight. The score is the sum of every visited node's own
// difficulty plus base's cumulative difficulty.
func WorkScore(ctx context.Context, s storage.Storage, h hash.Hash, base hash.Hash) (uint64, error) {
	baseCumDiff, err := s.GetCumulativeDifficultyFor(ctx, base)
	if err != nil {
		return 0, errors.Wrapf(err, "cumulative difficulty of base %s", base)
	}
	baseTopoheight := uint64(0)
	if ordered, err := s.IsTopologicallyOrdered(ctx, base); err == nil && ordered {
		baseTopoheight, err = s.GetTopoheightFor(ctx, base)
		if err != nil {
			return 0, err
		}
	}

	visited := map[hash.Hash]bool{}
	stack := []hash.Hash{h}
	score := uint64(0)
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[v] {
			continue
		}
		visited[v] = true

		diff, err := s.GetDifficultyFor(ctx, v)
		if err != nil {
			return 0, errors.Wrapf(err, "difficulty of %s", v)
		}
		score += diff

		if v == base {
			continue
		}
		parents, err := s.GetParents(ctx, v)
		if err != nil {
			return 0, errors.Wrapf(err, "parents of %s", v)
		}
		for _, p := range parents {
			if visited[p] || p == base {
				continue
			}
			ok, err := inScope(ctx, s, p, baseTopoheight)
			if err != nil {
				return 0, err
			}
			if ok {
				stack = append(stack, p)
			}
		}
	}
	return score + baseCumDiff, nil
}

// BestTip scores every tip via WorkScore against the tip set's common
// base and returns the tip with the highest score, tiebreak descending
// hash.
func BestTip(ctx context.Context, s storage.Storage, tips hash.Hashes, stableHeightLimit uint64) (hash.Hash, error) {
	if len(tips) == 0 {
		return hash.Hash{}, errors.New("best tip of an empty tip set")
	}
	if len(tips) == 1 {
		return tips[0], nil
	}

	base, _, err := CommonBase(ctx, s, tips, stableHeightLimit)
	if err != nil {
		return hash.Hash{}, err
	}

	var best hash.Hash
	var bestScore uint64
	found := false
	for _, t := range tips {
		score, err := WorkScore(ctx, s, t, base)
		if err != nil {
			return hash.Hash{}, err
		}
		if !found || score > bestScore || (score == bestScore && best.Less(t)) {
			best, bestScore, found = t, score, true
		}
	}
	return best, nil
}
