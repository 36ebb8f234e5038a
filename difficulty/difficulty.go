// Package difficulty implements the Ethereum-Homestead-variant retarget
// algorithm of spec.md §4.2, grounded on
// _examples/original_source/xelis_daemon/src/core/difficulty.rs (the
// literal origin of this algorithm) and on the teacher's dagconfig
// struct-of-constants idiom for the tunable divisors.
package difficulty

import (
	"github.com/duskdag/node/params"
)

// timeRangeNumerator and timeRangeDenominator express the "BLOCK_TIME_MS *
// 2 / 3" interval from spec.md §4.2 as a rational to avoid truncating
// before the multiplication.
const (
	timeRangeNumerator   = 2
	timeRangeDenominator = 3
)

// maxAdjustmentMagnitude bounds |tips_count - x| per spec.md §4.2.
const maxAdjustmentMagnitude = 99

// Retarget computes the next block's difficulty given the tip count, the
// timestamps of the new block and its parent best tip, and the previous
// difficulty. Genesis and the first two heights are handled by the caller
// returning p.MinimumDifficulty directly rather than calling Retarget.
//
// The x == 0 branch clamps to no adjustment rather than underflowing —
// resolving the stray `x = x - tips_count` bug the XELIS original carries
// in its unsigned arithmetic (see DESIGN.md Open Questions).
func Retarget(p *params.Params, tipsCount uint64, parentBestTipTimestampMS, bestTipTimestampMS int64, previousDifficulty uint64) uint64 {
	adjust := previousDifficulty / p.DifficultyBoundDivisor

	interval := p.BlockTimeMS * timeRangeNumerator / timeRangeDenominator
	if interval <= 0 {
		interval = 1
	}
	elapsed := bestTipTimestampMS - parentBestTipTimestampMS
	if elapsed < 0 {
		elapsed = 0
	}
	x := uint64(elapsed) / uint64(interval)

	var sign int
	var magnitude uint64
	switch {
	case x == 0:
		// x == 0: no adjustment. This is the clamp-to-zero resolution of
		// the underflow-prone `x - tips_count` branch in the original.
		sign = 0
		magnitude = 0
	case x < tipsCount:
		sign = 1
		magnitude = tipsCount - x
	case x > tipsCount:
		sign = -1
		magnitude = x - tipsCount
	default:
		sign = 0
		magnitude = 0
	}
	if magnitude > maxAdjustmentMagnitude {
		magnitude = maxAdjustmentMagnitude
	}

	delta := adjust * magnitude
	var newDifficulty uint64
	switch {
	case sign > 0:
		newDifficulty = previousDifficulty + delta
	case sign < 0:
		if delta >= previousDifficulty {
			newDifficulty = 0
		} else {
			newDifficulty = previousDifficulty - delta
		}
	default:
		newDifficulty = previousDifficulty
	}

	if newDifficulty < p.MinimumDifficulty {
		return p.MinimumDifficulty
	}
	return newDifficulty
}

// AtHeight returns the difficulty retargeted from the best tip's chain, or
// MinimumDifficulty for genesis and the first two heights, matching
// spec.md §4.2's boundary rule.
func AtHeight(p *params.Params, height uint64, tipsCount uint64, parentBestTipTimestampMS, bestTipTimestampMS int64, previousDifficulty uint64) uint64 {
	if height < 2 {
		return p.MinimumDifficulty
	}
	return Retarget(p, tipsCount, parentBestTipTimestampMS, bestTipTimestampMS, previousDifficulty)
}
