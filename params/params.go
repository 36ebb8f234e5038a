// Package params defines the network parameters consumed by the consensus
// core: retarget constants, reward constants, and per-network limits. The
// core never parses flags or config files itself; it only ever receives a
// *Params value from its caller, mirroring the upstream struct-of-constants
// convention where magic numbers never hang directly off call sites.
package params

import "github.com/duskdag/node/crypto/owner"

// Network identifies one of the defined parameter sets.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Simnet  Network = "simnet"
)

// Params is a network's full set of consensus constants.
type Params struct {
	Network Network

	// TipsLimit bounds how many parent tips a block header may declare.
	TipsLimit int

	// StableHeightLimit is the distance below the common base under which
	// reorganization is forbidden, and the window used by is_sync and the
	// side-block predicate.
	StableHeightLimit uint64

	// BlockTimeMS is the target inter-block time used by the difficulty
	// controller.
	BlockTimeMS int64

	// TimestampInFutureLimitMS bounds how far into the future a block's
	// timestamp may be relative to the local clock.
	TimestampInFutureLimitMS int64

	// MaxBlockSize is the maximum encoded size, in bytes, of a block
	// including all of its transactions.
	MaxBlockSize uint64

	// FeePerKB is the minimum fee, per 1024 bytes of transaction size,
	// rounded up.
	FeePerKB uint64

	// EmissionSpeedFactor controls how quickly block reward decays as
	// supply approaches MaxSupply: reward = (MaxSupply - supply) >> factor.
	EmissionSpeedFactor uint

	// MaxSupply is the maximum number of atomic units ever emitted.
	MaxSupply uint64

	// SideBlockRewardPercent is the percentage of nominal reward a side
	// block receives.
	SideBlockRewardPercent uint64

	// DevFeePercent is the percentage of nominal block reward diverted to
	// DevFeeAddress.
	DevFeePercent uint64

	// DevFeeAddress receives DevFeePercent of every block's nominal reward.
	DevFeeAddress owner.PublicKey

	// DifficultyBoundDivisor bounds the maximum per-block adjustment as
	// previous_difficulty / DifficultyBoundDivisor.
	DifficultyBoundDivisor uint64

	// MinimumDifficulty is the difficulty floor; also the genesis and
	// first-two-heights difficulty.
	MinimumDifficulty uint64

	// ExtraDataLimit bounds the total bytes of extra_data across a
	// Transfer transaction's outputs.
	ExtraDataLimit int

	// MempoolExpiryMS bounds how long an admitted transaction may sit
	// unmined before the coordinator's background sweep evicts it.
	MempoolExpiryMS int64
}

// Mainnet parameters. Values chosen to match the examples given throughout
// the protocol notes (15s blocks, 8-block stability window, 3 tips).
var MainnetParams = &Params{
	Network:                  Mainnet,
	TipsLimit:                3,
	StableHeightLimit:        8,
	BlockTimeMS:              15000,
	TimestampInFutureLimitMS: 2000,
	MaxBlockSize:             1 << 20, // 1 MiB
	FeePerKB:                 1000,
	EmissionSpeedFactor:      20,
	MaxSupply:                18_400_000 * 100_000_000,
	SideBlockRewardPercent:   30,
	DevFeePercent:            5,
	DifficultyBoundDivisor:   2048,
	MinimumDifficulty:        1_000_000,
	ExtraDataLimit:           32,
	MempoolExpiryMS:          60 * 60 * 1000, // 1h
}

// TestnetParams relaxes timing so local test networks converge quickly.
var TestnetParams = &Params{
	Network:                  Testnet,
	TipsLimit:                3,
	StableHeightLimit:        8,
	BlockTimeMS:              5000,
	TimestampInFutureLimitMS: 2000,
	MaxBlockSize:             1 << 20,
	FeePerKB:                 1000,
	EmissionSpeedFactor:      20,
	MaxSupply:                18_400_000 * 100_000_000,
	SideBlockRewardPercent:   30,
	DevFeePercent:            0,
	DifficultyBoundDivisor:   2048,
	MinimumDifficulty:        1000,
	ExtraDataLimit:           32,
	MempoolExpiryMS:          30 * 60 * 1000, // 30m
}

// SimnetParams is intended for deterministic single-process test harnesses:
// a tiny, fixed difficulty so blocks never require real proof-of-work search.
var SimnetParams = &Params{
	Network:                  Simnet,
	TipsLimit:                3,
	StableHeightLimit:        8,
	BlockTimeMS:              1000,
	TimestampInFutureLimitMS: 2000,
	MaxBlockSize:             1 << 20,
	FeePerKB:                 0,
	EmissionSpeedFactor:      20,
	MaxSupply:                18_400_000 * 100_000_000,
	SideBlockRewardPercent:   30,
	DevFeePercent:            0,
	DifficultyBoundDivisor:   2048,
	MinimumDifficulty:        1,
	ExtraDataLimit:           32,
	MempoolExpiryMS:          5 * 60 * 1000, // 5m
}

// ByNetwork returns the Params for a named network, or nil if unknown.
func ByNetwork(n Network) *Params {
	switch n {
	case Mainnet:
		return MainnetParams
	case Testnet:
		return TestnetParams
	case Simnet:
		return SimnetParams
	default:
		return nil
	}
}
