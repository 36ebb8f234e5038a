// Package storage defines the abstract persistence contract the consensus
// core consumes (spec.md §6): append-oriented, queryable storage for block
// headers, the block→topoheight mapping, versioned balances and nonces,
// the tip set, cumulative difficulty, supply, reward, height, and the
// block↔tx linkage. The on-disk encoding is explicitly a Non-goal — this
// package only fixes the Go method contract; badgerstore and teststorage
// are the two concrete implementations the core ships.
package storage

import (
	"context"

	"github.com/duskdag/node/crypto/owner"
	"github.com/duskdag/node/model"

	"github.com/duskdag/node/hash"
)

// ErrBlockNotFound is returned by block lookups for an unknown hash.
var ErrBlockNotFound = newErr("block not found")

// ErrAccountNotFound is returned when no versioned balance/nonce exists yet
// for an (account, asset) or account.
var ErrAccountNotFound = newErr("account not found")

type sentinelErr string

func newErr(s string) error    { return sentinelErr(s) }
func (e sentinelErr) Error() string { return string(e) }

// BlockRecord is the stored, validated representation of a block: its
// header and transactions, plus the per-block consensus metadata computed
// at admission time.
type BlockRecord struct {
	Block                *model.Block
	Difficulty           uint64
	CumulativeDifficulty uint64
	Topoheight           *uint64 // nil until topologically ordered
	Reward               uint64
	BlockType            model.BlockType
}

// Storage is the persistence contract the consensus core consumes. All
// methods take a context because the backing store may perform I/O; the
// in-memory teststorage implementation ignores ctx.
type Storage interface {
	// Blocks.
	GetBlock(ctx context.Context, h hash.Hash) (*BlockRecord, error)
	PutBlock(ctx context.Context, record *BlockRecord) error
	HasBlock(ctx context.Context, h hash.Hash) (bool, error)
	GetParents(ctx context.Context, h hash.Hash) (hash.Hashes, error)

	// Ordering.
	IsTopologicallyOrdered(ctx context.Context, h hash.Hash) (bool, error)
	GetTopoheightFor(ctx context.Context, h hash.Hash) (uint64, error)
	GetHashAtTopoheight(ctx context.Context, t uint64) (hash.Hash, error)
	SetTopoheight(ctx context.Context, h hash.Hash, t uint64) error
	UnsetTopoheight(ctx context.Context, h hash.Hash) error
	TopTopoheight(ctx context.Context) (uint64, error)

	// Block metadata.
	GetHeightFor(ctx context.Context, h hash.Hash) (uint64, error)
	GetTimestampFor(ctx context.Context, h hash.Hash) (int64, error)
	GetDifficultyFor(ctx context.Context, h hash.Hash) (uint64, error)
	GetCumulativeDifficultyFor(ctx context.Context, h hash.Hash) (uint64, error)
	GetBlockType(ctx context.Context, h hash.Hash) (model.BlockType, error)
	SetBlockType(ctx context.Context, h hash.Hash, t model.BlockType) error

	// Tips.
	GetTips(ctx context.Context) (hash.Hashes, error)
	StoreTips(ctx context.Context, tips hash.Hashes) error

	// Supply and reward.
	GetSupplyAtTopoheight(ctx context.Context, t uint64) (uint64, error)
	SetSupplyAtTopoheight(ctx context.Context, t uint64, supply uint64) error
	GetRewardFor(ctx context.Context, h hash.Hash) (uint64, error)
	SetRewardFor(ctx context.Context, h hash.Hash, reward uint64) error

	// Versioned balances, keyed by (account, asset).
	GetLastVersionedBalance(ctx context.Context, key model.AccountAsset) (*model.VersionedBalance, uint64, error)
	GetVersionedBalanceAtTopoheight(ctx context.Context, key model.AccountAsset, t uint64) (*model.VersionedBalance, error)
	HasBalanceAtExactTopoheight(ctx context.Context, key model.AccountAsset, t uint64) (bool, error)
	SetLastBalanceTo(ctx context.Context, key model.AccountAsset, t uint64, balance *model.VersionedBalance) error
	DeleteBalanceAtTopoheight(ctx context.Context, key model.AccountAsset, t uint64) error

	// Versioned nonces, keyed by account.
	GetNonceAtMaximumTopoheight(ctx context.Context, account owner.PublicKey, maxTopoheight uint64) (*model.VersionedNonce, uint64, error)
	SetLastNonceTo(ctx context.Context, account owner.PublicKey, t uint64, nonce *model.VersionedNonce) error

	// Asset registry.
	RegisterAsset(ctx context.Context, asset model.AssetID) error
	IsAssetRegistered(ctx context.Context, asset model.AssetID) (bool, error)

	// Rewind support: remove the topmost n topoheights, returning the
	// transactions of the popped blocks so the coordinator can re-queue
	// them into mempool. Recomputes and returns the new
	// height/topoheight.
	PopBlocks(ctx context.Context, n uint64) (newHeight uint64, newTopoheight uint64, poppedTxs []*model.Transaction, err error)
}
