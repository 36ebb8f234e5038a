// Package teststorage is an in-memory storage.Storage implementation used
// by package tests across the module, grounded on blockdag/test_utils.go's
// role as a test-only fake-chain builder — but here a full interface
// implementation rather than a fixture loader, since storage.Storage is the
// module's actual persistence seam rather than an external database.
package teststorage

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/duskdag/node/crypto/owner"
	"github.com/duskdag/node/hash"
	"github.com/duskdag/node/model"
	"github.com/duskdag/node/storage"
)

type balanceNode struct {
	balance    *model.VersionedBalance
	topoheight uint64
}

type nonceNode struct {
	nonce      *model.VersionedNonce
	topoheight uint64
}

// Storage is a fully in-memory implementation of storage.Storage, safe for
// concurrent use.
type Storage struct {
	mu sync.RWMutex

	blocks map[hash.Hash]*storage.BlockRecord
	topo   map[hash.Hash]uint64 // hash -> topoheight, only when ordered
	byTopo map[uint64]hash.Hash

	tips hash.Hashes

	supply map[uint64]uint64
	reward map[hash.Hash]uint64

	// balances[account/asset] is the version list head; chained via
	// PreviousTopoheight, newest node stored in balances, older nodes in
	// balanceHistory keyed by (key, topoheight).
	balances        map[model.AccountAsset]*balanceNode
	balanceHistory  map[model.AccountAsset]map[uint64]*model.VersionedBalance
	nonces          map[owner.PublicKey]*nonceNode
	nonceHistory    map[owner.PublicKey]map[uint64]*model.VersionedNonce

	assets map[model.AssetID]bool

	topTopoheight uint64
}

// New returns an empty Storage, ready for a genesis block to be inserted.
func New() *Storage {
	return &Storage{
		blocks:         make(map[hash.Hash]*storage.BlockRecord),
		topo:           make(map[hash.Hash]uint64),
		byTopo:         make(map[uint64]hash.Hash),
		supply:         make(map[uint64]uint64),
		reward:         make(map[hash.Hash]uint64),
		balances:       make(map[model.AccountAsset]*balanceNode),
		balanceHistory: make(map[model.AccountAsset]map[uint64]*model.VersionedBalance),
		nonces:         make(map[owner.PublicKey]*nonceNode),
		nonceHistory:   make(map[owner.PublicKey]map[uint64]*model.VersionedNonce),
		assets:         map[model.AssetID]bool{model.NativeAsset: true},
	}
}

func (s *Storage) GetBlock(_ context.Context, h hash.Hash) (*storage.BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.blocks[h]
	if !ok {
		return nil, storage.ErrBlockNotFound
	}
	return rec, nil
}

func (s *Storage) PutBlock(_ context.Context, record *storage.BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[record.Block.Hash()] = record
	return nil
}

func (s *Storage) HasBlock(_ context.Context, h hash.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[h]
	return ok, nil
}

func (s *Storage) GetParents(_ context.Context, h hash.Hash) (hash.Hashes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.blocks[h]
	if !ok {
		return nil, storage.ErrBlockNotFound
	}
	return rec.Block.Header.Tips.Clone(), nil
}

func (s *Storage) IsTopologicallyOrdered(_ context.Context, h hash.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topo[h]
	return ok, nil
}

func (s *Storage) GetTopoheightFor(_ context.Context, h hash.Hash) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topo[h]
	if !ok {
		return 0, errors.Errorf("block %s is not topologically ordered", h)
	}
	return t, nil
}

func (s *Storage) GetHashAtTopoheight(_ context.Context, t uint64) (hash.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byTopo[t]
	if !ok {
		return hash.Hash{}, errors.Errorf("no block at topoheight %d", t)
	}
	return h, nil
}

func (s *Storage) SetTopoheight(_ context.Context, h hash.Hash, t uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topo[h] = t
	s.byTopo[t] = h
	if rec, ok := s.blocks[h]; ok {
		topoCopy := t
		rec.Topoheight = &topoCopy
	}
	if t > s.topTopoheight || (t == 0 && s.topTopoheight == 0) {
		s.topTopoheight = t
	}
	return nil
}

func (s *Storage) UnsetTopoheight(_ context.Context, h hash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.topo[h]; ok {
		delete(s.byTopo, t)
		delete(s.topo, h)
	}
	if rec, ok := s.blocks[h]; ok {
		rec.Topoheight = nil
	}
	return nil
}

func (s *Storage) TopTopoheight(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topTopoheight, nil
}

func (s *Storage) GetHeightFor(_ context.Context, h hash.Hash) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.blocks[h]
	if !ok {
		return 0, storage.ErrBlockNotFound
	}
	return rec.Block.Header.Height, nil
}

func (s *Storage) GetTimestampFor(_ context.Context, h hash.Hash) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.blocks[h]
	if !ok {
		return 0, storage.ErrBlockNotFound
	}
	return rec.Block.Header.TimestampMS, nil
}

func (s *Storage) GetDifficultyFor(_ context.Context, h hash.Hash) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.blocks[h]
	if !ok {
		return 0, storage.ErrBlockNotFound
	}
	return rec.Difficulty, nil
}

func (s *Storage) GetCumulativeDifficultyFor(_ context.Context, h hash.Hash) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.blocks[h]
	if !ok {
		return 0, storage.ErrBlockNotFound
	}
	return rec.CumulativeDifficulty, nil
}

func (s *Storage) GetBlockType(_ context.Context, h hash.Hash) (model.BlockType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.blocks[h]
	if !ok {
		return 0, storage.ErrBlockNotFound
	}
	return rec.BlockType, nil
}

func (s *Storage) SetBlockType(_ context.Context, h hash.Hash, t model.BlockType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.blocks[h]
	if !ok {
		return storage.ErrBlockNotFound
	}
	rec.BlockType = t
	return nil
}

func (s *Storage) GetTips(_ context.Context) (hash.Hashes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tips.Clone(), nil
}

func (s *Storage) StoreTips(_ context.Context, tips hash.Hashes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tips = tips.Clone()
	return nil
}

func (s *Storage) GetSupplyAtTopoheight(_ context.Context, t uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.supply[t], nil
}

func (s *Storage) SetSupplyAtTopoheight(_ context.Context, t uint64, supply uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supply[t] = supply
	return nil
}

func (s *Storage) GetRewardFor(_ context.Context, h hash.Hash) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reward[h], nil
}

func (s *Storage) SetRewardFor(_ context.Context, h hash.Hash, reward uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reward[h] = reward
	return nil
}

func (s *Storage) GetLastVersionedBalance(_ context.Context, key model.AccountAsset) (*model.VersionedBalance, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.balances[key]
	if !ok {
		return nil, 0, storage.ErrAccountNotFound
	}
	return node.balance, node.topoheight, nil
}

func (s *Storage) GetVersionedBalanceAtTopoheight(_ context.Context, key model.AccountAsset, t uint64) (*model.VersionedBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if node, ok := s.balances[key]; ok && node.topoheight == t {
		return node.balance, nil
	}
	if hist, ok := s.balanceHistory[key]; ok {
		if vb, ok := hist[t]; ok {
			return vb, nil
		}
	}
	return nil, storage.ErrAccountNotFound
}

func (s *Storage) HasBalanceAtExactTopoheight(_ context.Context, key model.AccountAsset, t uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if node, ok := s.balances[key]; ok && node.topoheight == t {
		return true, nil
	}
	if hist, ok := s.balanceHistory[key]; ok {
		_, ok := hist[t]
		return ok, nil
	}
	return false, nil
}

func (s *Storage) SetLastBalanceTo(_ context.Context, key model.AccountAsset, t uint64, balance *model.VersionedBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.balances[key]; ok {
		if s.balanceHistory[key] == nil {
			s.balanceHistory[key] = make(map[uint64]*model.VersionedBalance)
		}
		s.balanceHistory[key][prev.topoheight] = prev.balance
	}
	s.balances[key] = &balanceNode{balance: balance, topoheight: t}
	return nil
}

func (s *Storage) DeleteBalanceAtTopoheight(_ context.Context, key model.AccountAsset, t uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node, ok := s.balances[key]; ok && node.topoheight == t {
		if node.balance.PreviousTopoheight == nil {
			delete(s.balances, key)
			return nil
		}
		prevT := *node.balance.PreviousTopoheight
		if hist, ok := s.balanceHistory[key]; ok {
			if prevVB, ok := hist[prevT]; ok {
				s.balances[key] = &balanceNode{balance: prevVB, topoheight: prevT}
				delete(hist, prevT)
				return nil
			}
		}
		delete(s.balances, key)
		return nil
	}
	if hist, ok := s.balanceHistory[key]; ok {
		delete(hist, t)
	}
	return nil
}

func (s *Storage) GetNonceAtMaximumTopoheight(_ context.Context, account owner.PublicKey, maxTopoheight uint64) (*model.VersionedNonce, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nonces[account]
	if !ok {
		return nil, 0, storage.ErrAccountNotFound
	}
	if node.topoheight <= maxTopoheight {
		return node.nonce, node.topoheight, nil
	}
	// Walk the history backwards to find the newest snapshot at or below
	// maxTopoheight.
	hist := s.nonceHistory[account]
	var best *model.VersionedNonce
	var bestT uint64
	found := false
	for t, vn := range hist {
		if t <= maxTopoheight && (!found || t > bestT) {
			best, bestT, found = vn, t, true
		}
	}
	if !found {
		return nil, 0, storage.ErrAccountNotFound
	}
	return best, bestT, nil
}

func (s *Storage) SetLastNonceTo(_ context.Context, account owner.PublicKey, t uint64, nonce *model.VersionedNonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.nonces[account]; ok {
		if s.nonceHistory[account] == nil {
			s.nonceHistory[account] = make(map[uint64]*model.VersionedNonce)
		}
		s.nonceHistory[account][prev.topoheight] = prev.nonce
	}
	s.nonces[account] = &nonceNode{nonce: nonce, topoheight: t}
	return nil
}

func (s *Storage) RegisterAsset(_ context.Context, asset model.AssetID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[asset] = true
	return nil
}

func (s *Storage) IsAssetRegistered(_ context.Context, asset model.AssetID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assets[asset], nil
}

// PopBlocks removes the topmost n topoheights and returns the collected
// transactions so the coordinator can re-admit them to mempool. It only
// unlinks the ordering: versioned balances, nonces and the stored tip set
// are left untouched, and nothing in the coordinator rolls them back.
func (s *Storage) PopBlocks(_ context.Context, n uint64) (uint64, uint64, []*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > s.topTopoheight+1 {
		n = s.topTopoheight + 1
	}
	var poppedTxs []*model.Transaction
	newTop := s.topTopoheight
	for i := uint64(0); i < n; i++ {
		h, ok := s.byTopo[newTop]
		if !ok {
			break
		}
		rec := s.blocks[h]
		if rec != nil {
			poppedTxs = append(poppedTxs, rec.Block.Transactions...)
			rec.Topoheight = nil
		}
		delete(s.byTopo, newTop)
		delete(s.topo, h)
		if newTop == 0 {
			break
		}
		newTop--
	}

	newHeight := uint64(0)
	if h, ok := s.byTopo[newTop]; ok {
		if rec, ok := s.blocks[h]; ok {
			newHeight = rec.Block.Header.Height
		}
	}

	s.topTopoheight = newTop
	return newHeight, newTop, poppedTxs, nil
}

// OrderedTopoheights returns every topoheight currently assigned, ascending
// — a test helper for asserting P1 (the bijection property).
func (s *Storage) OrderedTopoheights() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, 0, len(s.byTopo))
	for t := range s.byTopo {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var _ storage.Storage = (*Storage)(nil)
