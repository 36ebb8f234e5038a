// Package badgerstore is the default concrete storage.Storage adapter,
// grounded on Klingon-tech-klingnet's internal/storage/badger.go and
// pillaiarjun-Chronodrachma's blockchain store.go — both wrap
// github.com/dgraph-io/badger/v4 behind a thin Get/Put/Has/Delete surface
// inside txn.View/txn.Update closures. storage.Storage's on-disk encoding
// is explicitly a Non-goal (spec.md §1); this package picks gob purely so
// the interface has one real, testable backing store beyond the in-memory
// double.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/duskdag/node/crypto/owner"
	"github.com/duskdag/node/hash"
	"github.com/duskdag/node/logger"
	"github.com/duskdag/node/model"
	"github.com/duskdag/node/storage"
)

var log, _ = logger.Get(logger.Tags.STOR)

// Store is a badger-backed storage.Storage.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a badger database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening badger store at %s", path)
	}
	log.Infof("opened badger store at %s", path)
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "closing badger store")
}

// Key prefixes, one byte each, namespacing the flat badger keyspace.
const (
	prefixBlock       = 0x01
	prefixTopoToHash  = 0x02
	prefixHashToTopo  = 0x03
	prefixTips        = 0x04
	prefixSupply      = 0x05
	prefixReward      = 0x06
	prefixBalance     = 0x07
	prefixNonce       = 0x08
	prefixAsset       = 0x09
	prefixTopTopo     = 0x0a
)

func blockKey(h hash.Hash) []byte     { return append([]byte{prefixBlock}, h[:]...) }
func topoToHashKey(t uint64) []byte   { return append([]byte{prefixTopoToHash}, u64Bytes(t)...) }
func hashToTopoKey(h hash.Hash) []byte { return append([]byte{prefixHashToTopo}, h[:]...) }
func rewardKey(h hash.Hash) []byte    { return append([]byte{prefixReward}, h[:]...) }
func supplyKey(t uint64) []byte       { return append([]byte{prefixSupply}, u64Bytes(t)...) }
func assetKey(a model.AssetID) []byte { return append([]byte{prefixAsset}, a[:]...) }

func balanceKey(key model.AccountAsset, t uint64) []byte {
	buf := append([]byte{prefixBalance}, key.Account[:]...)
	buf = append(buf, key.Asset[:]...)
	return append(buf, u64Bytes(t)...)
}

func balanceHeadKey(key model.AccountAsset) []byte {
	buf := append([]byte{prefixBalance}, key.Account[:]...)
	return append(buf, key.Asset[:]...)
}

func nonceKey(account owner.PublicKey, t uint64) []byte {
	buf := append([]byte{prefixNonce}, account[:]...)
	return append(buf, u64Bytes(t)...)
}

func nonceHeadKey(account owner.PublicKey) []byte {
	return append([]byte{prefixNonce}, account[:]...)
}

func u64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "gob encode")
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v interface{}) error {
	return errors.Wrap(gob.NewDecoder(bytes.NewReader(data)).Decode(v), "gob decode")
}

func (s *Store) get(key []byte, v interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return storage.ErrBlockNotFound
		}
		if err != nil {
			return errors.Wrap(err, "badger get")
		}
		return item.Value(func(val []byte) error {
			return gobDecode(val, v)
		})
	})
}

func (s *Store) put(key []byte, v interface{}) error {
	encoded, err := gobEncode(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return errors.Wrap(txn.Set(key, encoded), "badger put")
	})
}

func (s *Store) has(key []byte) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "badger has")
		}
		found = true
		return nil
	})
	return found, err
}

func (s *Store) delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return errors.Wrap(err, "badger delete")
	})
}

func (s *Store) GetBlock(_ context.Context, h hash.Hash) (*storage.BlockRecord, error) {
	var rec storage.BlockRecord
	if err := s.get(blockKey(h), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutBlock(_ context.Context, record *storage.BlockRecord) error {
	return s.put(blockKey(record.Block.Hash()), record)
}

func (s *Store) HasBlock(_ context.Context, h hash.Hash) (bool, error) {
	return s.has(blockKey(h))
}

func (s *Store) GetParents(_ context.Context, h hash.Hash) (hash.Hashes, error) {
	rec, err := s.GetBlock(context.Background(), h)
	if err != nil {
		return nil, err
	}
	return rec.Block.Header.Tips.Clone(), nil
}

func (s *Store) IsTopologicallyOrdered(_ context.Context, h hash.Hash) (bool, error) {
	return s.has(hashToTopoKey(h))
}

func (s *Store) GetTopoheightFor(_ context.Context, h hash.Hash) (uint64, error) {
	var t uint64
	if err := s.get(hashToTopoKey(h), &t); err != nil {
		return 0, err
	}
	return t, nil
}

func (s *Store) GetHashAtTopoheight(_ context.Context, t uint64) (hash.Hash, error) {
	var h hash.Hash
	if err := s.get(topoToHashKey(t), &h); err != nil {
		return hash.Hash{}, err
	}
	return h, nil
}

func (s *Store) SetTopoheight(ctx context.Context, h hash.Hash, t uint64) error {
	if err := s.put(hashToTopoKey(h), t); err != nil {
		return err
	}
	if err := s.put(topoToHashKey(t), h); err != nil {
		return err
	}
	rec, err := s.GetBlock(ctx, h)
	if err == nil {
		topoCopy := t
		rec.Topoheight = &topoCopy
		if err := s.PutBlock(ctx, rec); err != nil {
			return err
		}
	}
	cur, _ := s.TopTopoheight(ctx)
	if t >= cur {
		return s.put([]byte{prefixTopTopo}, t)
	}
	return nil
}

func (s *Store) UnsetTopoheight(ctx context.Context, h hash.Hash) error {
	t, err := s.GetTopoheightFor(ctx, h)
	if err == nil {
		_ = s.delete(topoToHashKey(t))
	}
	if err := s.delete(hashToTopoKey(h)); err != nil {
		return err
	}
	rec, err := s.GetBlock(ctx, h)
	if err == nil {
		rec.Topoheight = nil
		return s.PutBlock(ctx, rec)
	}
	return nil
}

func (s *Store) TopTopoheight(_ context.Context) (uint64, error) {
	var t uint64
	err := s.get([]byte{prefixTopTopo}, &t)
	if err == storage.ErrBlockNotFound {
		return 0, nil
	}
	return t, err
}

func (s *Store) GetHeightFor(ctx context.Context, h hash.Hash) (uint64, error) {
	rec, err := s.GetBlock(ctx, h)
	if err != nil {
		return 0, err
	}
	return rec.Block.Header.Height, nil
}

func (s *Store) GetTimestampFor(ctx context.Context, h hash.Hash) (int64, error) {
	rec, err := s.GetBlock(ctx, h)
	if err != nil {
		return 0, err
	}
	return rec.Block.Header.TimestampMS, nil
}

func (s *Store) GetDifficultyFor(ctx context.Context, h hash.Hash) (uint64, error) {
	rec, err := s.GetBlock(ctx, h)
	if err != nil {
		return 0, err
	}
	return rec.Difficulty, nil
}

func (s *Store) GetCumulativeDifficultyFor(ctx context.Context, h hash.Hash) (uint64, error) {
	rec, err := s.GetBlock(ctx, h)
	if err != nil {
		return 0, err
	}
	return rec.CumulativeDifficulty, nil
}

func (s *Store) GetBlockType(ctx context.Context, h hash.Hash) (model.BlockType, error) {
	rec, err := s.GetBlock(ctx, h)
	if err != nil {
		return 0, err
	}
	return rec.BlockType, nil
}

func (s *Store) SetBlockType(ctx context.Context, h hash.Hash, t model.BlockType) error {
	rec, err := s.GetBlock(ctx, h)
	if err != nil {
		return err
	}
	rec.BlockType = t
	return s.PutBlock(ctx, rec)
}

func (s *Store) GetTips(_ context.Context) (hash.Hashes, error) {
	var tips hash.Hashes
	err := s.get([]byte{prefixTips}, &tips)
	if err == storage.ErrBlockNotFound {
		return nil, nil
	}
	return tips, err
}

func (s *Store) StoreTips(_ context.Context, tips hash.Hashes) error {
	return s.put([]byte{prefixTips}, tips)
}

func (s *Store) GetSupplyAtTopoheight(_ context.Context, t uint64) (uint64, error) {
	var supply uint64
	err := s.get(supplyKey(t), &supply)
	if err == storage.ErrBlockNotFound {
		return 0, nil
	}
	return supply, err
}

func (s *Store) SetSupplyAtTopoheight(_ context.Context, t uint64, supply uint64) error {
	return s.put(supplyKey(t), supply)
}

func (s *Store) GetRewardFor(_ context.Context, h hash.Hash) (uint64, error) {
	var reward uint64
	err := s.get(rewardKey(h), &reward)
	if err == storage.ErrBlockNotFound {
		return 0, nil
	}
	return reward, err
}

func (s *Store) SetRewardFor(_ context.Context, h hash.Hash, reward uint64) error {
	return s.put(rewardKey(h), reward)
}

type balanceHead struct {
	Balance    *model.VersionedBalance
	Topoheight uint64
}

func (s *Store) GetLastVersionedBalance(_ context.Context, key model.AccountAsset) (*model.VersionedBalance, uint64, error) {
	var head balanceHead
	if err := s.get(balanceHeadKey(key), &head); err != nil {
		return nil, 0, storage.ErrAccountNotFound
	}
	return head.Balance, head.Topoheight, nil
}

func (s *Store) GetVersionedBalanceAtTopoheight(_ context.Context, key model.AccountAsset, t uint64) (*model.VersionedBalance, error) {
	var vb model.VersionedBalance
	if err := s.get(balanceKey(key, t), &vb); err != nil {
		var head balanceHead
		if err := s.get(balanceHeadKey(key), &head); err == nil && head.Topoheight == t {
			return head.Balance, nil
		}
		return nil, storage.ErrAccountNotFound
	}
	return &vb, nil
}

func (s *Store) HasBalanceAtExactTopoheight(_ context.Context, key model.AccountAsset, t uint64) (bool, error) {
	if ok, _ := s.has(balanceKey(key, t)); ok {
		return true, nil
	}
	var head balanceHead
	if err := s.get(balanceHeadKey(key), &head); err == nil && head.Topoheight == t {
		return true, nil
	}
	return false, nil
}

func (s *Store) SetLastBalanceTo(_ context.Context, key model.AccountAsset, t uint64, balance *model.VersionedBalance) error {
	var prevHead balanceHead
	if err := s.get(balanceHeadKey(key), &prevHead); err == nil {
		if err := s.put(balanceKey(key, prevHead.Topoheight), prevHead.Balance); err != nil {
			return err
		}
	}
	return s.put(balanceHeadKey(key), &balanceHead{Balance: balance, Topoheight: t})
}

func (s *Store) DeleteBalanceAtTopoheight(_ context.Context, key model.AccountAsset, t uint64) error {
	var head balanceHead
	if err := s.get(balanceHeadKey(key), &head); err == nil && head.Topoheight == t {
		if head.Balance.PreviousTopoheight == nil {
			return s.delete(balanceHeadKey(key))
		}
		prevT := *head.Balance.PreviousTopoheight
		var prevVB model.VersionedBalance
		if err := s.get(balanceKey(key, prevT), &prevVB); err == nil {
			if err := s.delete(balanceKey(key, prevT)); err != nil {
				return err
			}
			return s.put(balanceHeadKey(key), &balanceHead{Balance: &prevVB, Topoheight: prevT})
		}
		return s.delete(balanceHeadKey(key))
	}
	return s.delete(balanceKey(key, t))
}

type nonceHead struct {
	Nonce      *model.VersionedNonce
	Topoheight uint64
}

func (s *Store) GetNonceAtMaximumTopoheight(_ context.Context, account owner.PublicKey, maxTopoheight uint64) (*model.VersionedNonce, uint64, error) {
	var head nonceHead
	if err := s.get(nonceHeadKey(account), &head); err != nil {
		return nil, 0, storage.ErrAccountNotFound
	}
	if head.Topoheight <= maxTopoheight {
		return head.Nonce, head.Topoheight, nil
	}
	cur := head.Nonce
	curT := head.Topoheight
	for cur.PreviousTopoheight != nil {
		var vn model.VersionedNonce
		if err := s.get(nonceKey(account, *cur.PreviousTopoheight), &vn); err != nil {
			return nil, 0, storage.ErrAccountNotFound
		}
		curT = *cur.PreviousTopoheight
		cur = &vn
		if curT <= maxTopoheight {
			return cur, curT, nil
		}
	}
	return nil, 0, storage.ErrAccountNotFound
}

func (s *Store) SetLastNonceTo(_ context.Context, account owner.PublicKey, t uint64, nonce *model.VersionedNonce) error {
	var prevHead nonceHead
	if err := s.get(nonceHeadKey(account), &prevHead); err == nil {
		if err := s.put(nonceKey(account, prevHead.Topoheight), prevHead.Nonce); err != nil {
			return err
		}
	}
	return s.put(nonceHeadKey(account), &nonceHead{Nonce: nonce, Topoheight: t})
}

func (s *Store) RegisterAsset(_ context.Context, asset model.AssetID) error {
	return s.put(assetKey(asset), true)
}

func (s *Store) IsAssetRegistered(_ context.Context, asset model.AssetID) (bool, error) {
	if asset == model.NativeAsset {
		return true, nil
	}
	return s.has(assetKey(asset))
}

// PopBlocks removes the topmost n topoheights and returns their
// transactions for re-admission to mempool. Versioned balances and nonces
// are left untouched, and nothing in the coordinator rolls them back.
func (s *Store) PopBlocks(ctx context.Context, n uint64) (uint64, uint64, []*model.Transaction, error) {
	top, err := s.TopTopoheight(ctx)
	if err != nil {
		return 0, 0, nil, err
	}
	if n > top+1 {
		n = top + 1
	}
	var poppedTxs []*model.Transaction
	newTop := top
	for i := uint64(0); i < n; i++ {
		h, err := s.GetHashAtTopoheight(ctx, newTop)
		if err != nil {
			break
		}
		rec, err := s.GetBlock(ctx, h)
		if err == nil {
			poppedTxs = append(poppedTxs, rec.Block.Transactions...)
		}
		if err := s.UnsetTopoheight(ctx, h); err != nil {
			return 0, 0, nil, err
		}
		if newTop == 0 {
			break
		}
		newTop--
	}

	newHeight := uint64(0)
	if h, err := s.GetHashAtTopoheight(ctx, newTop); err == nil {
		if rec, err := s.GetBlock(ctx, h); err == nil {
			newHeight = rec.Block.Header.Height
		}
	}
	if err := s.put([]byte{prefixTopTopo}, newTop); err != nil {
		return 0, 0, nil, err
	}
	return newHeight, newTop, poppedTxs, nil
}

var _ storage.Storage = (*Store)(nil)
