// Package consensus implements the coordinator of spec.md §4.6/§4.7:
// add_block's eleven-step precondition chain, tip/order maintenance after a
// successful admission, and block-template assembly for miners. Grounded on
// the teacher's blockdag.BlockDAG struct (_examples/daglabs-btcd/blockdag/dag.go):
// a single dagLock sync.RWMutex serializing mutation, sync/atomic values for
// height/topoheight/stableHeight/difficulty so readers never block on it,
// and the overall control flow of
// _examples/original_source/xelis_daemon/src/core/blockchain.rs's
// add_new_block_for_storage.
package consensus

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/duskdag/node/chainstate"
	"github.com/duskdag/node/consensuserr"
	"github.com/duskdag/node/dagalgo"
	"github.com/duskdag/node/difficulty"
	"github.com/duskdag/node/hash"
	"github.com/duskdag/node/logger"
	"github.com/duskdag/node/mempool"
	"github.com/duskdag/node/model"
	"github.com/duskdag/node/params"
	"github.com/duskdag/node/storage"
	"github.com/duskdag/node/util/panics"
)

var log, _ = logger.Get(logger.Tags.CONS)

// toleratedDifficultyBandPercent is the 9% band of spec.md §4.6 step 9:
// every non-best tip's difficulty must exceed 91% of the best tip's.
const toleratedDifficultyBandPercent = 91

// OnBlockAdded is invoked after a block is successfully admitted and its
// chain-state effects committed.
type OnBlockAdded func(*model.Block)

// Engine is the consensus coordinator. One Engine wraps one Storage and one
// Mempool for a single network.
type Engine struct {
	store  storage.Storage
	params *params.Params
	pool   *mempool.Mempool

	// dagLock serializes every mutating path (AddBlock, Rewind); read paths
	// (GetBlockTemplate, tip/balance queries via Storage directly) take the
	// read lock. Mirrors the teacher's dagLock discipline.
	dagLock sync.RWMutex

	height       atomic.Uint64
	topoheight   atomic.Uint64
	stableHeight atomic.Uint64
	difficulty   atomic.Uint64

	onBlockAdded OnBlockAdded

	afterFunc  func(d time.Duration, f func()) *time.Timer
	expiryOnce sync.Once
	stopExpiry chan struct{}
}

// NewEngine builds an Engine over store, seeding genesis if the store is
// empty. Genesis is stored with a zero reward and credits no miner.
func NewEngine(ctx context.Context, store storage.Storage, p *params.Params, pool *mempool.Mempool, genesis *model.Block) (*Engine, error) {
	e := &Engine{
		store:      store,
		params:     p,
		pool:       pool,
		afterFunc:  panics.AfterFuncWrapperFunc(log),
		stopExpiry: make(chan struct{}),
	}

	tips, err := store.GetTips(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading tips")
	}
	if len(tips) == 0 {
		if err := e.seedGenesis(ctx, genesis); err != nil {
			return nil, errors.Wrap(err, "seeding genesis")
		}
	} else {
		if err := e.restoreCaches(ctx, tips); err != nil {
			return nil, err
		}
	}
	e.scheduleMempoolExpiry()
	return e, nil
}

// mempoolExpiryInterval bounds how often the background sweep scans for
// stale mempool transactions; it runs far more often than MempoolExpiryMS
// so no transaction lingers long past its TTL.
const mempoolExpiryInterval = 30 * time.Second

// scheduleMempoolExpiry arms the one self-rescheduling timer that evicts
// transactions the mempool has held longer than params.MempoolExpiryMS. The
// timer's callback runs through panics.AfterFuncWrapperFunc so a panic in
// this loop logs and exits cleanly instead of silently killing the sweep.
func (e *Engine) scheduleMempoolExpiry() {
	if e.params.MempoolExpiryMS <= 0 {
		return
	}
	e.afterFunc(mempoolExpiryInterval, e.runMempoolExpiry)
}

func (e *Engine) runMempoolExpiry() {
	select {
	case <-e.stopExpiry:
		return
	default:
	}
	ttl := time.Duration(e.params.MempoolExpiryMS) * time.Millisecond
	if expired := e.pool.ExpireStale(ttl); len(expired) > 0 {
		log.Infof("mempool sweep expired %d stale transaction(s)", len(expired))
	}
	e.scheduleMempoolExpiry()
}

// Stop halts the background mempool expiry sweep. Safe to call multiple
// times; a no-op once already stopped.
func (e *Engine) Stop() {
	e.expiryOnce.Do(func() {
		close(e.stopExpiry)
	})
}

func (e *Engine) seedGenesis(ctx context.Context, genesis *model.Block) error {
	if len(genesis.Header.Tips) != 0 {
		return consensuserr.New(consensuserr.ErrGenesisBlockMiner, "genesis must declare no tips")
	}
	h := genesis.Header.Hash()
	record := &storage.BlockRecord{
		Block:                genesis,
		Difficulty:           e.params.MinimumDifficulty,
		CumulativeDifficulty: e.params.MinimumDifficulty,
		Reward:               0,
		BlockType:            model.BlockTypeMainChain,
	}
	if err := e.store.PutBlock(ctx, record); err != nil {
		return err
	}
	if err := e.store.SetTopoheight(ctx, h, 0); err != nil {
		return err
	}
	if err := e.store.SetSupplyAtTopoheight(ctx, 0, 0); err != nil {
		return err
	}
	if err := e.store.StoreTips(ctx, hash.Hashes{h}); err != nil {
		return err
	}
	if err := e.store.RegisterAsset(ctx, model.NativeAsset); err != nil {
		return err
	}

	e.height.Store(0)
	e.topoheight.Store(0)
	e.stableHeight.Store(0)
	e.difficulty.Store(e.params.MinimumDifficulty)
	return nil
}

func (e *Engine) restoreCaches(ctx context.Context, tips hash.Hashes) error {
	height, err := dagalgo.HeightAtTips(ctx, e.store, tips)
	if err != nil {
		return err
	}
	if height > 0 {
		height--
	}
	topTopo, err := e.store.TopTopoheight(ctx)
	if err != nil {
		return err
	}
	_, baseHeight, err := dagalgo.CommonBase(ctx, e.store, tips, e.params.StableHeightLimit)
	if err != nil {
		return err
	}
	e.height.Store(height)
	e.topoheight.Store(topTopo)
	e.stableHeight.Store(baseHeight)

	best, err := dagalgo.BestTip(ctx, e.store, tips, e.params.StableHeightLimit)
	if err != nil {
		return err
	}
	diff, err := e.store.GetDifficultyFor(ctx, best)
	if err != nil {
		return err
	}
	e.difficulty.Store(diff)
	return nil
}

// Height, Topoheight, StableHeight and Difficulty are lock-free reads of
// the engine's cached atomics.
func (e *Engine) Height() uint64       { return e.height.Load() }
func (e *Engine) Topoheight() uint64   { return e.topoheight.Load() }
func (e *Engine) StableHeight() uint64 { return e.stableHeight.Load() }
func (e *Engine) Difficulty() uint64   { return e.difficulty.Load() }

// OnBlockAdded registers the callback invoked after every successful
// AddBlock.
func (e *Engine) OnBlockAdded(f OnBlockAdded) { e.onBlockAdded = f }

// AddBlock runs spec.md §4.6's eleven preconditions in order and, on
// success, persists the block and re-derives tips, order and caches.
func (e *Engine) AddBlock(ctx context.Context, block *model.Block) error {
	e.dagLock.Lock()
	defer e.dagLock.Unlock()

	h := block.Header.Hash()

	// 1. Not already present.
	if has, err := e.store.HasBlock(ctx, h); err != nil {
		return errors.Wrap(err, "checking block presence")
	} else if has {
		return consensuserr.New(consensuserr.ErrAlreadyInChain, "block %s already present", h)
	}

	// 2. Timestamp not too far in the future.
	nowMS := time.Now().UnixMilli()
	if block.Header.TimestampMS > nowMS+e.params.TimestampInFutureLimitMS {
		return consensuserr.New(consensuserr.ErrTimestampIsInFuture, "block %s timestamp %d exceeds future limit", h, block.Header.TimestampMS)
	}

	// 3. Tip count bounds.
	tips := block.Header.Tips
	if block.Header.Height != 0 {
		if len(tips) == 0 {
			return consensuserr.New(consensuserr.ErrExpectedTips, "non-genesis block %s declares no tips", h)
		}
		if len(tips) > e.params.TipsLimit {
			return consensuserr.New(consensuserr.ErrInvalidTips, "block %s declares %d tips, limit %d", h, len(tips), e.params.TipsLimit)
		}
	}

	// 4. Every tip known.
	for _, t := range tips {
		if has, err := e.store.HasBlock(ctx, t); err != nil {
			return errors.Wrapf(err, "checking tip %s", t)
		} else if !has {
			return consensuserr.New(consensuserr.ErrInvalidTips, "block %s references unknown tip %s", h, t)
		}
	}

	// 5. Declared height matches height_at_tips.
	expectedHeight, err := dagalgo.HeightAtTips(ctx, e.store, tips)
	if err != nil {
		return err
	}
	if block.Header.Height != expectedHeight {
		return consensuserr.New(consensuserr.ErrInvalidBlockHeight, "block %s height %d, expected %d", h, block.Header.Height, expectedHeight)
	}

	// 6. Height not below stable height.
	if block.Header.Height != 0 && block.Header.Height < e.stableHeight.Load() {
		return consensuserr.New(consensuserr.ErrInvalidBlockHeightStableHeight, "block %s height %d below stable height %d", h, block.Header.Height, e.stableHeight.Load())
	}

	// 7. Non-reachability among the declared tips.
	if len(tips) > 1 {
		if err := dagalgo.CheckNonReachability(ctx, e.store, tips, e.params.StableHeightLimit); err != nil {
			return consensuserr.New(consensuserr.ErrInvalidReachability, "block %s: %v", h, err)
		}
	}

	// 8. Tip timestamp ordering and deviation bound.
	currentHeight := e.height.Load()
	for _, t := range tips {
		tipTimestamp, err := e.store.GetTimestampFor(ctx, t)
		if err != nil {
			return err
		}
		if tipTimestamp > block.Header.TimestampMS {
			return consensuserr.New(consensuserr.ErrTimestampIsLessThanParent, "block %s timestamp precedes tip %s", h, t)
		}
		tipHeight, err := e.store.GetHeightFor(ctx, t)
		if err != nil {
			return err
		}
		if currentHeight > e.params.StableHeightLimit && tipHeight <= currentHeight-e.params.StableHeightLimit {
			return consensuserr.New(consensuserr.ErrBlockDeviation, "tip %s of block %s has deviated too far from the main chain", t, h)
		}
	}

	// 9. Multi-tip difficulty band.
	if len(tips) > 1 {
		best, err := dagalgo.BestTip(ctx, e.store, tips, e.params.StableHeightLimit)
		if err != nil {
			return err
		}
		bestDiff, err := e.store.GetDifficultyFor(ctx, best)
		if err != nil {
			return err
		}
		for _, t := range tips {
			d, err := e.store.GetDifficultyFor(ctx, t)
			if err != nil {
				return err
			}
			if d*100 <= bestDiff*toleratedDifficultyBandPercent {
				return consensuserr.New(consensuserr.ErrInvalidDifficulty, "tip %s difficulty outside tolerated band for block %s", t, h)
			}
		}
	}

	// 10. Proof of work.
	expectedDifficulty, err := e.difficultyAtTips(ctx, tips)
	if err != nil {
		return err
	}
	if !difficulty.CheckPoW(h, expectedDifficulty) {
		return consensuserr.New(consensuserr.ErrInvalidDifficulty, "block %s does not meet difficulty %d", h, expectedDifficulty)
	}

	// 11. Transaction/body checks.
	if err := e.checkBlockBody(block); err != nil {
		return err
	}

	return e.commitBlock(ctx, block, h, expectedDifficulty)
}

func (e *Engine) difficultyAtTips(ctx context.Context, tips hash.Hashes) (uint64, error) {
	if len(tips) == 0 {
		return e.params.MinimumDifficulty, nil
	}
	best, err := dagalgo.BestTip(ctx, e.store, tips, e.params.StableHeightLimit)
	if err != nil {
		return 0, err
	}
	bestHeight, err := e.store.GetHeightFor(ctx, best)
	if err != nil {
		return 0, err
	}
	bestTimestamp, err := e.store.GetTimestampFor(ctx, best)
	if err != nil {
		return 0, err
	}
	bestDifficulty, err := e.store.GetDifficultyFor(ctx, best)
	if err != nil {
		return 0, err
	}
	parentTimestamp := bestTimestamp
	if parents, err := e.store.GetParents(ctx, best); err == nil && len(parents) > 0 {
		if t, err := e.store.GetTimestampFor(ctx, parents[0]); err == nil {
			parentTimestamp = t
		}
	}
	return difficulty.AtHeight(e.params, bestHeight+1, uint64(len(tips)), parentTimestamp, bestTimestamp, bestDifficulty), nil
}

func (e *Engine) checkBlockBody(block *model.Block) error {
	if uint64(len(block.Transactions)) != uint64(len(block.Header.TxHashes)) {
		return consensuserr.New(consensuserr.ErrInvalidBlockTxs, "transaction count does not match tx_hashes")
	}
	seen := map[hash.Hash]struct{}{}
	size := uint64(0)
	for i, tx := range block.Transactions {
		h := tx.Hash()
		if h != block.Header.TxHashes[i] {
			return consensuserr.New(consensuserr.ErrInvalidBlockTxs, "transaction %d hash mismatch", i)
		}
		if _, dup := seen[h]; dup {
			return consensuserr.New(consensuserr.ErrInvalidBlockTxs, "duplicate transaction %s in block", h)
		}
		seen[h] = struct{}{}
		size += tx.EncodedSize()
	}
	if size > e.params.MaxBlockSize {
		return consensuserr.New(consensuserr.ErrInvalidBlockSize, "block size %d exceeds limit %d", size, e.params.MaxBlockSize)
	}
	return nil
}

// commitBlock persists the admitted block, recomputes tips and difficulty
// and height caches, and re-derives topological order from the common base
// forward, committing chain-state effects for every newly ordered block.
func (e *Engine) commitBlock(ctx context.Context, block *model.Block, h hash.Hash, blockDifficulty uint64) error {
	oldTips, err := e.store.GetTips(ctx)
	if err != nil {
		return err
	}

	// h is stored before its work score is computed: WorkScore reads h's
	// own difficulty and parents back out of storage.
	record := &storage.BlockRecord{
		Block:                block,
		Difficulty:           blockDifficulty,
		CumulativeDifficulty: blockDifficulty,
		BlockType:            model.BlockTypeOrphan,
	}
	if err := e.store.PutBlock(ctx, record); err != nil {
		return err
	}
	if len(block.Header.Tips) > 0 {
		base, _, err := dagalgo.CommonBase(ctx, e.store, block.Header.Tips, e.params.StableHeightLimit)
		if err != nil {
			return err
		}
		// work_score already folds cumulative_difficulty(base) in, so it
		// is h's cumulative difficulty directly (spec.md §4.6).
		record.CumulativeDifficulty, err = dagalgo.WorkScore(ctx, e.store, h, base)
		if err != nil {
			return err
		}
		if err := e.store.PutBlock(ctx, record); err != nil {
			return err
		}
	}

	newTips := recomputeTips(oldTips, h, block.Header.Tips)
	if err := e.store.StoreTips(ctx, newTips); err != nil {
		return err
	}

	newBase, newBaseHeight, err := dagalgo.CommonBase(ctx, e.store, newTips, e.params.StableHeightLimit)
	if err != nil {
		return err
	}
	bestTip, err := dagalgo.BestTip(ctx, e.store, newTips, e.params.StableHeightLimit)
	if err != nil {
		return err
	}

	baseTopoheight, err := e.store.GetTopoheightFor(ctx, newBase)
	if err != nil {
		return errors.Wrapf(err, "topoheight of new base %s", newBase)
	}
	order, err := dagalgo.GenerateOrder(ctx, e.store, bestTip, newBase, baseTopoheight)
	if err != nil {
		return err
	}

	topo := baseTopoheight
	for _, ordered := range order {
		topo++
		if err := e.store.SetTopoheight(ctx, ordered, topo); err != nil {
			return err
		}
		if err := e.commitOrderedBlock(ctx, ordered, topo); err != nil {
			return err
		}
	}

	newHeight, err := dagalgo.HeightAtTips(ctx, e.store, newTips)
	if err != nil {
		return err
	}
	if newHeight > 0 {
		newHeight--
	}
	e.height.Store(newHeight)
	e.topoheight.Store(topo)
	e.stableHeight.Store(newBaseHeight)
	if diff, err := e.store.GetDifficultyFor(ctx, bestTip); err == nil {
		e.difficulty.Store(diff)
	}

	e.pool.Remove(h)
	for _, tx := range block.Transactions {
		e.pool.Remove(tx.Hash())
	}

	if e.onBlockAdded != nil {
		e.onBlockAdded(block)
	}
	log.Infof("admitted block %s at height %d, topoheight %d, cumulative difficulty %d", h, block.Header.Height, topo, record.CumulativeDifficulty)
	return nil
}

// recomputeTips implements (old_tips ∪ {h}) \ parents(h).
func recomputeTips(oldTips hash.Hashes, h hash.Hash, parents hash.Hashes) hash.Hashes {
	parentSet := map[hash.Hash]bool{}
	for _, p := range parents {
		parentSet[p] = true
	}
	out := hash.Hashes{}
	for _, t := range oldTips {
		if !parentSet[t] {
			out = append(out, t)
		}
	}
	out = append(out, h)
	return out
}

func (e *Engine) commitOrderedBlock(ctx context.Context, h hash.Hash, topo uint64) error {
	record, err := e.store.GetBlock(ctx, h)
	if err != nil {
		return err
	}

	baseTopoheight := uint64(0)
	pastSupply := uint64(0)
	if topo > 0 {
		baseTopoheight = topo - 1
		pastSupply, err = e.store.GetSupplyAtTopoheight(ctx, baseTopoheight)
		if err != nil {
			pastSupply = 0
		}
	}
	isSide, err := dagalgo.IsSideBlock(ctx, e.store, h, e.params.StableHeightLimit)
	if err != nil {
		return err
	}
	reward := chainstate.Emission(e.params, pastSupply, isSide)

	cs := chainstate.New(e.store, e.params, baseTopoheight, topo)
	seen := map[[32]byte]struct{}{}
	for _, tx := range record.Block.Transactions {
		if err := cs.Apply(ctx, tx, tx.EncodedSize(), seen); err != nil {
			return errors.Wrapf(err, "applying transaction %s in block %s", tx.Hash(), h)
		}
	}
	if err := cs.ApplyReward(ctx, record.Block.Header.MinerKey, reward); err != nil {
		return err
	}
	if err := cs.Commit(ctx); err != nil {
		return err
	}

	record.Reward = reward
	record.BlockType = blockTypeFor(isSide)
	if err := e.store.PutBlock(ctx, record); err != nil {
		return err
	}
	return e.store.SetSupplyAtTopoheight(ctx, topo, pastSupply+reward)
}

func blockTypeFor(isSide bool) model.BlockType {
	if isSide {
		return model.BlockTypeSide
	}
	return model.BlockTypeMainChain
}

// GetBlockTemplate implements spec.md §4.7: the current heaviest 3 tips,
// the current wall-clock timestamp, a fresh random extra nonce, and as many
// sorted mempool transactions as fit under MaxBlockSize with a contiguous
// per-sender nonce run.
func (e *Engine) GetBlockTemplate(ctx context.Context, miner [33]byte) (*model.Block, error) {
	e.dagLock.RLock()
	defer e.dagLock.RUnlock()

	tips, err := e.store.GetTips(ctx)
	if err != nil {
		return nil, err
	}
	tips, err = truncateToHeaviest(ctx, e.store, tips, e.params.TipsLimit)
	if err != nil {
		return nil, err
	}
	height, err := dagalgo.HeightAtTips(ctx, e.store, tips)
	if err != nil {
		return nil, err
	}

	var extraNonce [model.ExtraNonceSize]byte
	if _, err := rand.Read(extraNonce[:]); err != nil {
		return nil, errors.Wrap(err, "generating extra nonce")
	}

	header := model.BlockHeader{
		Height:      height,
		TimestampMS: time.Now().UnixMilli(),
		ExtraNonce:  extraNonce,
		MinerKey:    miner,
		Tips:        tips,
	}

	nextNonce := map[[33]byte]uint64{}
	var size uint64
	var txs []*model.Transaction
	for _, tx := range e.pool.SortedForTemplate() {
		txSize := tx.EncodedSize()
		if size+txSize > e.params.MaxBlockSize {
			break
		}
		expected, ok := nextNonce[tx.OwnerKey]
		if !ok {
			committed, err := e.committedNonceFor(ctx, tx.OwnerKey)
			if err != nil {
				continue
			}
			expected = committed
		}
		if tx.Nonce != expected {
			continue
		}
		txs = append(txs, tx)
		header.TxHashes = append(header.TxHashes, tx.Hash())
		nextNonce[tx.OwnerKey] = tx.Nonce + 1
		size += txSize
	}

	return &model.Block{Header: header, Transactions: txs}, nil
}

func (e *Engine) committedNonceFor(ctx context.Context, acc [33]byte) (uint64, error) {
	top, err := e.store.TopTopoheight(ctx)
	if err != nil {
		return 0, err
	}
	versioned, _, err := e.store.GetNonceAtMaximumTopoheight(ctx, acc, top)
	if err == storage.ErrAccountNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return versioned.Nonce, nil
}

func truncateToHeaviest(ctx context.Context, s storage.Storage, tips hash.Hashes, limit int) (hash.Hashes, error) {
	if len(tips) <= limit {
		return tips, nil
	}
	type withDiff struct {
		h hash.Hash
		d uint64
	}
	entries := make([]withDiff, len(tips))
	for i, t := range tips {
		d, err := s.GetCumulativeDifficultyFor(ctx, t)
		if err != nil {
			return nil, err
		}
		entries[i] = withDiff{h: t, d: d}
	}
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].d > entries[i].d {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	out := make(hash.Hashes, limit)
	for i := 0; i < limit; i++ {
		out[i] = entries[i].h
	}
	return out, nil
}

// Rewind implements spec.md §4.5's rewind(n): pops the n topmost topoheights
// from storage and re-queues their transactions into mempool. Versioned
// balances, nonces and the stored tip set are left as they were.
func (e *Engine) Rewind(ctx context.Context, n uint64) error {
	e.dagLock.Lock()
	defer e.dagLock.Unlock()

	newHeight, newTopoheight, poppedTxs, err := e.store.PopBlocks(ctx, n)
	if err != nil {
		return errors.Wrap(err, "popping blocks")
	}
	e.height.Store(newHeight)
	e.topoheight.Store(newTopoheight)

	for _, tx := range poppedTxs {
		e.pool.Reinsert(ctx, tx)
	}

	tips, err := e.store.GetTips(ctx)
	if err != nil {
		return err
	}
	if len(tips) > 0 {
		_, baseHeight, err := dagalgo.CommonBase(ctx, e.store, tips, e.params.StableHeightLimit)
		if err == nil {
			e.stableHeight.Store(baseHeight)
		}
	}
	log.Infof("rewound %d topoheights to height %d, topoheight %d", n, newHeight, newTopoheight)
	return nil
}
