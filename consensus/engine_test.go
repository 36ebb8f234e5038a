package consensus

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/duskdag/node/consensuserr"
	"github.com/duskdag/node/crypto/elgamal"
	"github.com/duskdag/node/crypto/owner"
	"github.com/duskdag/node/crypto/zkproof"
	"github.com/duskdag/node/hash"
	"github.com/duskdag/node/mempool"
	"github.com/duskdag/node/model"
	"github.com/duskdag/node/params"
	"github.com/duskdag/node/storage/teststorage"
)

func testParams() *params.Params {
	p := *params.SimnetParams
	return &p
}

func testKey(t *testing.T) owner.PublicKey {
	t.Helper()
	priv, err := owner.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return priv.PublicKey()
}

func testKeyPair(t *testing.T) (*owner.PrivateKey, owner.PublicKey) {
	t.Helper()
	priv, err := owner.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return priv, priv.PublicKey()
}

func genesisBlock(miner owner.PublicKey) *model.Block {
	return &model.Block{
		Header: model.BlockHeader{
			Height:      0,
			TimestampMS: time.Now().UnixMilli() - 1_000_000,
			MinerKey:    miner,
		},
	}
}

func childBlock(tips hash.Hashes, height uint64, timestampMS int64, miner owner.PublicKey, txs []*model.Transaction) *model.Block {
	header := model.BlockHeader{
		Height:      height,
		TimestampMS: timestampMS,
		MinerKey:    miner,
		Tips:        tips,
	}
	for _, tx := range txs {
		header.TxHashes = append(header.TxHashes, tx.Hash())
	}
	return &model.Block{Header: header, Transactions: txs}
}

// newTestEngine seeds a fresh store with a genesis block and returns the
// Engine, its backing Mempool and Storage, and the genesis hash.
func newTestEngine(t *testing.T) (*Engine, *mempool.Mempool, *teststorage.Storage, hash.Hash) {
	t.Helper()
	ctx := context.Background()
	s := teststorage.New()
	genesis := genesisBlock(testKey(t))
	mp := mempool.New(s, testParams())
	e, err := NewEngine(ctx, s, testParams(), mp, genesis)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, mp, s, genesis.Header.Hash()
}

func seedBalance(t *testing.T, s *teststorage.Storage, acc owner.PublicKey, amount uint64, blinder int64) elgamal.Ciphertext {
	t.Helper()
	ct := elgamal.DeriveFromOwner(acc).EncryptWithBlinder(amount, big.NewInt(blinder))
	key := model.AccountAsset{Account: acc, Asset: model.NativeAsset}
	if err := s.SetLastBalanceTo(context.Background(), key, 0, &model.VersionedBalance{Ciphertext: ct}); err != nil {
		t.Fatal(err)
	}
	return ct
}

func buildTransferTx(t *testing.T, senderPriv *owner.PrivateKey, sender, recipient owner.PublicKey, nonce uint64, pre elgamal.Ciphertext, amount uint64, blinder int64) *model.Transaction {
	t.Helper()
	senderKey := elgamal.DeriveFromOwner(sender)
	transferCT := senderKey.EncryptWithBlinder(amount, big.NewInt(blinder))
	post := pre.Sub(transferCT)

	proof, err := zkproof.Prove(zkproof.PublicInputs{
		PreBalance:  pre.Scalar(),
		Outflow:     transferCT.Scalar(),
		PostBalance: post.Scalar(),
	})
	if err != nil {
		t.Fatal(err)
	}

	tx := &model.Transaction{
		OwnerKey: sender,
		Nonce:    nonce,
		Fee:      0,
		Kind:     model.KindTransfer,
		Outputs: []model.TransferOutput{
			{To: recipient, Asset: model.NativeAsset, Amount: transferCT},
		},
		Proof: proof,
	}
	tx.OwnerSignature = senderPriv.Sign(tx.SigningHash())
	return tx
}

func TestNewEngineSeedsGenesis(t *testing.T) {
	ctx := context.Background()
	e, _, s, genesisHash := newTestEngine(t)

	if e.Height() != 0 {
		t.Errorf("Height() = %d, want 0", e.Height())
	}
	if e.Topoheight() != 0 {
		t.Errorf("Topoheight() = %d, want 0", e.Topoheight())
	}
	if e.Difficulty() != testParams().MinimumDifficulty {
		t.Errorf("Difficulty() = %d, want %d", e.Difficulty(), testParams().MinimumDifficulty)
	}
	tips, err := s.GetTips(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tips) != 1 || tips[0] != genesisHash {
		t.Errorf("tips = %v, want [%s]", tips, genesisHash)
	}
}

func TestAddBlockAcceptsValidChild(t *testing.T) {
	ctx := context.Background()
	e, _, s, genesisHash := newTestEngine(t)
	genesisTS, err := s.GetTimestampFor(ctx, genesisHash)
	if err != nil {
		t.Fatal(err)
	}

	miner := testKey(t)
	child := childBlock(hash.Hashes{genesisHash}, 1, genesisTS+1000, miner, nil)
	if err := e.AddBlock(ctx, child); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}

	if e.Height() != 1 {
		t.Errorf("Height() = %d, want 1", e.Height())
	}
	if e.Topoheight() != 1 {
		t.Errorf("Topoheight() = %d, want 1", e.Topoheight())
	}
	childHash := child.Header.Hash()
	tips, err := s.GetTips(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tips) != 1 || tips[0] != childHash {
		t.Errorf("tips = %v, want [%s]", tips, childHash)
	}
}

func TestAddBlockRejectsAlreadyInChain(t *testing.T) {
	ctx := context.Background()
	e, _, s, genesisHash := newTestEngine(t)
	genesis, err := s.GetBlock(ctx, genesisHash)
	if err != nil {
		t.Fatal(err)
	}

	err = e.AddBlock(ctx, genesis.Block)
	if !consensuserr.Is(err, consensuserr.ErrAlreadyInChain) {
		t.Errorf("expected ErrAlreadyInChain, got %v", err)
	}
}

func TestAddBlockRejectsFutureTimestamp(t *testing.T) {
	ctx := context.Background()
	e, _, _, genesisHash := newTestEngine(t)
	miner := testKey(t)

	child := childBlock(hash.Hashes{genesisHash}, 1, time.Now().UnixMilli()+1_000_000, miner, nil)
	err := e.AddBlock(ctx, child)
	if !consensuserr.Is(err, consensuserr.ErrTimestampIsInFuture) {
		t.Errorf("expected ErrTimestampIsInFuture, got %v", err)
	}
}

func TestAddBlockRejectsNoTipsForNonGenesis(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newTestEngine(t)
	miner := testKey(t)

	child := childBlock(nil, 1, time.Now().UnixMilli(), miner, nil)
	err := e.AddBlock(ctx, child)
	if !consensuserr.Is(err, consensuserr.ErrExpectedTips) {
		t.Errorf("expected ErrExpectedTips, got %v", err)
	}
}

func TestAddBlockRejectsUnknownTip(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newTestEngine(t)
	miner := testKey(t)

	var bogus hash.Hash
	bogus[0] = 0xFF
	child := childBlock(hash.Hashes{bogus}, 1, time.Now().UnixMilli(), miner, nil)
	err := e.AddBlock(ctx, child)
	if !consensuserr.Is(err, consensuserr.ErrInvalidTips) {
		t.Errorf("expected ErrInvalidTips, got %v", err)
	}
}

func TestAddBlockRejectsWrongHeight(t *testing.T) {
	ctx := context.Background()
	e, _, s, genesisHash := newTestEngine(t)
	genesisTS, err := s.GetTimestampFor(ctx, genesisHash)
	if err != nil {
		t.Fatal(err)
	}
	miner := testKey(t)

	// height_at_tips(genesis) is 1, not 5.
	child := childBlock(hash.Hashes{genesisHash}, 5, genesisTS+1000, miner, nil)
	err = e.AddBlock(ctx, child)
	if !consensuserr.Is(err, consensuserr.ErrInvalidBlockHeight) {
		t.Errorf("expected ErrInvalidBlockHeight, got %v", err)
	}
}

func TestAddBlockRejectsMismatchedTxHashes(t *testing.T) {
	ctx := context.Background()
	e, _, s, genesisHash := newTestEngine(t)
	genesisTS, err := s.GetTimestampFor(ctx, genesisHash)
	if err != nil {
		t.Fatal(err)
	}
	senderPriv, sender := testKeyPair(t)
	recipient := testKey(t)
	pre := seedBalance(t, s, sender, 1000, 11)
	tx := buildTransferTx(t, senderPriv, sender, recipient, 0, pre, 300, 22)

	miner := testKey(t)
	// Declare the tx in the body but not in the header's TxHashes.
	child := &model.Block{
		Header: model.BlockHeader{
			Height:      1,
			TimestampMS: genesisTS + 1000,
			MinerKey:    miner,
			Tips:        hash.Hashes{genesisHash},
		},
		Transactions: []*model.Transaction{tx},
	}
	err = e.AddBlock(ctx, child)
	if !consensuserr.Is(err, consensuserr.ErrInvalidBlockTxs) {
		t.Errorf("expected ErrInvalidBlockTxs, got %v", err)
	}
}

// TestAddBlockCommitsTransactionsAndPrunesMempool confirms that admitting a
// block applies its transactions' chain-state effects and removes both the
// block's own hash and its transactions from the mempool.
func TestAddBlockCommitsTransactionsAndPrunesMempool(t *testing.T) {
	ctx := context.Background()
	e, mp, s, genesisHash := newTestEngine(t)
	genesisTS, err := s.GetTimestampFor(ctx, genesisHash)
	if err != nil {
		t.Fatal(err)
	}

	senderPriv, sender := testKeyPair(t)
	recipient := testKey(t)
	pre := seedBalance(t, s, sender, 1000, 11)
	tx := buildTransferTx(t, senderPriv, sender, recipient, 0, pre, 300, 22)
	if err := mp.Add(ctx, tx, tx.EncodedSize()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	miner := testKey(t)
	block := childBlock(hash.Hashes{genesisHash}, 1, genesisTS+1000, miner, []*model.Transaction{tx})
	if err := e.AddBlock(ctx, block); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}

	if mp.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after the transaction's block committed", mp.Len())
	}

	key := model.AccountAsset{Account: sender, Asset: model.NativeAsset}
	vb, topo, err := s.GetLastVersionedBalance(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if topo != 1 {
		t.Errorf("balance recorded at topoheight %d, want 1", topo)
	}
	want := new(big.Int).Mod(pre.Sub(tx.Outputs[0].Amount).Scalar(), fr.Modulus())
	got := new(big.Int).Mod(vb.Ciphertext.Scalar(), fr.Modulus())
	if got.Cmp(want) != 0 {
		t.Errorf("committed balance scalar = %s, want %s", got, want)
	}
}

func TestGetBlockTemplateReflectsCurrentTipAndHeight(t *testing.T) {
	ctx := context.Background()
	e, _, s, genesisHash := newTestEngine(t)
	genesisTS, err := s.GetTimestampFor(ctx, genesisHash)
	if err != nil {
		t.Fatal(err)
	}

	miner := testKey(t)
	child := childBlock(hash.Hashes{genesisHash}, 1, genesisTS+1000, miner, nil)
	if err := e.AddBlock(ctx, child); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}

	template, err := e.GetBlockTemplate(ctx, miner)
	if err != nil {
		t.Fatalf("GetBlockTemplate: %v", err)
	}
	if template.Header.Height != 2 {
		t.Errorf("template height = %d, want 2", template.Header.Height)
	}
	childHash := child.Header.Hash()
	if len(template.Header.Tips) != 1 || template.Header.Tips[0] != childHash {
		t.Errorf("template tips = %v, want [%s]", template.Header.Tips, childHash)
	}
}

func TestGetBlockTemplateIncludesPendingTransaction(t *testing.T) {
	ctx := context.Background()
	e, mp, s, _ := newTestEngine(t)
	senderPriv, sender := testKeyPair(t)
	recipient := testKey(t)
	pre := seedBalance(t, s, sender, 1000, 11)
	tx := buildTransferTx(t, senderPriv, sender, recipient, 0, pre, 300, 22)
	if err := mp.Add(ctx, tx, tx.EncodedSize()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	template, err := e.GetBlockTemplate(ctx, testKey(t))
	if err != nil {
		t.Fatalf("GetBlockTemplate: %v", err)
	}
	if len(template.Transactions) != 1 || template.Transactions[0].Hash() != tx.Hash() {
		t.Errorf("expected the pending transaction in the template, got %d transactions", len(template.Transactions))
	}
}

// TestGetBlockTemplateSkipsTransactionWithStaleNonce confirms template
// assembly re-checks each sender's committed nonce against storage rather
// than trusting that mempool admission time's check still holds: if the
// sender's committed nonce advances past a pending transaction's nonce
// after it was admitted (e.g. a block committed on another path before
// Mempool.CleanUp ran), the stale transaction is skipped rather than
// included.
func TestGetBlockTemplateSkipsTransactionWithStaleNonce(t *testing.T) {
	ctx := context.Background()
	e, mp, s, _ := newTestEngine(t)
	senderPriv, sender := testKeyPair(t)
	recipient := testKey(t)
	pre := seedBalance(t, s, sender, 10000, 11)

	tx0 := buildTransferTx(t, senderPriv, sender, recipient, 0, pre, 100, 22)
	if err := mp.Add(ctx, tx0, tx0.EncodedSize()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.SetLastNonceTo(ctx, sender, 0, &model.VersionedNonce{Nonce: 1}); err != nil {
		t.Fatal(err)
	}

	template, err := e.GetBlockTemplate(ctx, testKey(t))
	if err != nil {
		t.Fatalf("GetBlockTemplate: %v", err)
	}
	if len(template.Transactions) != 0 {
		t.Errorf("expected the stale-nonce transaction to be skipped, got %d transactions", len(template.Transactions))
	}
}

// TestAddBlockRejectsDeviatedTip builds a one-block sibling branch off
// genesis, then a 9-block main chain (deeper than SimnetParams'
// StableHeightLimit of 8), then submits a block referencing both tips. The
// sibling tip has deviated more than StableHeightLimit below the current
// chain height, so step 8 must reject it with ErrBlockDeviation.
func TestAddBlockRejectsDeviatedTip(t *testing.T) {
	ctx := context.Background()
	e, _, s, genesisHash := newTestEngine(t)
	genesisTS, err := s.GetTimestampFor(ctx, genesisHash)
	if err != nil {
		t.Fatal(err)
	}
	miner := testKey(t)

	sideTip := childBlock(hash.Hashes{genesisHash}, 1, genesisTS+100, miner, nil)
	if err := e.AddBlock(ctx, sideTip); err != nil {
		t.Fatalf("AddBlock side branch: %v", err)
	}
	sideTipHash := sideTip.Header.Hash()

	mainTip := genesisHash
	for height := uint64(1); height <= 9; height++ {
		block := childBlock(hash.Hashes{mainTip}, height, genesisTS+int64(height)*1000, miner, nil)
		if err := e.AddBlock(ctx, block); err != nil {
			t.Fatalf("AddBlock main chain height %d: %v", height, err)
		}
		mainTip = block.Header.Hash()
	}

	if e.Height() != 9 {
		t.Fatalf("Height() = %d, want 9 before the deviated-tip block", e.Height())
	}

	final := childBlock(hash.Hashes{mainTip, sideTipHash}, 10, genesisTS+10_000, miner, nil)
	err = e.AddBlock(ctx, final)
	if !consensuserr.Is(err, consensuserr.ErrBlockDeviation) {
		t.Errorf("expected ErrBlockDeviation, got %v", err)
	}
}

func TestRewindRestoresHeightAndTopoheight(t *testing.T) {
	ctx := context.Background()
	e, _, s, genesisHash := newTestEngine(t)
	genesisTS, err := s.GetTimestampFor(ctx, genesisHash)
	if err != nil {
		t.Fatal(err)
	}

	miner := testKey(t)
	child := childBlock(hash.Hashes{genesisHash}, 1, genesisTS+1000, miner, nil)
	if err := e.AddBlock(ctx, child); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	if e.Height() != 1 {
		t.Fatalf("Height() = %d, want 1 before rewinding", e.Height())
	}

	if err := e.Rewind(ctx, 1); err != nil {
		t.Fatalf("Rewind: %v", err)
	}

	if e.Height() != 0 {
		t.Errorf("Height() = %d, want 0 after rewinding the only block", e.Height())
	}
	if e.Topoheight() != 0 {
		t.Errorf("Topoheight() = %d, want 0", e.Topoheight())
	}
}
