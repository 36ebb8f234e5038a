// Package chainstate implements spec.md §4.5's Executor & ChainState: the
// staging object a block's transactions execute against before their
// effects are committed to storage. Grounded on
// _examples/original_source/xelis_daemon/src/core/chain_state.rs's
// ChainState/Echange almost verbatim in semantics, rewritten in the
// teacher's storage-interface style (blockdag/utxoset.go's staged-then-
// flushed pattern, generalized from a UTXO set to versioned ciphertext
// balances).
package chainstate

import (
	"context"

	"github.com/pkg/errors"

	"github.com/duskdag/node/crypto/elgamal"
	"github.com/duskdag/node/crypto/owner"
	"github.com/duskdag/node/logger"
	"github.com/duskdag/node/model"
	"github.com/duskdag/node/params"
	"github.com/duskdag/node/storage"
	"github.com/duskdag/node/txvalidator"
)

var log, _ = logger.Get(logger.Tags.CHST)

// Echange is one sender's in-flight balance state for a single asset within
// a block: the pre-block version it was read from, the post-spend working
// balance as debits are applied, and whether this (account, asset) pair
// also received funds in the same block (requiring the commit-time split
// described in spec.md §4.5 step 4).
type Echange struct {
	PreviousTopoheight *uint64
	PostSpendBalance   elgamal.Ciphertext
	IncomingChange     elgamal.Ciphertext
	Spent              bool
	Received           bool
}

type accountState struct {
	nonce        uint64
	nonceTouched bool
	assets       map[model.AssetID]*Echange
}

// ChainState aggregates a block's execution effects before they are
// committed: receiver balances, per-sender per-asset Echange, and
// collected fees. One ChainState is built, executed against, and committed
// per block.
type ChainState struct {
	store          storage.Storage
	params         *params.Params
	baseTopoheight uint64
	newTopoheight  uint64

	accounts map[owner.PublicKey]*accountState
	feesCollected uint64
}

// New builds a ChainState reading pre-block state at baseTopoheight
// (the topoheight immediately preceding this block) and writing versions at
// newTopoheight.
func New(store storage.Storage, p *params.Params, baseTopoheight, newTopoheight uint64) *ChainState {
	return &ChainState{
		store:          store,
		params:         p,
		baseTopoheight: baseTopoheight,
		newTopoheight:  newTopoheight,
		accounts:       map[owner.PublicKey]*accountState{},
	}
}

func (cs *ChainState) account(acc owner.PublicKey) *accountState {
	a, ok := cs.accounts[acc]
	if !ok {
		a = &accountState{assets: map[model.AssetID]*Echange{}}
		cs.accounts[acc] = a
	}
	return a
}

// echangeFor returns the Echange for (acc, asset), lazily seeding it from
// storage's last known version at or before baseTopoheight.
func (cs *ChainState) echangeFor(ctx context.Context, acc owner.PublicKey, asset model.AssetID) (*Echange, error) {
	a := cs.account(acc)
	if e, ok := a.assets[asset]; ok {
		return e, nil
	}

	key := model.AccountAsset{Account: acc, Asset: asset}
	pre := elgamal.Zero
	var prevTopo *uint64
	versioned, topo, err := cs.store.GetLastVersionedBalance(ctx, key)
	switch {
	case err == storage.ErrAccountNotFound:
		// Never-seen account: zero balance, no previous version.
	case err != nil:
		return nil, errors.Wrapf(err, "reading last balance for %x/%s", acc, asset)
	default:
		pre = versioned.Ciphertext
		t := topo
		prevTopo = &t
	}

	e := &Echange{PreviousTopoheight: prevTopo, PostSpendBalance: pre}
	a.assets[asset] = e
	return e, nil
}

// CurrentBalance implements txvalidator.BalanceSource: the sender's
// post-spend working balance so far this block, i.e. the value the next
// debit in listed order must be verified against.
func (cs *ChainState) CurrentBalance(ctx context.Context, account [33]byte, asset model.AssetID) (elgamal.Ciphertext, error) {
	e, err := cs.echangeFor(ctx, owner.PublicKey(account), asset)
	if err != nil {
		return elgamal.Ciphertext{}, err
	}
	return e.PostSpendBalance, nil
}

// CurrentNonce returns the sender's nonce as of this point in block
// execution: its pre-block nonce if untouched this block, or the nonce one
// past the last transaction already applied for it.
func (cs *ChainState) CurrentNonce(ctx context.Context, acc owner.PublicKey) (uint64, error) {
	if a, ok := cs.accounts[acc]; ok && a.nonceTouched {
		return a.nonce, nil
	}
	versioned, _, err := cs.store.GetNonceAtMaximumTopoheight(ctx, acc, cs.baseTopoheight)
	if err == storage.ErrAccountNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reading nonce for %x", acc)
	}
	return versioned.Nonce, nil
}

// Apply verifies tx (via txvalidator, against this ChainState's staging
// values) and, on success, applies its effects: debiting the sender,
// crediting recipients, collecting the fee, and advancing the sender's
// nonce. seen tracks hashes already applied earlier in this block.
func (cs *ChainState) Apply(ctx context.Context, tx *model.Transaction, sizeBytes uint64, seen map[[32]byte]struct{}) error {
	expectedNonce, err := cs.CurrentNonce(ctx, tx.OwnerKey)
	if err != nil {
		return err
	}

	req := txvalidator.Request{
		Tx:            tx,
		SizeBytes:     sizeBytes,
		ExpectedNonce: expectedNonce,
	}
	if err := txvalidator.Verify(ctx, cs.params, cs, req); err != nil {
		return err
	}
	h := tx.Hash()
	if _, dup := seen[h]; dup {
		return errors.Errorf("transaction %s already applied in this block", h)
	}
	seen[h] = struct{}{}

	if tx.Kind == model.KindTransfer {
		for _, out := range tx.Outputs {
			if err := cs.credit(ctx, out.To, out.Asset, out.Amount); err != nil {
				return err
			}
		}
	}

	outflow := txvalidator.RequiredOutflow(tx)
	for asset, debit := range outflow {
		e, err := cs.echangeFor(ctx, tx.OwnerKey, asset)
		if err != nil {
			return err
		}
		e.PostSpendBalance = e.PostSpendBalance.Sub(debit)
		e.Spent = true
	}
	cs.feesCollected += tx.Fee

	sender := cs.account(tx.OwnerKey)
	sender.nonce = tx.Nonce + 1
	sender.nonceTouched = true
	return nil
}

// credit applies receiver_balance += Enc(amount), tracked separately from
// the recipient's Echange.PostSpendBalance so a sender who also receives
// funds this block does not see the credit until commit.
func (cs *ChainState) credit(ctx context.Context, to owner.PublicKey, asset model.AssetID, amount elgamal.Ciphertext) error {
	e, err := cs.echangeFor(ctx, to, asset)
	if err != nil {
		return err
	}
	e.IncomingChange = e.IncomingChange.Add(amount)
	e.Received = true
	return nil
}

// ApplyReward implements spec.md §4.5 step 3: the miner and, when
// DevFeePercent > 0, the dev fee address split the block reward, plus the
// miner collects this block's aggregated fees.
func (cs *ChainState) ApplyReward(ctx context.Context, minerKey owner.PublicKey, blockReward uint64) error {
	devShare := uint64(0)
	if cs.params.DevFeePercent > 0 {
		devShare = blockReward * cs.params.DevFeePercent / 100
		devCt, err := elgamal.DeriveFromOwner(cs.params.DevFeeAddress).Encrypt(devShare)
		if err != nil {
			return errors.Wrap(err, "encrypting dev fee share")
		}
		if err := cs.credit(ctx, cs.params.DevFeeAddress, model.NativeAsset, devCt); err != nil {
			return err
		}
	}

	minerReward := blockReward - devShare + cs.feesCollected
	minerCt, err := elgamal.DeriveFromOwner(minerKey).Encrypt(minerReward)
	if err != nil {
		return errors.Wrap(err, "encrypting miner reward")
	}
	return cs.credit(ctx, minerKey, model.NativeAsset, minerCt)
}

// Emission implements emission(s) = (MaxSupply - s) >> EmissionSpeedFactor,
// scaled by SideBlockRewardPercent/100 for side blocks.
func Emission(p *params.Params, pastSupply uint64, isSideBlock bool) uint64 {
	if pastSupply >= p.MaxSupply {
		return 0
	}
	reward := (p.MaxSupply - pastSupply) >> p.EmissionSpeedFactor
	if isSideBlock {
		reward = reward * p.SideBlockRewardPercent / 100
	}
	return reward
}

// Commit implements spec.md §4.5 step 4: for every (account, asset) this
// ChainState touched, write the new version. A sender who also received
// funds this block splits into output_balance (post-spends only) and a
// final balance folding in the incoming change, so a transaction verified
// against the pre-block balance stays valid even though the sender's next
// balance includes the same-block credit (SPEC_FULL.md §5's resolved Open
// Question).
func (cs *ChainState) Commit(ctx context.Context) error {
	for acc, a := range cs.accounts {
		for asset, e := range a.assets {
			key := model.AccountAsset{Account: acc, Asset: asset}

			var final elgamal.Ciphertext
			var output *elgamal.Ciphertext
			switch {
			case e.Spent && e.Received:
				out := e.PostSpendBalance
				output = &out
				final = e.PostSpendBalance.Add(e.IncomingChange)
			case e.Spent:
				final = e.PostSpendBalance
			case e.Received:
				final = e.PostSpendBalance.Add(e.IncomingChange)
			default:
				continue
			}

			versioned := &model.VersionedBalance{
				Ciphertext:         final,
				PreviousTopoheight: e.PreviousTopoheight,
				OutputBalance:      output,
			}
			if err := cs.store.SetLastBalanceTo(ctx, key, cs.newTopoheight, versioned); err != nil {
				return errors.Wrapf(err, "committing balance for %x/%s", acc, asset)
			}
		}

		if !a.nonceTouched {
			continue
		}
		nonceVersioned := &model.VersionedNonce{Nonce: a.nonce}
		if _, prevTopo, err := cs.store.GetNonceAtMaximumTopoheight(ctx, acc, cs.baseTopoheight); err == nil {
			nonceVersioned.PreviousTopoheight = &prevTopo
		}
		if err := cs.store.SetLastNonceTo(ctx, acc, cs.newTopoheight, nonceVersioned); err != nil {
			return errors.Wrapf(err, "committing nonce for %x", acc)
		}
	}

	log.Debugf("committed chain state at topoheight %d: %d accounts, %d fees collected", cs.newTopoheight, len(cs.accounts), cs.feesCollected)
	return nil
}
