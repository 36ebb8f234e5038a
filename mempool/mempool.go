// Package mempool implements spec.md §4.4: an admission-verified pool of
// pending transactions, sorted for block assembly and pruned as blocks
// commit. Grounded on the teacher's domain/mempool/mempool.go shape (a
// hash-keyed pool plus a per-sender index, a single coarse mutex,
// `sorted_for_template`-equivalent template assembly), generalized from
// UTXO outpoints to nonce-keyed senders per SPEC_FULL.md §5.
package mempool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/duskdag/node/consensuserr"
	"github.com/duskdag/node/crypto/elgamal"
	"github.com/duskdag/node/crypto/owner"
	"github.com/duskdag/node/hash"
	"github.com/duskdag/node/logger"
	"github.com/duskdag/node/model"
	"github.com/duskdag/node/params"
	"github.com/duskdag/node/storage"
	"github.com/duskdag/node/txvalidator"
)

var log, _ = logger.Get(logger.Tags.MEMP)

// Mempool holds every transaction admitted but not yet committed in a
// block. Transactions are shared by reference (Mempool contains an
// Arc-like handle per spec.md §4.4) so block assembly never copies
// transaction bodies.
type Mempool struct {
	store storage.Storage
	params *params.Params

	mu         sync.Mutex
	byHash     map[hash.Hash]*model.Transaction
	bySender   map[owner.PublicKey][]hash.Hash // insertion order per sender
	admittedAt map[hash.Hash]time.Time
}

// New constructs an empty Mempool backed by store for balance/nonce lookups
// during admission.
func New(store storage.Storage, p *params.Params) *Mempool {
	return &Mempool{
		store:      store,
		params:     p,
		byHash:     map[hash.Hash]*model.Transaction{},
		bySender:   map[owner.PublicKey][]hash.Hash{},
		admittedAt: map[hash.Hash]time.Time{},
	}
}

// CurrentBalance implements txvalidator.BalanceSource against committed
// storage: mempool admission verifies against the last committed state,
// not against other pending transactions' hypothetical effects.
func (m *Mempool) CurrentBalance(ctx context.Context, account [33]byte, asset model.AssetID) (elgamal.Ciphertext, error) {
	key := model.AccountAsset{Account: owner.PublicKey(account), Asset: asset}
	versioned, _, err := m.store.GetLastVersionedBalance(ctx, key)
	if err == storage.ErrAccountNotFound {
		return elgamal.Zero, nil
	}
	if err != nil {
		return elgamal.Ciphertext{}, errors.Wrap(err, "reading committed balance")
	}
	return versioned.Ciphertext, nil
}

func (m *Mempool) committedNonce(ctx context.Context, acc owner.PublicKey) (uint64, error) {
	topTopo, err := m.store.TopTopoheight(ctx)
	if err != nil {
		return 0, err
	}
	versioned, _, err := m.store.GetNonceAtMaximumTopoheight(ctx, acc, topTopo)
	if err == storage.ErrAccountNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "reading committed nonce")
	}
	return versioned.Nonce, nil
}

// Add implements spec.md §4.4's add(tx): reject a duplicate hash, verify
// against committed state with the sender's current pending count folded
// into the expected nonce, then insert. Returns nil on success; the caller
// is responsible for broadcasting.
func (m *Mempool) Add(ctx context.Context, tx *model.Transaction, sizeBytes uint64) error {
	h := tx.Hash()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byHash[h]; exists {
		return consensuserr.New(consensuserr.ErrTxAlreadyInMempool, "transaction %s already in mempool", h)
	}

	committed, err := m.committedNonce(ctx, tx.OwnerKey)
	if err != nil {
		return err
	}
	pending := uint64(len(m.bySender[tx.OwnerKey]))

	req := txvalidator.Request{
		Tx:            tx,
		SizeBytes:     sizeBytes,
		ExpectedNonce: committed + pending,
	}
	if err := txvalidator.Verify(ctx, m.params, m, req); err != nil {
		return err
	}

	m.byHash[h] = tx
	m.bySender[tx.OwnerKey] = append(m.bySender[tx.OwnerKey], h)
	m.admittedAt[h] = time.Now()
	log.Debugf("admitted transaction %s from %x (nonce %d)", h, tx.OwnerKey, tx.Nonce)
	return nil
}

// SortedForTemplate implements spec.md §4.4's sorted_for_template(): a
// stable sort by (fee desc, nonce asc, hash asc).
func (m *Mempool) SortedForTemplate() []*model.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*model.Transaction, 0, len(m.byHash))
	for _, tx := range m.byHash {
		out = append(out, tx)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Fee != b.Fee {
			return a.Fee > b.Fee
		}
		if a.Nonce != b.Nonce {
			return a.Nonce < b.Nonce
		}
		return a.Hash().Less(b.Hash())
	})
	return out
}

// CleanUp implements spec.md §4.4's clean_up(new_nonces): for every sender
// in newNonces, drop transactions whose nonce is now stale, and drop any
// remaining transaction whose re-verification against committed state now
// fails (e.g. a balance proof no longer covers the outflow after a
// conflicting transaction committed).
func (m *Mempool) CleanUp(ctx context.Context, newNonces map[owner.PublicKey]uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sender, minNonce := range newNonces {
		hashes := m.bySender[sender]
		kept := hashes[:0]
		for _, h := range hashes {
			tx, ok := m.byHash[h]
			if !ok {
				continue
			}
			if tx.Nonce < minNonce {
				delete(m.byHash, h)
				delete(m.admittedAt, h)
				continue
			}
			kept = append(kept, h)
		}
		m.bySender[sender] = kept
	}

	for sender, hashes := range m.bySender {
		var stillValid []hash.Hash
		for _, h := range hashes {
			tx, ok := m.byHash[h]
			if !ok {
				continue
			}
			committed, err := m.committedNonce(ctx, sender)
			if err != nil {
				stillValid = append(stillValid, h)
				continue
			}
			req := txvalidator.Request{Tx: tx, SizeBytes: tx.EncodedSize(), ExpectedNonce: committed}
			if err := txvalidator.Verify(ctx, m.params, m, req); err != nil {
				delete(m.byHash, h)
				delete(m.admittedAt, h)
				log.Debugf("evicted transaction %s on re-verification: %v", h, err)
				continue
			}
			stillValid = append(stillValid, h)
		}
		m.bySender[sender] = stillValid
	}
}

// Remove drops a single transaction, used by the coordinator once a block
// containing it has committed.
func (m *Mempool) Remove(h hash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byHash[h]
	if !ok {
		return
	}
	delete(m.byHash, h)
	delete(m.admittedAt, h)
	hashes := m.bySender[tx.OwnerKey]
	for i, other := range hashes {
		if other == h {
			m.bySender[tx.OwnerKey] = append(hashes[:i], hashes[i+1:]...)
			break
		}
	}
}

// ExpireStale evicts every transaction admitted more than ttl ago, returning
// their hashes. Run periodically by the coordinator's background sweep so a
// sender's never-mined transaction eventually frees the nonce slot it holds
// instead of wedging that sender's pending queue forever.
func (m *Mempool) ExpireStale(ttl time.Duration) []hash.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var expired []hash.Hash
	for h, at := range m.admittedAt {
		if at.Before(cutoff) {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		tx, ok := m.byHash[h]
		if !ok {
			continue
		}
		delete(m.byHash, h)
		delete(m.admittedAt, h)
		hashes := m.bySender[tx.OwnerKey]
		for i, other := range hashes {
			if other == h {
				m.bySender[tx.OwnerKey] = append(hashes[:i], hashes[i+1:]...)
				break
			}
		}
	}
	return expired
}

// Reinsert re-admits a transaction that was in a popped block, for
// spec.md §4.5's rewind. Admission failures are swallowed (the
// transaction may now conflict with committed state) rather than
// propagated, matching rewind's best-effort re-queue semantics.
func (m *Mempool) Reinsert(ctx context.Context, tx *model.Transaction) {
	if err := m.Add(ctx, tx, tx.EncodedSize()); err != nil {
		log.Debugf("dropped rewound transaction %s: %v", tx.Hash(), err)
	}
}

// Len reports the number of pending transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byHash)
}
