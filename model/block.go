// Package model defines the wire-level data model shared by every
// consensus package: block headers, transactions, and the versioned
// balance/nonce records the executor reads and writes. It mirrors
// spec.md §3 plus the SPEC_FULL.md §4 additions (OwnerSignature, Proof,
// AssetID, DevFeeAddress wiring). Kept dependency-free of storage and the
// algorithm packages so everything else can import it without cycles.
package model

import (
	"github.com/duskdag/node/crypto/elgamal"
	"github.com/duskdag/node/crypto/owner"
	"github.com/duskdag/node/hash"
)

// TipsLimitHint is an advisory cap that no code in this module references;
// the authoritative limit always comes from a *params.Params value at call
// sites.
const TipsLimitHint = 3

// ExtraNonceSize is the width of a block header's miner-chosen extra nonce.
const ExtraNonceSize = 32

// BlockHeader is the block-identifying, hashed portion of a block: a
// height, a timestamp, proof-of-work fields, the miner's identity, and the
// ordered tip/tx-hash sequences spec.md §3 names.
type BlockHeader struct {
	Height      uint64
	TimestampMS int64
	Nonce       uint64
	ExtraNonce  [ExtraNonceSize]byte
	MinerKey    owner.PublicKey
	Tips        hash.Hashes
	TxHashes    hash.Hashes
}

// Block is a complete block: its header plus the transactions the header's
// TxHashes reference, in the same order.
type Block struct {
	Header       BlockHeader
	Transactions []*Transaction
}

// TransactionKind discriminates a transaction's payload.
type TransactionKind uint8

const (
	// KindTransfer moves funds from owner to one or more recipients.
	KindTransfer TransactionKind = iota
	// KindBurn destroys funds permanently, removing them from supply
	// accounting as a plain sender debit with no corresponding credit.
	KindBurn
	// KindSmartContract is reserved; the verifier rejects it unconditionally.
	KindSmartContract
)

// AssetID names a fungible asset. The native asset is the all-zero hash,
// mirroring XELIS's XELIS_ASSET constant.
type AssetID = hash.Hash

// NativeAsset is the chain's native, always-registered asset.
var NativeAsset = hash.Zero

// TransferOutput is a single recipient entry within a Transfer transaction.
type TransferOutput struct {
	To        owner.PublicKey
	Asset     AssetID
	Amount    elgamal.Ciphertext
	ExtraData []byte
}

// BurnPayload is the payload of a Burn transaction.
type BurnPayload struct {
	Asset  AssetID
	Amount elgamal.Ciphertext
}

// Transaction is a single signed, proved state transition request.
// Exactly one of Outputs (Kind == KindTransfer) or Burn (Kind == KindBurn)
// is populated; KindSmartContract carries neither and is always rejected by
// the verifier.
type Transaction struct {
	OwnerKey owner.PublicKey
	Nonce    uint64
	Fee      uint64
	Kind     TransactionKind
	Outputs  []TransferOutput
	Burn     *BurnPayload

	// OwnerSignature is a secp256k1 signature over SigningHash(tx),
	// authorizing the transaction. See crypto/owner.
	OwnerSignature owner.Signature

	// Proof is an opaque Groth16 conservation-of-value proof, verified via
	// crypto/zkproof.Verify without ever decrypting a ciphertext.
	Proof []byte
}

// Hash returns the transaction's content hash, used as its mempool and
// block-index key. It is computed over every field except OwnerSignature
// and Proof, so the signature is a signature over the hash of everything
// else.
func (tx *Transaction) Hash() hash.Hash {
	return hash.Sum(tx.signingBytes())
}

// SigningHash is the digest OwnerSignature authorizes.
func (tx *Transaction) SigningHash() [32]byte {
	return tx.Hash()
}

func (tx *Transaction) signingBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, tx.OwnerKey[:]...)
	buf = appendUint64(buf, tx.Nonce)
	buf = appendUint64(buf, tx.Fee)
	buf = append(buf, byte(tx.Kind))
	for _, out := range tx.Outputs {
		buf = append(buf, out.To[:]...)
		buf = append(buf, out.Asset[:]...)
		buf = append(buf, out.Amount.Bytes()...)
		buf = append(buf, out.ExtraData...)
	}
	if tx.Burn != nil {
		buf = append(buf, tx.Burn.Asset[:]...)
		buf = append(buf, tx.Burn.Amount.Bytes()...)
	}
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(56-8*i)))
	}
	return buf
}

// EncodedSize estimates the transaction's wire size in bytes, used for the
// fee-floor and block-size checks. The consensus core does not define an
// on-disk encoding (a Non-goal); this is a stable, deterministic proxy
// rather than a wire format.
func (tx *Transaction) EncodedSize() uint64 {
	size := uint64(owner.PublicKeySize + 8 + 8 + 1 + len(tx.OwnerSignature) + len(tx.Proof))
	for _, out := range tx.Outputs {
		size += uint64(owner.PublicKeySize + hash.Size + 64 + len(out.ExtraData))
	}
	if tx.Burn != nil {
		size += uint64(hash.Size + 64)
	}
	return size
}

// ExtraDataLen sums the extra_data length across a Transfer's outputs.
func (tx *Transaction) ExtraDataLen() int {
	total := 0
	for _, out := range tx.Outputs {
		total += len(out.ExtraData)
	}
	return total
}
