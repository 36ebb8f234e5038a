// Package owner wraps the secp256k1 identity and signature used to
// authorize a transaction: owner_public_key signs {nonce, fee, data}.
// Grounded on the teacher's own PubKeyFromBytes/SerializeCompressed idiom
// (cmd/addsubnetwork/keys.go), but sourced from
// github.com/btcsuite/btcd/btcec/v2 rather than the teacher's vendored fork,
// and used for transaction authorization rather than address derivation.
// The original XELIS source authorizes with a Schnorr-style
// proof-of-knowledge tied to the ElGamal keypair; this is a deliberate,
// named substitution (see DESIGN.md) since no Ristretto/ElGamal signature
// library is present anywhere in the retrieved pack.
package owner

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/pkg/errors"
)

// PublicKeySize is the length of a compressed secp256k1 public key.
const PublicKeySize = 33

// PublicKey is a compressed secp256k1 public key identifying a transaction
// owner, a miner, or the protocol dev-fee recipient.
type PublicKey [PublicKeySize]byte

// Signature is a DER-encoded ECDSA signature over a transaction's signing
// hash.
type Signature []byte

// PrivateKey wraps a secp256k1 scalar. The consensus core never holds one:
// it only appears in test helpers that construct signed fixtures.
type PrivateKey struct {
	key *btcec.PrivateKey
}

// GeneratePrivateKey returns a fresh random keypair, for use by tests and
// block-template fixtures only.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generating owner key")
	}
	return &PrivateKey{key: key}, nil
}

// PublicKey returns the compressed public key for priv.
func (priv *PrivateKey) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], priv.key.PubKey().SerializeCompressed())
	return pk
}

// Sign produces a signature over digest (the transaction's signing hash).
func (priv *PrivateKey) Sign(digest [32]byte) Signature {
	sig := ecdsa.Sign(priv.key, digest[:])
	return sig.Serialize()
}

// Verify reports whether sig is a valid signature by pub over digest.
func (pub PublicKey) Verify(digest [32]byte, sig Signature) bool {
	parsedKey, err := btcec.ParsePubKey(pub[:])
	if err != nil {
		return false
	}
	parsedSig, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsedSig.Verify(digest[:], parsedKey)
}

// IsZero reports whether pub is the uninitialized zero value.
func (pub PublicKey) IsZero() bool {
	return pub == PublicKey{}
}
