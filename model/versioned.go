package model

import (
	"github.com/duskdag/node/crypto/elgamal"
	"github.com/duskdag/node/crypto/owner"
)

// VersionedBalance is one node in a per-(account, asset) linked list of
// balance snapshots ordered by descending topoheight (I7). OutputBalance
// distinguishes the post-spend state from the post-receipt state at the
// same topoheight per §4.5 step 4: a transaction verified against the
// pre-block balance must remain valid even if the same block later credits
// the sender.
type VersionedBalance struct {
	Ciphertext          elgamal.Ciphertext
	PreviousTopoheight  *uint64
	OutputBalance       *elgamal.Ciphertext
}

// VersionedNonce is one node in a per-account linked list of nonce
// snapshots ordered by descending topoheight.
type VersionedNonce struct {
	Nonce              uint64
	PreviousTopoheight *uint64
}

// AccountAsset identifies one (account, asset) balance series. Both fields
// are plain fixed-size arrays, so AccountAsset is itself comparable and
// usable as a map key.
type AccountAsset struct {
	Account owner.PublicKey
	Asset   AssetID
}
