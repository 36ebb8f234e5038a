// Package hash defines the 32-byte opaque digest type used throughout the
// consensus core, and the BLAKE3 hashing used to produce it. Grounded on
// the externalapi.DomainHash pattern (a fixed-size byte array plus
// String/Clone/Equal helpers) and on the BLAKE3 usage for DAG block hashing
// found elsewhere in the retrieved pack.
package hash

import (
	"bytes"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Size is the number of bytes in a Hash.
const Size = 32

// Hash is a 32-byte opaque digest. Equality and ordering are lexicographic
// over the raw bytes.
type Hash [Size]byte

// Zero is the all-zero hash, used as the native asset ID and as the
// "no parent" sentinel.
var Zero Hash

// Sum computes the BLAKE3 digest of data.
func Sum(data []byte) Hash {
	var h Hash
	sum := blake3.Sum256(data)
	copy(h[:], sum[:])
	return h
}

// String returns the hex encoding of the hash, most-significant byte first.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Equal reports whether h and other are the same digest.
func (h Hash) Equal(other Hash) bool {
	return h == other
}

// Less reports whether h sorts strictly before other under lexicographic
// byte ordering. Used as the deterministic tiebreak across the ordering
// engine whenever two candidates otherwise compare equal.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// FromSlice copies up to Size bytes from b into a new Hash, zero-padding on
// the right if b is shorter.
func FromSlice(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}

// Hashes is a slice of Hash with sort helpers used by the ordering engine's
// deterministic tiebreaks.
type Hashes []Hash

func (hs Hashes) Len() int           { return len(hs) }
func (hs Hashes) Swap(i, j int)      { hs[i], hs[j] = hs[j], hs[i] }
func (hs Hashes) Less(i, j int) bool { return hs[i].Less(hs[j]) }

// Contains reports whether target appears in hs.
func (hs Hashes) Contains(target Hash) bool {
	for _, h := range hs {
		if h == target {
			return true
		}
	}
	return false
}

// Clone returns a copy of hs backed by a new array.
func (hs Hashes) Clone() Hashes {
	out := make(Hashes, len(hs))
	copy(out, hs)
	return out
}
