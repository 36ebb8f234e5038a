package difficulty

import (
	"math/big"

	"github.com/duskdag/node/hash"
)

var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// CheckPoW implements spec.md §4.2's proof-of-work check: the header hash,
// read as a big-endian integer, must satisfy H * difficulty <= 2^256 - 1.
func CheckPoW(headerHash hash.Hash, difficulty uint64) bool {
	h := new(big.Int).SetBytes(headerHash[:])
	d := new(big.Int).SetUint64(difficulty)
	product := new(big.Int).Mul(h, d)
	return product.Cmp(maxTarget) <= 0
}
