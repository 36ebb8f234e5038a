package model

import "github.com/duskdag/node/hash"

// Hash returns the header's content hash — the block's identity, computed
// over the header fields only (never the transaction bodies). This is the
// digest the PoW check in §4.2 compares against the difficulty target.
func (h *BlockHeader) Hash() hash.Hash {
	buf := make([]byte, 0, 128+len(h.Tips)*hash.Size+len(h.TxHashes)*hash.Size)
	buf = appendUint64(buf, h.Height)
	buf = appendUint64(buf, uint64(h.TimestampMS))
	buf = appendUint64(buf, h.Nonce)
	buf = append(buf, h.ExtraNonce[:]...)
	buf = append(buf, h.MinerKey[:]...)
	for _, t := range h.Tips {
		buf = append(buf, t[:]...)
	}
	for _, t := range h.TxHashes {
		buf = append(buf, t[:]...)
	}
	return hash.Sum(buf)
}

// Hash returns the block's identity, which is exactly its header's hash —
// the transactions themselves are addressed indirectly via TxHashes.
func (b *Block) Hash() hash.Hash {
	return b.Header.Hash()
}

// BlockType classifies an ordered block per spec.md §1(c).
type BlockType uint8

const (
	// BlockTypeMainChain is an ordered block that is neither a side block
	// nor (by definition) an orphan.
	BlockTypeMainChain BlockType = iota
	// BlockTypeSide is an ordered block dominated by recent predecessors;
	// see the side-block predicate in §4.1.
	BlockTypeSide
	// BlockTypeOrphan is a stored, validated block that is not (yet)
	// topologically ordered.
	BlockTypeOrphan
)

func (t BlockType) String() string {
	switch t {
	case BlockTypeMainChain:
		return "main"
	case BlockTypeSide:
		return "side"
	case BlockTypeOrphan:
		return "orphan"
	default:
		return "unknown"
	}
}
