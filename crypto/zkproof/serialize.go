package zkproof

import (
	"bytes"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
)

// byteBuffer adapts a growing []byte to io.Writer for proof.WriteTo, which
// wants a writer rather than returning bytes directly.
type byteBuffer struct {
	buf []byte
}

func (b *byteBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// groth16ProofHolder decodes the opaque proof bytes a Transaction carries
// into a concrete groth16.Proof for verification.
type groth16ProofHolder struct {
	proof groth16.Proof
}

func (h *groth16ProofHolder) unmarshal(data []byte) error {
	h.proof = groth16.NewProof(ecc.BN254)
	_, err := h.proof.ReadFrom(bytes.NewReader(data))
	return err
}
