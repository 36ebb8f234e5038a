package elgamal

import (
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/duskdag/node/crypto/owner"
)

func testKey(t *testing.T) PublicKey {
	t.Helper()
	priv, err := owner.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating owner key: %v", err)
	}
	return DeriveFromOwner(priv.PublicKey())
}

func TestAddingZeroCiphertextLeavesItUnchanged(t *testing.T) {
	pub := testKey(t)
	r, err := RandomScalar()
	if err != nil {
		t.Fatal(err)
	}
	ct := pub.EncryptWithBlinder(42, r)

	zero := pub.EncryptWithBlinder(0, big.NewInt(0))
	if !ct.Add(zero).Equal(ct) {
		t.Error("adding the identity ciphertext changed the result")
	}
}

func TestAddIsCommutativeOnScalar(t *testing.T) {
	pub := testKey(t)
	a := pub.EncryptWithBlinder(10, big.NewInt(3))
	b := pub.EncryptWithBlinder(20, big.NewInt(7))

	sumAB := a.Add(b).Scalar()
	sumBA := b.Add(a).Scalar()
	if sumAB.Cmp(sumBA) != 0 {
		t.Errorf("Add is not commutative: %s != %s", sumAB, sumBA)
	}
}

// TestCommitmentIsAdditive exercises the property the zkproof circuit
// depends on: subtracting a debit from a balance yields a ciphertext whose
// Scalar() is exactly the algebraic difference of the operands' scalars,
// mod the scalar field order, regardless of the blinders involved.
func TestCommitmentIsAdditive(t *testing.T) {
	pub := testKey(t)
	pre := pub.EncryptWithBlinder(1000, big.NewInt(123))
	debit := pub.EncryptWithBlinder(400, big.NewInt(999))

	post := pre.Sub(debit)

	preScalar := pre.Scalar()
	debitScalar := debit.Scalar()
	postScalar := post.Scalar()

	want := new(big.Int).Sub(preScalar, debitScalar)
	want.Mod(want, fr.Modulus())

	got := new(big.Int).Mod(postScalar, fr.Modulus())
	if got.Cmp(want) != 0 {
		t.Errorf("post.Scalar() = %s, want %s (pre - debit mod r)", got, want)
	}
}

func TestSubThenAddRecoversOriginal(t *testing.T) {
	pub := testKey(t)
	a := pub.EncryptWithBlinder(777, big.NewInt(55))
	b := pub.EncryptWithBlinder(111, big.NewInt(66))

	recovered := a.Sub(b).Add(b)
	if !recovered.Equal(a) {
		t.Error("(a - b) + b != a")
	}
}

func TestEqualDistinguishesDifferentBlinders(t *testing.T) {
	pub := testKey(t)
	a := pub.EncryptWithBlinder(5, big.NewInt(1))
	b := pub.EncryptWithBlinder(5, big.NewInt(2))
	if a.Equal(b) {
		t.Error("encryptions of the same amount under different blinders must not compare equal")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	pub := testKey(t)
	ct := pub.EncryptWithBlinder(9999, big.NewInt(42))

	decoded, err := FromBytes(ct.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.Equal(ct) {
		t.Error("decoded ciphertext does not Equal the original")
	}
	if decoded.Scalar().Cmp(ct.Scalar()) != 0 {
		t.Error("decoded Commitment scalar does not match the original")
	}
}

func TestZeroCiphertextScalarIsZero(t *testing.T) {
	if Zero.Scalar().Sign() != 0 {
		t.Errorf("Zero.Scalar() = %s, want 0", Zero.Scalar())
	}
}

func TestDeriveFromOwnerIsDeterministic(t *testing.T) {
	priv, err := owner.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pk := priv.PublicKey()
	a := DeriveFromOwner(pk)
	b := DeriveFromOwner(pk)
	if !a.Point.Equal(&b.Point) {
		t.Error("DeriveFromOwner is not deterministic for the same owner key")
	}
}
