package aggregation

import (
	"encoding/binary"

	bls12381 "github.com/kilic/bls12-381"
	"golang.org/x/crypto/sha3"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// signingMessage reproduces the bit-exact format every operator must agree
// on: serviceId_be_u64 || callId_be_u64 || keccak256(output).
func signingMessage(serviceID, callID uint64, output []byte) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], serviceID)
	binary.BigEndian.PutUint64(buf[8:16], callID)

	h := sha3.NewLegacyKeccak256()
	h.Write(output)
	digest := h.Sum(nil)

	return append(buf, digest...)
}

// domain separates this BLS scheme's hash-to-curve from unrelated uses of
// the same curve elsewhere in the stack.
var domain = []byte("blueprint-core-aggregation-v1")

// decodeSignature parses a compressed G1 signature.
func decodeSignature(compressed []byte) (*bls12381.PointG1, error) {
	g1 := bls12381.NewG1()
	p, err := g1.FromCompressed(compressed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindVerification, "invalid compressed G1 signature", err)
	}
	return p, nil
}

// decodePublicKey parses a compressed G2 public key.
func decodePublicKey(compressed []byte) (*bls12381.PointG2, error) {
	g2 := bls12381.NewG2()
	p, err := g2.FromCompressed(compressed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindVerification, "invalid compressed G2 public key", err)
	}
	return p, nil
}

// verify checks e(sig, g2Generator) == e(H(msg), pubkey).
func verify(sig *bls12381.PointG1, pubkey *bls12381.PointG2, msg []byte) (bool, error) {
	g1 := bls12381.NewG1()
	g2 := bls12381.NewG2()

	hashPoint, err := g1.HashToCurve(msg, domain)
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindVerification, "failed to hash signing message to curve", err)
	}

	engine := bls12381.NewEngine()
	engine.AddPair(sig, g2.One())
	engine.AddPairInv(hashPoint, pubkey)
	return engine.Check(), nil
}

// aggregateSignatures sums G1 points; associative and order-independent.
func aggregateSignatures(sigs []*bls12381.PointG1) *bls12381.PointG1 {
	g1 := bls12381.NewG1()
	acc := g1.Zero()
	for _, s := range sigs {
		g1.Add(acc, acc, s)
	}
	return acc
}

// aggregatePublicKeys sums G2 points; associative and order-independent.
func aggregatePublicKeys(pubs []*bls12381.PointG2) *bls12381.PointG2 {
	g2 := bls12381.NewG2()
	acc := g2.Zero()
	for _, p := range pubs {
		g2.Add(acc, acc, p)
	}
	return acc
}
