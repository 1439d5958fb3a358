package aggregation

import (
	"math/big"
	"testing"

	bls12381 "github.com/kilic/bls12-381"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKeypair produces a deterministic BLS12-381 keypair (G2 pubkey, scalar
// secret) from seed: the secret is seed*7919+12345 and the public key is
// that scalar times the G2 generator.
func testKeypair(t *testing.T, seed int64) (secret *big.Int, pubCompressed []byte) {
	t.Helper()
	g2 := bls12381.NewG2()
	secret = big.NewInt(seed*7919 + 12345)

	pub := g2.Zero()
	g2.MulScalar(pub, g2.One(), secret)
	return secret, g2.ToCompressed(pub)
}

func testSign(t *testing.T, secret *big.Int, msg []byte) []byte {
	t.Helper()
	g1 := bls12381.NewG1()
	hashPoint, err := g1.HashToCurve(msg, domain)
	require.NoError(t, err)

	sig := g1.Zero()
	g1.MulScalar(sig, hashPoint, secret)
	return g1.ToCompressed(sig)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	secret, pub := testKeypair(t, 1)
	msg := signingMessage(1, 2, []byte("output"))
	sig := testSign(t, secret, msg)

	sigPoint, err := decodeSignature(sig)
	require.NoError(t, err)
	pubPoint, err := decodePublicKey(pub)
	require.NoError(t, err)

	ok, err := verify(sigPoint, pubPoint, msg)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsWrongMessage(t *testing.T) {
	secret, pub := testKeypair(t, 2)
	msg := signingMessage(1, 2, []byte("output"))
	sig := testSign(t, secret, msg)

	sigPoint, err := decodeSignature(sig)
	require.NoError(t, err)
	pubPoint, err := decodePublicKey(pub)
	require.NoError(t, err)

	wrongMsg := signingMessage(1, 3, []byte("output"))
	ok, err := verify(sigPoint, pubPoint, wrongMsg)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAggregateSignaturesIsOrderIndependent(t *testing.T) {
	s1, p1 := testKeypair(t, 3)
	s2, p2 := testKeypair(t, 4)
	msg := signingMessage(9, 1, []byte("result"))

	sig1 := testSign(t, s1, msg)
	sig2 := testSign(t, s2, msg)

	sp1, _ := decodeSignature(sig1)
	sp2, _ := decodeSignature(sig2)

	g1 := bls12381.NewG1()
	aggA := aggregateSignatures([]*bls12381.PointG1{sp1, sp2})
	aggB := aggregateSignatures([]*bls12381.PointG1{sp2, sp1})
	assert.Equal(t, g1.ToCompressed(aggA), g1.ToCompressed(aggB))

	pp1, _ := decodePublicKey(p1)
	pp2, _ := decodePublicKey(p2)
	g2 := bls12381.NewG2()
	aggPubA := aggregatePublicKeys([]*bls12381.PointG2{pp1, pp2})
	aggPubB := aggregatePublicKeys([]*bls12381.PointG2{pp2, pp1})
	assert.Equal(t, g2.ToCompressed(aggPubA), g2.ToCompressed(aggPubB))
}
