package rfq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecp256k1SignerRoundTrip(t *testing.T) {
	signer, err := GenerateSecp256k1Signer()
	require.NoError(t, err)

	quote := Quote{
		RequestID:      "req-1",
		OperatorPubKey: signer.PublicKeyHex(),
		BlueprintID:    3,
		PricePerSecond: 42,
	}
	sig, err := signer.Sign(quoteSigningPayload(quote))
	require.NoError(t, err)
	quote.SignatureHex = sig

	ok, err := VerifyQuoteSignature(quote)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyQuoteSignatureRejectsTamperedQuote(t *testing.T) {
	signer, err := GenerateSecp256k1Signer()
	require.NoError(t, err)

	quote := Quote{
		RequestID:      "req-1",
		OperatorPubKey: signer.PublicKeyHex(),
		PricePerSecond: 42,
	}
	sig, err := signer.Sign(quoteSigningPayload(quote))
	require.NoError(t, err)
	quote.SignatureHex = sig

	quote.PricePerSecond = 999
	ok, err := VerifyQuoteSignature(quote)
	require.NoError(t, err)
	assert.False(t, ok)
}
