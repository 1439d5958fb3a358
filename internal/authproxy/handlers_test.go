package authproxy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alwaysOwner struct{}

func (alwaysOwner) IsOwner(serviceID uint64, pubKeyHex string) (bool, error) { return true, nil }

func newTestHandlers(t *testing.T) (*AuthHandlers, Store) {
	t.Helper()
	store := NewMemoryStore()
	tokens, err := WithKey(bytes.Repeat([]byte{7}, 32), time.Hour)
	require.NoError(t, err)
	return &AuthHandlers{
		Store:      store,
		Challenges: NewChallengeStore(time.Minute),
		Owners:     alwaysOwner{},
		Tokens:     tokens,
	}, store
}

func TestChallengeVerifyExchangeFlow(t *testing.T) {
	h, _ := newTestHandlers(t)

	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/challenge", jsonBody(t, challengeRequest{ServiceID: 42, PubKeyHex: pubHex}))
	rec := httptest.NewRecorder()
	h.HandleChallenge(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var chResp challengeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&chResp))

	digest := sha256.Sum256([]byte(chResp.Challenge))
	sig := ecdsa.Sign(priv, digest[:])

	verifyReq := httptest.NewRequest(http.MethodPost, "/v1/auth/verify", jsonBody(t, verifyRequest{
		Challenge:    chResp.Challenge,
		PubKeyHex:    pubHex,
		SignatureHex: hex.EncodeToString(sig.Serialize()),
	}))
	verifyRec := httptest.NewRecorder()
	h.HandleVerify(verifyRec, verifyReq)
	require.Equal(t, http.StatusOK, verifyRec.Code)

	var vResp verifyResponse
	require.NoError(t, json.NewDecoder(verifyRec.Body).Decode(&vResp))
	require.Empty(t, vResp.Error)
	require.NotEmpty(t, vResp.ApiKey)

	exchangeReq := httptest.NewRequest(http.MethodPost, "/v1/auth/exchange", nil)
	exchangeReq.Header.Set("Authorization", "Bearer "+vResp.ApiKey)
	exchangeRec := httptest.NewRecorder()
	h.HandleExchange(exchangeRec, exchangeReq)
	require.Equal(t, http.StatusOK, exchangeRec.Code)

	var exResp exchangeResponse
	require.NoError(t, json.NewDecoder(exchangeRec.Body).Decode(&exResp))
	assert.NotEmpty(t, exResp.AccessToken)

	claims, err := h.Tokens.Verify(exResp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), claims.ServiceID)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/challenge", jsonBody(t, challengeRequest{ServiceID: 1}))
	rec := httptest.NewRecorder()
	h.HandleChallenge(rec, req)

	var chResp challengeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&chResp))

	priv, _ := secp256k1.GeneratePrivateKey()
	otherPriv, _ := secp256k1.GeneratePrivateKey()
	digest := sha256.Sum256([]byte(chResp.Challenge))
	sig := ecdsa.Sign(otherPriv, digest[:])

	verifyReq := httptest.NewRequest(http.MethodPost, "/v1/auth/verify", jsonBody(t, verifyRequest{
		Challenge:    chResp.Challenge,
		PubKeyHex:    hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		SignatureHex: hex.EncodeToString(sig.Serialize()),
	}))
	verifyRec := httptest.NewRecorder()
	h.HandleVerify(verifyRec, verifyReq)
	assert.Equal(t, http.StatusUnauthorized, verifyRec.Code)
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}
