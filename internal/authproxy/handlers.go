package authproxy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/google/uuid"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// pendingChallenge is a short-lived random challenge tied to a service.
type pendingChallenge struct {
	serviceID uint64
	expiresAt time.Time
}

// ChallengeStore tracks outstanding challenges issued by /v1/auth/challenge.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]pendingChallenge
	ttl        time.Duration
}

func NewChallengeStore(ttl time.Duration) *ChallengeStore {
	if ttl == 0 {
		ttl = 2 * time.Minute
	}
	return &ChallengeStore{challenges: make(map[string]pendingChallenge), ttl: ttl}
}

func (c *ChallengeStore) Issue(serviceID uint64) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperrors.Other("failed to generate challenge", err)
	}
	challenge := hex.EncodeToString(buf)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.challenges[challenge] = pendingChallenge{serviceID: serviceID, expiresAt: time.Now().Add(c.ttl)}
	return challenge, nil
}

func (c *ChallengeStore) Consume(challenge string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := c.challenges[challenge]
	if !ok {
		return 0, apperrors.Auth("unknown or already-consumed challenge")
	}
	delete(c.challenges, challenge)
	if time.Now().After(pending.expiresAt) {
		return 0, apperrors.Expired("challenge expired")
	}
	return pending.serviceID, nil
}

// OwnerChecker reports whether pubKeyHex is a permitted owner/caller of
// serviceID.
type OwnerChecker interface {
	IsOwner(serviceID uint64, pubKeyHex string) (bool, error)
}

// AuthHandlers implements the §4.6 authentication sub-protocols.
type AuthHandlers struct {
	Store      Store
	Challenges *ChallengeStore
	Owners     OwnerChecker
	Tokens     *PasetoTokenManager
	ReplayGuard *replayGuard
}

type challengeRequest struct {
	ServiceID uint64 `json:"service_id"`
	PubKeyHex string `json:"pub_key"`
	KeyType   string `json:"key_type"`
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

// HandleChallenge implements POST /v1/auth/challenge.
func (h *AuthHandlers) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Validation("malformed challenge request"))
		return
	}
	challenge, err := h.Challenges.Issue(req.ServiceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{Challenge: challenge})
}

type verifyRequest struct {
	Challenge         string            `json:"challenge"`
	PubKeyHex         string            `json:"pub_key"`
	SignatureHex      string            `json:"signature"`
	AdditionalHeaders map[string]string `json:"additional_headers"`
}

type verifyResponse struct {
	ApiKey string `json:"api_key,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HandleVerify implements POST /v1/auth/verify. Header-validation
// failures are returned as a 200-with-error-payload, not an HTTP error,
// per spec §4.6.
func (h *AuthHandlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Validation("malformed verify request"))
		return
	}

	serviceID, err := h.Challenges.Consume(req.Challenge)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	if err := verifyChallengeSignature(req.Challenge, req.PubKeyHex, req.SignatureHex); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	if h.Owners != nil {
		ok, err := h.Owners.IsOwner(serviceID, req.PubKeyHex)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, apperrors.Auth("pub key is not an owner of the service"))
			return
		}
	}

	headers, err := ValidateAndNormalizeHeaders(req.AdditionalHeaders)
	if err != nil {
		writeJSON(w, http.StatusOK, verifyResponse{Error: err.Error()})
		return
	}

	secretBuf := make([]byte, 32)
	_, _ = rand.Read(secretBuf)
	secret := hex.EncodeToString(secretBuf)
	keyID := uuid.NewString()
	apiKey := keyID + "." + secret

	secretHash := sha256.Sum256([]byte(secret))
	record := ApiKey{
		KeyID:          keyID,
		SecretHash:     hex.EncodeToString(secretHash[:]),
		ServiceID:      serviceID,
		Owner:          req.PubKeyHex,
		DefaultHeaders: headers,
		CreatedAt:      time.Now(),
	}
	if err := h.Store.InsertApiKey(r.Context(), record); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{ApiKey: apiKey})
}

func verifyChallengeSignature(challenge, pubKeyHex, sigHex string) error {
	pubBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return apperrors.Validation("malformed public key hex")
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return apperrors.Validation("malformed signature hex")
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return apperrors.Auth("invalid secp256k1 public key")
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return apperrors.Auth("invalid secp256k1 signature encoding")
	}
	digest := sha256.Sum256([]byte(challenge))
	if !sig.Verify(digest[:], pub) {
		return apperrors.Auth("challenge signature does not match public key")
	}
	return nil
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   int64  `json:"expires_at"`
	ExpiresIn   int64  `json:"expires_in"`
}

// HandleExchange implements POST /v1/auth/exchange (bearer API key).
func (h *AuthHandlers) HandleExchange(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	keyID, secret, ok := splitApiKey(bearer)
	if !ok {
		writeError(w, http.StatusUnauthorized, apperrors.Auth("malformed api key"))
		return
	}

	record, err := h.Store.GetApiKey(r.Context(), keyID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	secretHash := sha256.Sum256([]byte(secret))
	if hex.EncodeToString(secretHash[:]) != record.SecretHash {
		writeError(w, http.StatusUnauthorized, apperrors.Auth("api key secret mismatch"))
		return
	}

	model, err := h.Store.GetServiceModel(r.Context(), record.ServiceID)
	ttlCeiling := time.Duration(0)
	if err == nil {
		ttlCeiling = model.MaxTokenTTL
	}

	token, expiresAt, err := h.Tokens.Mint(PasetoClaims{
		ServiceID:         record.ServiceID,
		KeyID:             record.KeyID,
		AdditionalHeaders: record.DefaultHeaders,
	}, ttlCeiling)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, exchangeResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.Unix(),
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	})
}

// HandleOAuthToken implements POST /v1/oauth/token (JWT-bearer grant).
func (h *AuthHandlers) HandleOAuthToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Validation("malformed form body"))
		return
	}
	grantType := r.FormValue("grant_type")
	if grantType != "urn:ietf:params:oauth:grant-type:jwt-bearer" {
		writeError(w, http.StatusBadRequest, apperrors.Validation("unsupported grant_type"))
		return
	}
	assertion := r.FormValue("assertion")
	serviceIDHeader := r.Header.Get("x-service-id")
	if assertion == "" || serviceIDHeader == "" {
		writeError(w, http.StatusBadRequest, apperrors.Validation("missing assertion or x-service-id"))
		return
	}

	serviceID, err := parseServiceID(serviceIDHeader)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	model, err := h.Store.GetServiceModel(r.Context(), serviceID)
	if err != nil || model.OAuth == nil {
		writeError(w, http.StatusBadRequest, apperrors.Configuration("service has no oauth policy configured"))
		return
	}

	scope, subject, err := VerifyAssertion(assertion, *model.OAuth, h.ReplayGuard)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	canonicalScopes := CanonicalizeScopes(scope, model.OAuth.AllowedScopes)

	token, expiresAt, err := h.Tokens.Mint(PasetoClaims{
		ServiceID: serviceID,
		KeyID:     subject,
		Scopes:    canonicalScopes,
	}, time.Duration(model.OAuth.MaxAccessTokenTTLSecs)*time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, exchangeResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.Unix(),
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	})
}
