package authproxy

import (
	"encoding/json"
	"time"

	"github.com/aidantwoods/go-paseto"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// PasetoTokenManager mints and verifies v4.local Paseto tokens with a
// process-wide secret. The key bytes are the key: reconstructing a
// manager from the same bytes after a restart yields an equivalent
// validator, so tokens remain verifiable across restarts.
type PasetoTokenManager struct {
	key paseto.V4SymmetricKey
	ttl time.Duration
}

// WithKey reconstructs a PasetoTokenManager from raw key bytes.
func WithKey(key []byte, ttl time.Duration) (*PasetoTokenManager, error) {
	if len(key) != 32 {
		return nil, apperrors.Configuration("paseto key must be exactly 32 bytes")
	}
	k, err := paseto.V4SymmetricKeyFromBytes(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfiguration, "invalid paseto key material", err)
	}
	return &PasetoTokenManager{key: k, ttl: ttl}, nil
}

// Mint issues a Paseto token carrying claims, bounding its TTL by the
// lesser of the manager default and the caller-supplied ceiling.
func (m *PasetoTokenManager) Mint(claims PasetoClaims, ttlCeiling time.Duration) (string, time.Time, error) {
	ttl := m.ttl
	if ttlCeiling > 0 && ttlCeiling < ttl {
		ttl = ttlCeiling
	}
	expiresAt := time.Now().Add(ttl)

	token := paseto.NewToken()
	token.SetExpiration(expiresAt)
	token.SetIssuedAt(time.Now())
	_ = token.Set("service_id", claims.ServiceID)
	_ = token.Set("key_id", claims.KeyID)
	if claims.TenantID != "" {
		_ = token.Set("tenant_id", claims.TenantID)
	}
	if len(claims.Scopes) > 0 {
		_ = token.Set("scopes", claims.Scopes)
	}
	if len(claims.AdditionalHeaders) > 0 {
		headersJSON, _ := json.Marshal(claims.AdditionalHeaders)
		_ = token.Set("additional_headers", string(headersJSON))
	}

	return token.V4Encrypt(m.key, nil), expiresAt, nil
}

// Verify decrypts and validates a Paseto token, returning its claims.
func (m *PasetoTokenManager) Verify(tokenStr string) (PasetoClaims, error) {
	parser := paseto.NewParser()
	parser.AddRule(paseto.NotExpired())

	token, err := parser.ParseV4Local(m.key, tokenStr, nil)
	if err != nil {
		return PasetoClaims{}, apperrors.Wrap(apperrors.KindAuth, "paseto token invalid or expired", err)
	}

	claims := PasetoClaims{}
	var serviceID uint64
	if err := token.Get("service_id", &serviceID); err == nil {
		claims.ServiceID = serviceID
	}
	var keyID string
	if err := token.Get("key_id", &keyID); err == nil {
		claims.KeyID = keyID
	}
	var tenantID string
	if err := token.Get("tenant_id", &tenantID); err == nil {
		claims.TenantID = tenantID
	}
	var scopes []string
	if err := token.Get("scopes", &scopes); err == nil {
		claims.Scopes = scopes
	}
	var headersJSON string
	if err := token.Get("additional_headers", &headersJSON); err == nil && headersJSON != "" {
		_ = json.Unmarshal([]byte(headersJSON), &claims.AdditionalHeaders)
	}
	if exp, err := token.GetExpiration(); err == nil {
		claims.ExpiresAt = exp
	}
	return claims, nil
}
