// Package authproxy implements the mTLS-terminating Authenticated Proxy:
// per-service TLS profile selection via SNI, encrypted key material, an
// OAuth/JWT-bearer and API-key auth surface issuing Paseto tokens, and
// request forwarding with scope/PII header policy enforcement.
package authproxy

import "time"

// ServiceTlsConfig is a validated, decrypted per-service TLS profile.
type ServiceTlsConfig struct {
	ServiceID          uint64
	Hostnames          []string
	CertPEM            []byte
	KeyPEM             []byte
	RequireClientMtls  bool // [NEW] SPEC_FULL §4.6b
	UpstreamURL        string
	MaxAccessTokenTTL  time.Duration
	DefaultHeaders     map[string]string
	OAuth              *OAuthPolicy
}

// ClientCertInfo is extracted from the first presented client certificate.
type ClientCertInfo struct {
	Subject   string
	Issuer    string
	SerialHex string
	NotBefore time.Time
	NotAfter  time.Time
}

// OAuthPolicy governs JWT-bearer assertion exchange for one service.
type OAuthPolicy struct {
	AllowedIssuers      []string
	RequiredAudiences   []string
	PublicKeysPEM       [][]byte
	AllowedScopes       []string // nil means "forward no scopes"
	RequireDPoP         bool
	MaxAccessTokenTTLSecs int64
	MaxAssertionTTLSecs   int64
	ClockSkew             time.Duration // [NEW] SPEC_FULL §4.6b, default 60s
}

// ApiKey is the persisted record behind an issued "<keyId>.<secret>" key.
type ApiKey struct {
	KeyID           string
	SecretHash      string // hashed, never stored in plaintext
	ServiceID       uint64
	Owner           string
	DefaultHeaders  map[string]string
	CreatedAt       time.Time
}

// ServiceModel is the persisted configuration record for one service's
// auth policy, distinct from its TLS profile.
type ServiceModel struct {
	ServiceID   uint64
	Owner       string
	OAuth       *OAuthPolicy
	MaxTokenTTL time.Duration
	CreatedAt   time.Time
}

// PasetoClaims is the claim set minted into every Paseto token.
type PasetoClaims struct {
	ServiceID         uint64
	KeyID             string
	TenantID          string
	AdditionalHeaders map[string]string
	Scopes            []string
	ExpiresAt         time.Time
}
