package authproxy

import (
	"crypto/rsa"
	"encoding/pem"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

const defaultClockSkew = 60 * time.Second

// replayGuard enforces jti uniqueness within a JWT's validity window.
type replayGuard struct {
	mu   sync.Mutex
	seen *lru.Cache[string, time.Time]
}

func newReplayGuard(size int) *replayGuard {
	cache, _ := lru.New[string, time.Time](size)
	return &replayGuard{seen: cache}
}

func (g *replayGuard) checkAndRecord(jti string, expiresAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seenAt, ok := g.seen.Get(jti); ok && time.Now().Before(seenAt) {
		return apperrors.Auth("jwt assertion jti already used within its validity window")
	}
	g.seen.Add(jti, expiresAt)
	return nil
}

// VerifyAssertion validates a JWT-bearer assertion against policy and
// returns its scope string and subject.
func VerifyAssertion(assertionRaw string, policy OAuthPolicy, guard *replayGuard) (scope, subject string, err error) {
	skew := policy.ClockSkew
	if skew == 0 {
		skew = defaultClockSkew
	}

	keys, err := parseRSAPublicKeys(policy.PublicKeysPEM)
	if err != nil {
		return "", "", err
	}

	if len(keys) == 0 {
		return "", "", apperrors.Verification("no public keys configured for issuer")
	}

	// PublicKeysPEM supports key rotation, so a verification failure against
	// one configured key isn't conclusive until every key has been tried;
	// the first one that validates the signature wins.
	claims := jwt.MapClaims{}
	var parseErr error
	verified := false
	for _, key := range keys {
		k := key
		candidateClaims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(assertionRaw, candidateClaims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, apperrors.Verification("assertion must use an RS256-family algorithm")
			}
			return k, nil
		}, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}), jwt.WithLeeway(skew), jwt.WithIssuedAt())
		if err == nil {
			claims = candidateClaims
			verified = true
			break
		}
		parseErr = err
	}
	if !verified {
		return "", "", apperrors.Wrap(apperrors.KindVerification, "jwt assertion verification failed", parseErr)
	}

	iss, _ := claims["iss"].(string)
	if !contains(policy.AllowedIssuers, iss) {
		return "", "", apperrors.Auth("assertion issuer not allowed")
	}

	aud := claimsAudience(claims)
	for _, required := range policy.RequiredAudiences {
		if !contains(aud, required) {
			return "", "", apperrors.Auth("assertion missing a required audience")
		}
	}

	iat, _ := claims["iat"].(float64)
	exp, _ := claims["exp"].(float64)
	if exp-iat > float64(policy.MaxAssertionTTLSecs) && policy.MaxAssertionTTLSecs > 0 {
		return "", "", apperrors.Auth("assertion ttl exceeds policy maximum")
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return "", "", apperrors.Auth("assertion missing jti")
	}
	if guard != nil {
		if err := guard.checkAndRecord(jti, time.Unix(int64(exp), 0)); err != nil {
			return "", "", err
		}
	}

	scope, _ = claims["scope"].(string)
	subject, _ = claims["sub"].(string)
	return scope, subject, nil
}

func claimsAudience(claims jwt.MapClaims) []string {
	switch v := claims["aud"].(type) {
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

func parseRSAPublicKeys(pemBlocks [][]byte) ([]*rsa.PublicKey, error) {
	keys := make([]*rsa.PublicKey, 0, len(pemBlocks))
	for _, raw := range pemBlocks {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, apperrors.Configuration("invalid PEM block in oauth policy public keys")
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(raw)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindConfiguration, "failed to parse RSA public key", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
