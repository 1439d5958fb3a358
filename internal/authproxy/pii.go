package authproxy

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

const (
	maxHeaderCount = 8
	maxHeaderName  = 256
	maxHeaderValue = 512
)

var piiHeaderNames = map[string]bool{
	"x-tenant-id":       true,
	"x-user-id":         true,
	"x-user-email":      true,
	"x-customer-email":  true,
}

var piiEmailPattern = regexp.MustCompile(`^x-.*-email$`)

var hexHashPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func isPiiHeader(name string) bool {
	name = strings.ToLower(name)
	return piiHeaderNames[name] || piiEmailPattern.MatchString(name)
}

// HashUserID produces the deterministic 32-hex-character hash used to mask
// PII header values (the first 16 bytes of SHA-256).
func HashUserID(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:16])
}

// ValidateAndNormalizeHeaders enforces the §4.6 constraints (at most 8
// entries, bounded name/value lengths) and applies PII hashing. The
// violation is returned as an *apperrors.Error so callers can place it in
// a response payload rather than surface it as a transport-level error.
func ValidateAndNormalizeHeaders(headers map[string]string) (map[string]string, error) {
	if len(headers) > maxHeaderCount {
		return nil, apperrors.Validation("too many additional headers")
	}

	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if len(name) > maxHeaderName {
			return nil, apperrors.Validation("header name exceeds maximum length")
		}
		if len(value) > maxHeaderValue {
			return nil, apperrors.Validation("header value exceeds maximum length")
		}
		lower := strings.ToLower(name)

		if isPiiHeader(lower) {
			if !hexHashPattern.MatchString(value) {
				value = HashUserID(value)
			}
		}
		out[lower] = value
	}
	return out, nil
}
