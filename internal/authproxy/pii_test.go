package authproxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

func TestValidateAndNormalizeHeadersRejectsTooMany(t *testing.T) {
	headers := map[string]string{}
	for i := 0; i < 9; i++ {
		headers[string(rune('a'+i))] = "v"
	}
	_, err := ValidateAndNormalizeHeaders(headers)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestValidateAndNormalizeHeadersHashesPii(t *testing.T) {
	out, err := ValidateAndNormalizeHeaders(map[string]string{
		"X-User-Id":       "alice",
		"X-Tenant-Id":     "tenant-1",
		"X-Something-Else": "verbatim",
	})
	require.NoError(t, err)
	assert.Equal(t, HashUserID("alice"), out["x-user-id"])
	assert.Equal(t, HashUserID("tenant-1"), out["x-tenant-id"])
	assert.Equal(t, "verbatim", out["x-something-else"])
}

func TestValidateAndNormalizeHeadersIdempotentOnAlreadyHashedValue(t *testing.T) {
	hashed := HashUserID("bob")
	out, err := ValidateAndNormalizeHeaders(map[string]string{"x-user-id": hashed})
	require.NoError(t, err)
	assert.Equal(t, hashed, out["x-user-id"])
}

func TestValidateAndNormalizeHeadersRejectsOversizedValue(t *testing.T) {
	_, err := ValidateAndNormalizeHeaders(map[string]string{"x-custom": strings.Repeat("a", 513)})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestEmailPatternMatchesWildcard(t *testing.T) {
	assert.True(t, isPiiHeader("x-work-email"))
	assert.True(t, isPiiHeader("X-Customer-Email"))
	assert.False(t, isPiiHeader("x-request-id"))
}
