package authproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeScopesDedupesAndLowercases(t *testing.T) {
	got := CanonicalizeScopes("Read Write read", []string{"read", "write", "admin"})
	assert.Equal(t, []string{"read", "write"}, got)
}

func TestCanonicalizeScopesAbsentAllowedOmitsAll(t *testing.T) {
	got := CanonicalizeScopes("read write", nil)
	assert.Nil(t, got)
}

func TestCanonicalizeScopesEmptyIntersectionOmitsScope(t *testing.T) {
	got := CanonicalizeScopes("delete", []string{"read", "write"})
	assert.Nil(t, got)
}

func TestCanonicalizeScopesPreservesInsertionOrder(t *testing.T) {
	got := CanonicalizeScopes("write read admin", []string{"admin", "read", "write"})
	assert.Equal(t, []string{"write", "read", "admin"}, got)
}
