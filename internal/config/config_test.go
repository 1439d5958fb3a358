package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, uint64(3), cfg.Chain.Confirmations)
	assert.True(t, cfg.Proxy.AllowSingleProfileSNIFallback)
	assert.Equal(t, 16, cfg.RFQ.PowDifficultyBits)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("CHAIN_CONFIRMATIONS", "12")
	t.Setenv("PROXY_LISTEN_ADDR", "0.0.0.0:9000")
	os.Unsetenv("CONFIG_FILE")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(12), cfg.Chain.Confirmations)
	assert.Equal(t, "0.0.0.0:9000", cfg.Proxy.ListenAddr)
}
