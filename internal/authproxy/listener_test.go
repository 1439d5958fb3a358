package authproxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedPEM(t *testing.T, host string) (certPEM, keyPEM []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return
}

func TestSelectServiceConfigBySNI(t *testing.T) {
	l := NewListener(nil, nil, true)
	cert, key := selfSignedPEM(t, "svc-a.example.com")
	require.NoError(t, l.UpsertServiceProfile(1, ServiceTlsConfig{Hostnames: []string{"svc-a.example.com"}, CertPEM: cert, KeyPEM: key}))

	id, _, err := l.selectServiceConfig("svc-a.example.com")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestSelectServiceConfigSingleProfileFallbackNoSNI(t *testing.T) {
	l := NewListener(nil, nil, true)
	cert, key := selfSignedPEM(t, "only.example.com")
	require.NoError(t, l.UpsertServiceProfile(7, ServiceTlsConfig{Hostnames: []string{"only.example.com"}, CertPEM: cert, KeyPEM: key}))

	id, _, err := l.selectServiceConfig("")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
}

func TestSelectServiceConfigUnknownSNIFailsWithMultipleProfiles(t *testing.T) {
	l := NewListener(nil, nil, true)
	cert1, key1 := selfSignedPEM(t, "a.example.com")
	cert2, key2 := selfSignedPEM(t, "b.example.com")
	require.NoError(t, l.UpsertServiceProfile(1, ServiceTlsConfig{Hostnames: []string{"a.example.com"}, CertPEM: cert1, KeyPEM: key1}))
	require.NoError(t, l.UpsertServiceProfile(2, ServiceTlsConfig{Hostnames: []string{"b.example.com"}, CertPEM: cert2, KeyPEM: key2}))

	_, _, err := l.selectServiceConfig("unknown.example.com")
	require.Error(t, err)
}

func TestInstallRouterOnlyOnce(t *testing.T) {
	l := NewListener(nil, nil, true)
	h1 := http.NewServeMux()
	h2 := http.NewServeMux()
	l.InstallRouter(h1)
	l.InstallRouter(h2)
	assert.Same(t, h1, l.router)
}
