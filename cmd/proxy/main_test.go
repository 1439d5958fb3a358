package main

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tangle-network/blueprint-core/internal/authproxy"
	"github.com/tangle-network/blueprint-core/internal/logging"
)

func selfSignedPEM(t *testing.T, host string) (certPEM, keyPEM []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return
}

func newTestListener(t *testing.T) *authproxy.Listener {
	t.Helper()
	logger := logging.NewFromEnv("proxy-test")
	envelope, err := authproxy.NewTlsEnvelope(make([]byte, 32))
	if err != nil {
		t.Fatalf("new tls envelope: %v", err)
	}
	return authproxy.NewListener(envelope, logger, true)
}

func TestAdminServerUpsertProfile(t *testing.T) {
	srv := newAdminServer("", newTestListener(t))
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	certPEM, keyPEM := selfSignedPEM(t, "svc.example.com")
	body := upsertProfileRequest{
		Hostnames:     []string{"svc.example.com"},
		CertPEMBase64: base64.StdEncoding.EncodeToString(certPEM),
		KeyPEMBase64:  base64.StdEncoding.EncodeToString(keyPEM),
		UpstreamURL:   "http://127.0.0.1:9000",
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(ts.URL+"/profiles/42", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAdminServerUpsertProfileRejectsBadCert(t *testing.T) {
	srv := newAdminServer("", newTestListener(t))
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	body := upsertProfileRequest{
		Hostnames:     []string{"svc.example.com"},
		CertPEMBase64: base64.StdEncoding.EncodeToString([]byte("not a cert")),
		KeyPEMBase64:  base64.StdEncoding.EncodeToString([]byte("not a key")),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(ts.URL+"/profiles/42", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
