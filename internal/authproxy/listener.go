package authproxy

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"net"
	"net/http"
	"sync"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
	"github.com/tangle-network/blueprint-core/internal/logging"
)

// Listener terminates inbound TLS and forwards decrypted HTTP to an
// installed router, selecting a per-service TLS profile by SNI (spec
// §4.6).
type Listener struct {
	mu        sync.RWMutex
	profiles  map[uint64]ServiceTlsConfig
	sniIndex  map[string]uint64
	router    http.Handler
	logger    *logging.Logger
	envelope  *TlsEnvelope

	// AllowSingleProfileSNIFallback resolves Open Question #1: when true, the
	// sole configured profile is also used when SNI is present but unknown
	// (bounded grace while the index updates). When SNI is absent, the sole
	// profile is used whatever this flag says.
	AllowSingleProfileSNIFallback bool
}

// NewListener constructs a Listener.
func NewListener(envelope *TlsEnvelope, logger *logging.Logger, allowSingleProfileFallback bool) *Listener {
	if logger == nil {
		logger = logging.NewFromEnv("authproxy-listener")
	}
	return &Listener{
		profiles:                      make(map[uint64]ServiceTlsConfig),
		sniIndex:                      make(map[string]uint64),
		envelope:                      envelope,
		logger:                        logger,
		AllowSingleProfileSNIFallback: allowSingleProfileFallback,
	}
}

// InstallRouter installs the HTTP handler exactly once; subsequent calls
// warn and no-op.
func (l *Listener) InstallRouter(router http.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.router != nil {
		l.logger.Warn("authproxy: router already installed, ignoring duplicate install")
		return
	}
	l.router = router
}

// UpsertServiceProfile validates and stores a per-service TLS profile.
func (l *Listener) UpsertServiceProfile(serviceID uint64, profile ServiceTlsConfig) error {
	if _, err := tls.X509KeyPair(profile.CertPEM, profile.KeyPEM); err != nil {
		return apperrors.Wrap(apperrors.KindTLS, "invalid tls certificate/key material", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.profiles[serviceID] = profile
	for _, host := range profile.Hostnames {
		l.sniIndex[host] = serviceID
	}
	return nil
}

// Lookup implements ServiceLookup for the router's forwarding path.
func (l *Listener) Lookup(serviceID uint64) (ServiceTlsConfig, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cfg, ok := l.profiles[serviceID]
	return cfg, ok
}

// selectServiceConfig implements the SNI resolution policy of spec §4.6.
func (l *Listener) selectServiceConfig(sni string) (uint64, ServiceTlsConfig, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if sni != "" {
		if id, ok := l.sniIndex[sni]; ok {
			return id, l.profiles[id], nil
		}
	}

	if len(l.profiles) == 1 {
		if sni == "" || l.AllowSingleProfileSNIFallback {
			for id, cfg := range l.profiles {
				return id, cfg, nil
			}
		}
	}

	return 0, ServiceTlsConfig{}, apperrors.TLS("no tls profile resolves for the presented SNI", nil)
}

// TLSConfig builds a *tls.Config whose GetConfigForClient implements the SNI-driven profile selection and per-service client-mTLS
// strictness.
func (l *Listener) TLSConfig() *tls.Config {
	return &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			_, cfg, err := l.selectServiceConfig(hello.ServerName)
			if err != nil {
				return nil, err
			}
			cert, err := tls.X509KeyPair(cfg.CertPEM, cfg.KeyPEM)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.KindTLS, "failed to load tls profile material", err)
			}
			clientAuth := tls.NoClientCert
			if cfg.RequireClientMtls {
				clientAuth = tls.RequireAnyClientCert
			}
			return &tls.Config{
				Certificates: []tls.Certificate{cert},
				ClientAuth:   clientAuth,
				NextProtos:   []string{"h2", "http/1.1"},
			}, nil
		},
	}
}

// Serve runs the bounded single accept loop described in spec §4.6: on
// accept failure it shuts down and logs; each connection is handled in
// its own goroutine.
func (l *Listener) Serve(ln net.Listener) error {
	l.mu.RLock()
	router := l.router
	l.mu.RUnlock()
	if router == nil {
		return apperrors.Configuration("authproxy listener started without an installed router")
	}

	tlsLn := tls.NewListener(ln, l.TLSConfig())
	server := &http.Server{Handler: l.withConnectionExtensions(router)}
	if err := server.Serve(tlsLn); err != nil {
		l.logger.WithError(err).Warn("authproxy: accept loop terminated")
		return err
	}
	return nil
}

// withConnectionExtensions injects the connection's client cert info and
// SNI-resolved serviceId as request context extensions before delegating,
// per spec §4.6's per-connection handoff.
func (l *Listener) withConnectionExtensions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil {
			if len(r.TLS.PeerCertificates) > 0 {
				cert := r.TLS.PeerCertificates[0]
				info := ClientCertInfo{
					Subject:   cert.Subject.String(),
					Issuer:    cert.Issuer.String(),
					SerialHex: hex.EncodeToString(cert.SerialNumber.Bytes()),
					NotBefore: cert.NotBefore,
					NotAfter:  cert.NotAfter,
				}
				r = r.WithContext(context.WithValue(r.Context(), ctxClientCert, info))
			}
			if serviceID, _, err := l.selectServiceConfig(r.TLS.ServerName); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), ctxServiceID, serviceID))
			}
		}
		next.ServeHTTP(w, r)
	})
}
