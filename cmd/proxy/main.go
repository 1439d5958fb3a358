// Package main provides the Authenticated Proxy entry point: it
// terminates per-service mTLS, runs the challenge/verify/exchange/OAuth
// authentication sub-protocols, and reverse-proxies authenticated
// requests to each service's upstream.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/tangle-network/blueprint-core/internal/authproxy"
	"github.com/tangle-network/blueprint-core/internal/chainsource"
	"github.com/tangle-network/blueprint-core/internal/config"
	"github.com/tangle-network/blueprint-core/internal/logging"
)

// chainOwnerChecker adapts a chainsource.ReadProvider to authproxy's
// OwnerChecker, treating "is a permitted caller" as "is an operator of
// the service" since both gate write access to a running service.
type chainOwnerChecker struct {
	read chainsource.ReadProvider
}

func (c chainOwnerChecker) IsOwner(serviceID uint64, pubKeyHex string) (bool, error) {
	return c.read.IsServiceOperator(context.Background(), serviceID, pubKeyHex)
}

func main() {
	configPath := flag.String("config", "", "path to a CONFIG_FILE YAML document (overrides the CONFIG_FILE env var)")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("CONFIG_FILE", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("proxy", cfg.Logging.Level, cfg.Logging.Format)

	os.Exit(run(cfg, logger))
}

func run(cfg *config.Config, logger *logging.Logger) int {
	envelopeKey, err := hex.DecodeString(cfg.Proxy.TLSEnvelopeKeyHex)
	if err != nil {
		logger.WithError(err).Error("proxy: malformed PROXY_TLS_ENVELOPE_KEY_HEX")
		return 1
	}
	envelope, err := authproxy.NewTlsEnvelope(envelopeKey)
	if err != nil {
		logger.WithError(err).Error("proxy: failed to derive TLS envelope key")
		return 1
	}

	pasetoKey, err := hex.DecodeString(cfg.Proxy.PasetoKeyHex)
	if err != nil {
		logger.WithError(err).Error("proxy: malformed PROXY_PASETO_KEY_HEX")
		return 1
	}
	tokens, err := authproxy.WithKey(pasetoKey, time.Duration(cfg.Proxy.MaxAccessTokenTTLSecs)*time.Second)
	if err != nil {
		logger.WithError(err).Error("proxy: failed to build paseto token manager")
		return 1
	}

	var store authproxy.Store
	if cfg.Proxy.DatabaseDSN != "" {
		pg, err := authproxy.OpenPostgresStore(cfg.Proxy.DatabaseDSN, "")
		if err != nil {
			logger.WithError(err).Error("proxy: failed to open postgres store")
			return 1
		}
		store = pg
	} else {
		store = authproxy.NewMemoryStore()
	}

	rpcProvider := chainsource.NewEVMRPCProvider(cfg.Chain.HTTPRPCURL, "", map[chainsource.EventKind]string{})
	readProvider := chainsource.NewEthReadProvider(rpcProvider, "")

	auth := &authproxy.AuthHandlers{
		Store:      store,
		Challenges: authproxy.NewChallengeStore(2 * time.Minute),
		Owners:     chainOwnerChecker{read: readProvider},
		Tokens:     tokens,
	}

	listener := authproxy.NewListener(envelope, logger, cfg.Proxy.AllowSingleProfileSNIFallback)
	router := authproxy.NewRouter(auth, listener, tokens, logger)
	listener.InstallRouter(router)

	ln, err := net.Listen("tcp", cfg.Proxy.ListenAddr)
	if err != nil {
		logger.WithError(err).Error("proxy: failed to bind listen address")
		return 1
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- listener.Serve(ln)
	}()

	adminServer := newAdminServer(cfg.Proxy.AdminListenAddr, listener)
	go func() {
		logger.WithFields(map[string]interface{}{"addr": cfg.Proxy.AdminListenAddr}).Info("proxy: admin listening")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("proxy: admin server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("proxy: listener exited")
			return 1
		}
	case <-sigCh:
		logger.WithFields(nil).Info("proxy: shutting down")
		_ = ln.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = adminServer.Shutdown(shutdownCtx)
	return 0
}

// upsertProfileRequest mirrors authproxy.ServiceTlsConfig over the wire;
// cert/key material travels as base64 since it's PEM-encoded bytes, not hex.
type upsertProfileRequest struct {
	Hostnames         []string          `json:"hostnames"`
	CertPEMBase64     string            `json:"cert_pem_base64"`
	KeyPEMBase64      string            `json:"key_pem_base64"`
	RequireClientMtls bool              `json:"require_client_mtls"`
	UpstreamURL       string            `json:"upstream_url"`
	DefaultHeaders    map[string]string `json:"default_headers"`
}

func writeAdminJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeAdminJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// upsertProfileHandler exposes upsert_service_profile (spec §4.6) over HTTP
// so the Manager (or an operator) can register a running service's TLS
// material without restarting the proxy process.
func upsertProfileHandler(listener *authproxy.Listener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID, err := strconv.ParseUint(mux.Vars(r)["service_id"], 10, 64)
		if err != nil {
			writeAdminJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid service_id"})
			return
		}
		var req upsertProfileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAdminJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		certPEM, err := base64.StdEncoding.DecodeString(req.CertPEMBase64)
		if err != nil {
			writeAdminJSON(w, http.StatusBadRequest, map[string]string{"error": "cert_pem_base64 must be base64-encoded PEM"})
			return
		}
		keyPEM, err := base64.StdEncoding.DecodeString(req.KeyPEMBase64)
		if err != nil {
			writeAdminJSON(w, http.StatusBadRequest, map[string]string{"error": "key_pem_base64 must be base64-encoded PEM"})
			return
		}
		profile := authproxy.ServiceTlsConfig{
			ServiceID:         serviceID,
			Hostnames:         req.Hostnames,
			CertPEM:           certPEM,
			KeyPEM:            keyPEM,
			RequireClientMtls: req.RequireClientMtls,
			UpstreamURL:       req.UpstreamURL,
			DefaultHeaders:    req.DefaultHeaders,
		}
		if err := listener.UpsertServiceProfile(serviceID, profile); err != nil {
			writeAdminJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeAdminJSON(w, http.StatusOK, map[string]uint64{"service_id": serviceID})
	}
}

// newAdminServer routes the proxy's admin surface through gorilla/mux, the
// teacher's own gateway router (cmd/gateway/main.go), rather than the
// chi/gin combination used by the rest of this module's HTTP surfaces.
func newAdminServer(addr string, listener *authproxy.Listener) *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthHandler()).Methods("GET")
	router.HandleFunc("/profiles/{service_id}", upsertProfileHandler(listener)).Methods("POST")

	return &http.Server{Addr: addr, Handler: router}
}
