package authproxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
	"github.com/tangle-network/blueprint-core/internal/logging"
)

// ctxKey is a distinct type for request-scoped context extensions.
type ctxKey string

const (
	ctxServiceID  ctxKey = "service_id"
	ctxClientCert ctxKey = "client_cert"
)

// ServiceLookup resolves a serviceID to its TLS profile (for upstream
// URL/default headers) at forwarding time.
type ServiceLookup interface {
	Lookup(serviceID uint64) (ServiceTlsConfig, bool)
}

// NewRouter builds the chi router handling auth endpoints and
// authenticated forwarding, per spec §6.3.
func NewRouter(auth *AuthHandlers, lookup ServiceLookup, tokens *PasetoTokenManager, logger *logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.NewFromEnv("authproxy")
	}
	r := chi.NewRouter()

	r.Post("/v1/auth/challenge", auth.HandleChallenge)
	r.Post("/v1/auth/verify", auth.HandleVerify)
	r.Post("/v1/auth/exchange", auth.HandleExchange)
	r.Post("/v1/oauth/token", auth.HandleOAuthToken)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		forward(w, req, auth.Store, lookup, tokens, logger)
	})

	return r
}

// forward implements spec §4.6's item 4: authenticate, strip/inject
// x-scopes, merge default/additional headers, then reverse-proxy to
// upstreamUrl.
func forward(w http.ResponseWriter, r *http.Request, store Store, lookup ServiceLookup, tokens *PasetoTokenManager, logger *logging.Logger) {
	serviceIDVal := r.Context().Value(ctxServiceID)
	serviceID, ok := serviceIDVal.(uint64)
	if !ok {
		writeError(w, http.StatusNotFound, apperrors.NotFound("no service resolved for this connection"))
		return
	}

	profile, ok := lookup.Lookup(serviceID)
	if !ok {
		writeError(w, http.StatusNotFound, apperrors.NotFound("unknown service"))
		return
	}

	bearer := bearerToken(r)
	claims, apiKeyHeaders, err := authenticateRequest(r, store, tokens, bearer, serviceID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	// Non-negotiable: never forward a client-supplied x-scopes header.
	r.Header.Del("X-Scopes")
	if len(claims.Scopes) > 0 {
		r.Header.Set("X-Scopes", strings.Join(claims.Scopes, " "))
	}

	for name, value := range profile.DefaultHeaders {
		r.Header.Set(name, value)
	}
	for name, value := range apiKeyHeaders {
		r.Header.Set(name, value)
	}
	for name, value := range claims.AdditionalHeaders {
		r.Header.Set(name, value)
	}
	r.Header.Set("X-Service-Id", strconv.FormatUint(serviceID, 10))

	upstream, err := url.Parse(profile.UpstreamURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperrors.Configuration("invalid upstream url"))
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.WithError(err).Warn("authproxy: upstream forwarding failed")
		writeError(w, http.StatusBadGateway, apperrors.Transport("upstream forwarding failed", err))
	}
	proxy.ServeHTTP(w, r)
}

func authenticateRequest(r *http.Request, store Store, tokens *PasetoTokenManager, bearer string, serviceID uint64) (PasetoClaims, map[string]string, error) {
	if keyID, _, ok := splitApiKey(bearer); ok {
		record, err := store.GetApiKey(r.Context(), keyID)
		if err == nil && record.ServiceID == serviceID {
			return PasetoClaims{ServiceID: serviceID}, record.DefaultHeaders, nil
		}
	}
	claims, err := tokens.Verify(bearer)
	if err != nil {
		return PasetoClaims{}, nil, err
	}
	if claims.ServiceID != serviceID {
		return PasetoClaims{}, nil, apperrors.Auth("token does not authorize this service")
	}
	return claims, nil, nil
}
