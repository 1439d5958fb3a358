package authproxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	kind := apperrors.KindOf(err)
	writeJSON(w, status, errorPayload{Kind: string(kind), Message: err.Error()})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return auth
}

func splitApiKey(raw string) (keyID, secret string, ok bool) {
	idx := strings.IndexByte(raw, '.')
	if idx <= 0 || idx == len(raw)-1 {
		return "", "", false
	}
	return raw[:idx], raw[idx+1:], true
}

func parseServiceID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperrors.Validation("x-service-id must be a non-negative integer")
	}
	return id, nil
}
