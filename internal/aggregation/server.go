package aggregation

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
	"github.com/tangle-network/blueprint-core/internal/logging"
)

// Server exposes the Tangle Aggregation Service over HTTP so operators can
// submit signature shares and callers (the CLI's `blueprint jobs show`, the
// chain-write path that ultimately calls submitJobResult) can poll task
// state, without every caller linking the aggregation package directly.
// Routing follows the same chi-router, one-handler-per-sub-protocol shape
// as internal/authproxy's router.go.
type Server struct {
	svc    *Service
	logger *logging.Logger
}

// NewServer builds a Server over svc.
func NewServer(svc *Service, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewFromEnv("aggregation")
	}
	return &Server{svc: svc, logger: logger}
}

// Router builds the chi router for the aggregation HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/tasks", s.handleInitTask)
	r.Post("/v1/tasks/{serviceId}/{callId}/signatures", s.handleSubmitSignature)
	r.Get("/v1/tasks/{serviceId}/{callId}", s.handleStatus)
	r.Get("/v1/tasks/{serviceId}/{callId}/result", s.handleResult)
	r.Post("/v1/tasks/{serviceId}/{callId}/submitted", s.handleMarkSubmitted)
	return r
}

type initTaskRequest struct {
	ServiceID     uint64 `json:"service_id"`
	CallID        uint64 `json:"call_id"`
	OutputHex     string `json:"output_hex"`
	OperatorCount int    `json:"operator_count"`
	Threshold     struct {
		Kind     string `json:"kind"`
		Count    int    `json:"count"`
		StakeBps uint32 `json:"stake_bps"`
	} `json:"threshold"`
	TTLSecs int64 `json:"ttl_secs"`
}

func (s *Server) handleInitTask(w http.ResponseWriter, r *http.Request) {
	var req initTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Validation("malformed request body"))
		return
	}
	output, err := hex.DecodeString(req.OutputHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Validation("output_hex must be hex-encoded"))
		return
	}
	threshold := Threshold{
		Kind:     ThresholdKind(req.Threshold.Kind),
		Count:    req.Threshold.Count,
		StakeBps: req.Threshold.StakeBps,
	}
	if threshold.Kind == "" {
		threshold.Kind = ThresholdCount
		threshold.Count = req.OperatorCount
	}

	var ttl time.Duration
	if req.TTLSecs > 0 {
		ttl = time.Duration(req.TTLSecs) * time.Second
	}

	if err := s.svc.InitTask(req.ServiceID, req.CallID, output, threshold, ttl); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "initialized"})
}

type submitSignatureRequest struct {
	OperatorIndex int    `json:"operator_index"`
	OutputHex     string `json:"output_hex"`
	SignatureHex  string `json:"signature_hex"`
	PublicKeyHex  string `json:"public_key_hex"`
}

func (s *Server) handleSubmitSignature(w http.ResponseWriter, r *http.Request) {
	serviceID, callID, err := pathIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req submitSignatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Validation("malformed request body"))
		return
	}
	output, err := hex.DecodeString(req.OutputHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Validation("output_hex must be hex-encoded"))
		return
	}
	sig, err := hex.DecodeString(req.SignatureHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Validation("signature_hex must be hex-encoded"))
		return
	}
	pub, err := hex.DecodeString(req.PublicKeyHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Validation("public_key_hex must be hex-encoded"))
		return
	}

	collected, thresholdMet, err := s.svc.SubmitSignature(serviceID, callID, req.OperatorIndex, output, sig, pub)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signatures_collected": collected,
		"threshold_met":        thresholdMet,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	serviceID, callID, err := pathIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status, err := s.svc.GetStatus(serviceID, callID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"call_id":               callID,
		"service_id":            serviceID,
		"completed":             status.Submitted || status.ThresholdMet,
		"signatures_collected":  status.SignaturesCollected,
		"threshold_met":         status.ThresholdMet,
		"submitted":             status.Submitted,
		"is_expired":            status.IsExpired,
		"time_remaining_secs":   status.TimeRemainingSecs,
		"signer_bitmap":         status.SignerBitmap,
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	serviceID, callID, err := pathIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	operatorCount := 64
	if v := r.URL.Query().Get("operator_count"); v != "" {
		if n, perr := parseUint(v); perr == nil {
			operatorCount = int(n)
		}
	}
	result, err := s.svc.GetAggregatedResult(serviceID, callID, operatorCount)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"output_hex":              hex.EncodeToString(result.Output),
		"signer_bitmap":           result.SignerBitmap,
		"non_signer_indices":      result.NonSignerIndices,
		"aggregated_signature_hex": hex.EncodeToString(result.AggregatedSignature),
		"aggregated_pubkey_hex":    hex.EncodeToString(result.AggregatedPublicKey),
	})
}

func (s *Server) handleMarkSubmitted(w http.ResponseWriter, r *http.Request) {
	serviceID, callID, err := pathIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.MarkSubmitted(serviceID, callID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "submitted"})
}

func pathIDs(r *http.Request) (serviceID, callID uint64, err error) {
	serviceID, err = parseUint(chi.URLParam(r, "serviceId"))
	if err != nil {
		return 0, 0, apperrors.Validation("invalid serviceId path parameter")
	}
	callID, err = parseUint(chi.URLParam(r, "callId"))
	if err != nil {
		return 0, 0, apperrors.Validation("invalid callId path parameter")
	}
	return serviceID, callID, nil
}

func parseUint(s string) (uint64, error) {
	var v uint64
	if s == "" {
		return 0, apperrors.Validation("empty integer path parameter")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, apperrors.Validation("non-numeric path parameter")
		}
		v = v*10 + uint64(c-'0')
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeAppError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.KindOf(err) {
	case apperrors.KindNotFound:
		status = http.StatusNotFound
	case apperrors.KindAlreadyExists:
		status = http.StatusConflict
	case apperrors.KindExpired:
		status = http.StatusGone
	case apperrors.KindValidation, apperrors.KindOutputMismatch:
		status = http.StatusBadRequest
	case apperrors.KindAuth, apperrors.KindVerification:
		status = http.StatusUnauthorized
	}
	writeError(w, status, err)
}
